package mcp

import "sync"

// SessionRegistry maps agent IDs to MCP session IDs and remembers which
// agent submitted each plan execution.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // agentID → sessionID
	owners   map[string]string // planExecutionID → agentID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		owners:   make(map[string]string),
	}
}

// Register associates an agent ID with a session ID.
// If the agent already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Remove deletes all agent mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}

// Track records agentID as the submitter of a plan execution.
func (r *SessionRegistry) Track(planExecutionID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[planExecutionID] = agentID
}

// Release returns and forgets the submitter of a plan execution.
func (r *SessionRegistry) Release(planExecutionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	aid, ok := r.owners[planExecutionID]
	delete(r.owners, planExecutionID)
	return aid, ok
}
