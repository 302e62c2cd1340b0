package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/orchestra/pkg/schema"
)

// EventLog records execution history on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// StatusPayload is the payload of status change events.
type StatusPayload struct {
	From   schema.Status `json:"from,omitempty"`
	To     schema.Status `json:"to"`
	Reason string        `json:"reason,omitempty"`
}

// Append marshals payload and appends an event. A nil payload is omitted.
func (el *EventLog) Append(ctx context.Context, planExecutionID, nodeExecutionID, eventType string, payload any) (*Event, error) {
	e := &Event{
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		Type:            eventType,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		e.Payload = b
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s: %w", eventType, err)
	}
	return e, nil
}

// History returns every event of a plan execution. A gap in the sequence is
// reported as a store error.
func (el *EventLog) History(ctx context.Context, planExecutionID string) ([]*Event, error) {
	events, err := el.store.GetEvents(ctx, planExecutionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in plan execution %s: expected %d, got %d", planExecutionID, want, e.Sequence)
		}
	}
	return events, nil
}

// NodeTimelines replays status change events into the ordered statuses each
// node execution went through.
func (el *EventLog) NodeTimelines(ctx context.Context, planExecutionID string) (map[string][]schema.Status, error) {
	events, err := el.History(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]schema.Status)
	for _, e := range events {
		if e.NodeExecutionID == "" {
			continue
		}
		switch e.Type {
		case schema.EventNodeQueued:
			out[e.NodeExecutionID] = append(out[e.NodeExecutionID], schema.StatusQueued)
		case schema.EventNodeStatus, schema.EventNodeResumed, schema.EventNodeCompleted:
			var p StatusPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, fmt.Errorf("event %d: %w", e.Sequence, err)
			}
			out[e.NodeExecutionID] = append(out[e.NodeExecutionID], p.To)
		}
	}
	return out, nil
}
