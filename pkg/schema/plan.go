package schema

// ExecutionMode selects the invoker used to run a node.
type ExecutionMode string

const (
	ModeSync       ExecutionMode = "SYNC"
	ModeAsync      ExecutionMode = "ASYNC"
	ModeTask       ExecutionMode = "TASK"
	ModeChild      ExecutionMode = "CHILD"
	ModeChildChain ExecutionMode = "CHILD_CHAIN"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeTask, ModeChild, ModeChildChain:
		return true
	default:
		return false
	}
}

// Well-known parameter keys that carry plan graph edges.
const (
	ParamChildNodeID  = "childNodeId"
	ParamChildNodeIDs = "childNodeIds"
	ParamNextNodeID   = "nextNodeId"
)

// FacilitatorObtainment configures how a node is prepared before invocation.
type FacilitatorObtainment struct {
	// InitialWait delays invocation after the node is queued (Go duration string).
	InitialWait string         `json:"initialWait,omitempty" yaml:"initialWait,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// AdviserObtainment selects an adviser and its parameters for a node.
type AdviserObtainment struct {
	Type       string         `json:"type" yaml:"type"`
	When       string         `json:"when,omitempty" yaml:"when,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// PlanNode is an immutable step definition within a Plan.
type PlanNode struct {
	UUID                  string                `json:"uuid" yaml:"uuid"`
	Identifier            string                `json:"identifier" yaml:"identifier"`
	Name                  string                `json:"name,omitempty" yaml:"name,omitempty"`
	StepType              string                `json:"stepType" yaml:"stepType"`
	Group                 string                `json:"group,omitempty" yaml:"group,omitempty"`
	ExecutionMode         ExecutionMode         `json:"executionMode,omitempty" yaml:"executionMode,omitempty"`
	StepParameters        map[string]any        `json:"stepParameters,omitempty" yaml:"stepParameters,omitempty"`
	FacilitatorObtainment FacilitatorObtainment `json:"facilitatorObtainment,omitempty" yaml:"facilitatorObtainment,omitempty"`
	AdviserObtainments    []AdviserObtainment   `json:"adviserObtainments,omitempty" yaml:"adviserObtainments,omitempty"`
}

// StringParam returns a string step parameter, or "".
func (n *PlanNode) StringParam(key string) string {
	s, _ := n.StepParameters[key].(string)
	return s
}

// Plan is the immutable graph of nodes for one submission.
type Plan struct {
	UUID           string               `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	StartingNodeID string               `json:"startingNodeId" yaml:"startingNodeId"`
	Nodes          map[string]*PlanNode `json:"nodes" yaml:"nodes"`
}

// FetchNode returns the node with the given uuid, or nil.
func (p *Plan) FetchNode(id string) *PlanNode {
	if p == nil {
		return nil
	}
	return p.Nodes[id]
}

// FetchStartingNode returns the root node, or nil for an empty plan.
func (p *Plan) FetchStartingNode() *PlanNode {
	return p.FetchNode(p.StartingNodeID)
}

// EdgesOf returns the node ids reachable from n through its parameters and
// adviser parameters.
func EdgesOf(n *PlanNode) []string {
	var out []string
	add := func(v any) {
		switch t := v.(type) {
		case string:
			if t != "" {
				out = append(out, t)
			}
		case []any:
			for _, e := range t {
				if s, ok := e.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		case []string:
			for _, s := range t {
				if s != "" {
					out = append(out, s)
				}
			}
		case map[string]any:
			for _, e := range t {
				if s, ok := e.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	add(n.StepParameters[ParamChildNodeID])
	add(n.StepParameters[ParamChildNodeIDs])
	add(n.StepParameters[ParamNextNodeID])
	for _, ob := range n.AdviserObtainments {
		add(ob.Parameters[ParamNextNodeID])
		add(ob.Parameters["strategyToNodeId"])
	}
	return out
}
