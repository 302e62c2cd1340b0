package schema

// Level is one frame of an Ambiance: the runtime instantiation of a plan node.
type Level struct {
	RuntimeID string `json:"runtime_id"`
	SetupID   string `json:"setup_id"`
	StepType  string `json:"step_type"`
	Group     string `json:"group,omitempty"`
}

// LevelFromPlanNode builds the level for a runtime instantiation of node.
func LevelFromPlanNode(runtimeID string, node *PlanNode) Level {
	return Level{
		RuntimeID: runtimeID,
		SetupID:   node.UUID,
		StepType:  node.StepType,
		Group:     node.Group,
	}
}

// Ambiance is the lineage from the plan root to the currently executing node.
// Values are never mutated in place; the clone methods return new Ambiances.
type Ambiance struct {
	PlanExecutionID   string            `json:"plan_execution_id"`
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`
	Levels            []Level           `json:"levels"`
}

// NewAmbiance creates the root ambiance for a plan execution.
func NewAmbiance(planExecutionID string, setup map[string]string) Ambiance {
	return Ambiance{
		PlanExecutionID:   planExecutionID,
		SetupAbstractions: copyStrings(setup),
	}
}

// CloneForChild returns a new ambiance with level appended.
func (a Ambiance) CloneForChild(level Level) Ambiance {
	levels := make([]Level, len(a.Levels), len(a.Levels)+1)
	copy(levels, a.Levels)
	return Ambiance{
		PlanExecutionID:   a.PlanExecutionID,
		SetupAbstractions: copyStrings(a.SetupAbstractions),
		Levels:            append(levels, level),
	}
}

// CloneForFinish returns a new ambiance with the last level removed.
func (a Ambiance) CloneForFinish() Ambiance {
	n := len(a.Levels)
	if n > 0 {
		n--
	}
	levels := make([]Level, n)
	copy(levels, a.Levels[:n])
	return Ambiance{
		PlanExecutionID:   a.PlanExecutionID,
		SetupAbstractions: copyStrings(a.SetupAbstractions),
		Levels:            levels,
	}
}

// CurrentLevel returns the innermost level, or nil at the plan root.
func (a Ambiance) CurrentLevel() *Level {
	if len(a.Levels) == 0 {
		return nil
	}
	l := a.Levels[len(a.Levels)-1]
	return &l
}

// CurrentRuntimeID returns the node execution id of the innermost level.
func (a Ambiance) CurrentRuntimeID() string {
	if l := a.CurrentLevel(); l != nil {
		return l.RuntimeID
	}
	return ""
}

// Setup returns a setup abstraction value.
func (a Ambiance) Setup(key string) (string, bool) {
	v, ok := a.SetupAbstractions[key]
	return v, ok
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
