package schema

// InterruptType names a control-plane signal.
type InterruptType string

const (
	InterruptAbortAll      InterruptType = "ABORT_ALL"
	InterruptAbort         InterruptType = "ABORT"
	InterruptPauseAll      InterruptType = "PAUSE_ALL"
	InterruptResumeAll     InterruptType = "RESUME_ALL"
	InterruptRetry         InterruptType = "RETRY"
	InterruptCustomFailure InterruptType = "CUSTOM_FAILURE"
	InterruptMarkSuccess   InterruptType = "MARK_SUCCESS"
	InterruptIgnore        InterruptType = "IGNORE"
)

// NodeScoped reports whether the interrupt requires a node execution id.
func (t InterruptType) NodeScoped() bool {
	switch t {
	case InterruptAbort, InterruptRetry, InterruptCustomFailure, InterruptMarkSuccess, InterruptIgnore:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known interrupt type.
func (t InterruptType) Valid() bool {
	switch t {
	case InterruptAbortAll, InterruptAbort, InterruptPauseAll, InterruptResumeAll,
		InterruptRetry, InterruptCustomFailure, InterruptMarkSuccess, InterruptIgnore:
		return true
	default:
		return false
	}
}

// InterruptState is the lifecycle of an interrupt.
type InterruptState string

const (
	InterruptRegistered InterruptState = "REGISTERED"
	InterruptProcessing InterruptState = "PROCESSING"
	InterruptProcessed  InterruptState = "PROCESSED"
	InterruptDiscarded  InterruptState = "DISCARDED"
)

// InterruptEffect is appended to a node execution's history when an interrupt touches it.
type InterruptEffect struct {
	InterruptID   string        `json:"interruptId"`
	InterruptType InterruptType `json:"interruptType"`
	TookEffectAt  int64         `json:"tookEffectAt"`
}

// RestraintState is the lifecycle of a resource restraint instance.
type RestraintState string

const (
	RestraintBlocked  RestraintState = "BLOCKED"
	RestraintActive   RestraintState = "ACTIVE"
	RestraintFinished RestraintState = "FINISHED"
)
