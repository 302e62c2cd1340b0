package schema

// Event type constants for the execution event log and the event hub.
const (
	EventPlanStarted   = "plan_started"
	EventPlanStatus    = "plan_status_changed"
	EventPlanCompleted = "plan_completed"
	EventPlanPaused    = "plan_paused"
	EventPlanResumed   = "plan_resumed"
	EventPlanAborted   = "plan_aborted"
	EventPlanExpiredGC = "plan_purged"

	EventNodeQueued    = "node_queued"
	EventNodeStatus    = "node_status_changed"
	EventNodeCompleted = "node_completed"
	EventNodeRetried   = "node_retried"
	EventNodeResumed   = "node_resumed"
	EventNodeAdvised   = "node_advised"
	EventNodeErrored   = "node_errored"

	EventInterruptRegistered = "interrupt_registered"
	EventInterruptProcessed  = "interrupt_processed"
	EventInterruptDiscarded  = "interrupt_discarded"

	EventRestraintPromoted = "restraint_promoted"
	EventRestraintReleased = "restraint_released"
)
