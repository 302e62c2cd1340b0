package schema

// Status is the lifecycle state shared by node and plan executions.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusPaused              Status = "PAUSED"
	StatusWaiting             Status = "WAITING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusResumed             Status = "RESUMED"
	StatusDiscontinuing       Status = "DISCONTINUING"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusFailed              Status = "FAILED"
	StatusErrored             Status = "ERRORED"
	StatusAborted             Status = "ABORTED"
	StatusExpired             Status = "EXPIRED"
	StatusRejected            Status = "REJECTED"
	StatusSkipped             Status = "SKIPPED"
	StatusIgnoreFailed        Status = "IGNORE_FAILED"
	StatusSuspended           Status = "SUSPENDED"
)

// StatusSet is an unordered set of statuses.
type StatusSet map[Status]struct{}

func newStatusSet(statuses ...Status) StatusSet {
	s := make(StatusSet, len(statuses))
	for _, st := range statuses {
		s[st] = struct{}{}
	}
	return s
}

// Contains reports whether st is in the set.
func (s StatusSet) Contains(st Status) bool {
	_, ok := s[st]
	return ok
}

// List returns the members of the set.
func (s StatusSet) List() []Status {
	out := make([]Status, 0, len(s))
	for st := range s {
		out = append(out, st)
	}
	return out
}

var (
	runningStatuses = newStatusSet(StatusQueued, StatusRunning, StatusAsyncWaiting,
		StatusTaskWaiting, StatusResumed, StatusDiscontinuing)
	haltedStatuses    = newStatusSet(StatusPaused, StatusWaiting, StatusInterventionWaiting)
	brokeStatuses     = newStatusSet(StatusFailed, StatusErrored, StatusExpired, StatusRejected, StatusAborted)
	positiveStatuses  = newStatusSet(StatusSucceeded, StatusSkipped, StatusIgnoreFailed, StatusSuspended)
	resumableStatuses = newStatusSet(StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
		StatusWaiting, StatusInterventionWaiting)
	retryableStatuses = newStatusSet(StatusFailed, StatusExpired)
)

// RunningStatuses are active, not yet final.
func RunningStatuses() StatusSet { return runningStatuses }

// HaltedStatuses are parked but resumable.
func HaltedStatuses() StatusSet { return haltedStatuses }

// BrokeStatuses are failure-like final statuses.
func BrokeStatuses() StatusSet { return brokeStatuses }

// PositiveStatuses are success-like final statuses.
func PositiveStatuses() StatusSet { return positiveStatuses }

// ResumableStatuses may be left by a resume.
func ResumableStatuses() StatusSet { return resumableStatuses }

// RetryableStatuses are eligible for the retry adviser.
func RetryableStatuses() StatusSet { return retryableStatuses }

// IsFinal reports whether s ends a node's run. Broke statuses may still be
// parked for intervention by an adviser.
func (s Status) IsFinal() bool {
	return brokeStatuses.Contains(s) || positiveStatuses.Contains(s)
}

// IsBroke reports whether s is a failure-like final status.
func (s Status) IsBroke() bool { return brokeStatuses.Contains(s) }

// IsPositive reports whether s is a success-like final status.
func (s Status) IsPositive() bool { return positiveStatuses.Contains(s) }

// IsFlowing reports whether s is running or halted.
func (s Status) IsFlowing() bool {
	return runningStatuses.Contains(s) || haltedStatuses.Contains(s)
}

// ValidNodeTransitions lists the statuses a node execution may move to from each status.
var ValidNodeTransitions = map[Status][]Status{
	StatusQueued: {StatusRunning, StatusPaused, StatusWaiting, StatusAborted, StatusErrored,
		StatusFailed, StatusDiscontinuing, StatusSkipped},
	StatusPaused:  {StatusQueued, StatusAborted, StatusDiscontinuing, StatusErrored, StatusFailed},
	StatusWaiting: {StatusRunning, StatusPaused, StatusAborted, StatusDiscontinuing, StatusErrored, StatusFailed},
	StatusRunning: {StatusAsyncWaiting, StatusTaskWaiting, StatusInterventionWaiting, StatusRunning,
		StatusSucceeded, StatusFailed, StatusErrored, StatusAborted, StatusExpired, StatusRejected,
		StatusSkipped, StatusIgnoreFailed, StatusSuspended, StatusDiscontinuing},
	StatusAsyncWaiting: {StatusRunning, StatusFailed, StatusAborted, StatusErrored, StatusExpired,
		StatusDiscontinuing},
	StatusTaskWaiting: {StatusRunning, StatusFailed, StatusAborted, StatusErrored, StatusExpired,
		StatusDiscontinuing},
	StatusInterventionWaiting: {StatusRunning, StatusSucceeded, StatusIgnoreFailed, StatusExpired,
		StatusAborted, StatusFailed, StatusErrored, StatusDiscontinuing},
	StatusDiscontinuing: {StatusAborted, StatusErrored},
	StatusResumed:       {StatusRunning},
	// A concluded failure may still be parked for manual intervention.
	StatusFailed:  {StatusInterventionWaiting},
	StatusExpired: {StatusInterventionWaiting},
	StatusErrored: {StatusInterventionWaiting},
}

// CanTransition reports whether a node execution may move from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range ValidNodeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidPlanTransitions lists allowed plan execution status changes.
var ValidPlanTransitions = map[Status][]Status{
	StatusRunning: {StatusPaused, StatusDiscontinuing, StatusSucceeded, StatusFailed, StatusErrored,
		StatusAborted, StatusExpired, StatusRejected, StatusSkipped, StatusIgnoreFailed, StatusSuspended,
		StatusInterventionWaiting},
	StatusPaused: {StatusRunning, StatusDiscontinuing, StatusAborted, StatusSucceeded, StatusFailed,
		StatusErrored, StatusExpired, StatusIgnoreFailed},
	StatusInterventionWaiting: {StatusRunning, StatusDiscontinuing, StatusAborted, StatusExpired,
		StatusSucceeded, StatusFailed},
	StatusDiscontinuing: {StatusAborted},
	StatusFailed:        {StatusRunning},
	StatusExpired:       {StatusRunning},
	StatusErrored:       {StatusRunning},
}

// CanPlanTransition reports whether a plan execution may move from -> to.
func CanPlanTransition(from, to Status) bool {
	for _, s := range ValidPlanTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
