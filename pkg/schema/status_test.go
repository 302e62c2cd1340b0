package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusSets_Disjoint(t *testing.T) {
	for st := range RunningStatuses() {
		assert.False(t, HaltedStatuses().Contains(st), "%s in running and halted", st)
		assert.False(t, st.IsFinal(), "%s in running and final", st)
	}
	for st := range HaltedStatuses() {
		assert.False(t, st.IsFinal(), "%s in halted and final", st)
	}
	for st := range BrokeStatuses() {
		assert.False(t, PositiveStatuses().Contains(st), "%s in broke and positive", st)
	}
}

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, StatusSucceeded.IsFinal())
	assert.True(t, StatusSucceeded.IsPositive())
	assert.True(t, StatusFailed.IsBroke())
	assert.True(t, StatusAborted.IsFinal())
	assert.True(t, StatusAsyncWaiting.IsFlowing())
	assert.True(t, StatusPaused.IsFlowing())
	assert.False(t, StatusErrored.IsFlowing())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusQueued, StatusRunning))
	assert.True(t, CanTransition(StatusAsyncWaiting, StatusRunning))
	assert.True(t, CanTransition(StatusInterventionWaiting, StatusExpired))
	assert.False(t, CanTransition(StatusSucceeded, StatusRunning))
	assert.False(t, CanTransition(StatusFailed, StatusRunning))
	assert.False(t, CanTransition(StatusAborted, StatusAborted))
}

func TestCanPlanTransition(t *testing.T) {
	assert.True(t, CanPlanTransition(StatusRunning, StatusPaused))
	assert.True(t, CanPlanTransition(StatusPaused, StatusRunning))
	assert.True(t, CanPlanTransition(StatusFailed, StatusRunning))
	assert.False(t, CanPlanTransition(StatusSucceeded, StatusRunning))
	assert.False(t, CanPlanTransition(StatusAborted, StatusRunning))
}
