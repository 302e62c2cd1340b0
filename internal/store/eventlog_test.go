package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_Append_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	pe := seedPlan(t, s)

	for i := 0; i < 5; i++ {
		e, err := el.Append(ctx, pe.ID, "", schema.EventPlanStatus, StatusPayload{To: schema.StatusRunning})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_SequencePerPlan(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	a := seedPlan(t, s)
	b := seedPlan(t, s)

	_, err := el.Append(ctx, a.ID, "", schema.EventPlanStarted, nil)
	require.NoError(t, err)
	_, err = el.Append(ctx, a.ID, "", schema.EventPlanPaused, nil)
	require.NoError(t, err)
	e, err := el.Append(ctx, b.ID, "", schema.EventPlanStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Sequence)
}

func TestEventLog_GetEventsSince(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	pe := seedPlan(t, s)

	for _, et := range []string{schema.EventPlanStarted, schema.EventNodeQueued, schema.EventNodeCompleted} {
		_, err := el.Append(ctx, pe.ID, "n1", et, nil)
		require.NoError(t, err)
	}

	events, err := s.GetEvents(ctx, pe.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, "n1", events[0].NodeExecutionID)
	assert.Empty(t, events[0].Payload)
}

func TestEventLog_ConcurrentAppends(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	pe := seedPlan(t, s)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := el.Append(ctx, pe.ID, "", schema.EventNodeStatus, StatusPayload{To: schema.StatusRunning})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := el.History(ctx, pe.ID)
	require.NoError(t, err)
	assert.Len(t, events, n)
}

func TestEventLog_NodeTimelines(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	pe := seedPlan(t, s)

	steps := []struct {
		typ string
		to  schema.Status
	}{
		{schema.EventNodeQueued, ""},
		{schema.EventNodeStatus, schema.StatusRunning},
		{schema.EventNodeStatus, schema.StatusAsyncWaiting},
		{schema.EventNodeCompleted, schema.StatusSucceeded},
	}
	for _, st := range steps {
		var payload any
		if st.to != "" {
			payload = StatusPayload{To: st.to}
		}
		_, err := el.Append(ctx, pe.ID, "n1", st.typ, payload)
		require.NoError(t, err)
	}
	_, err := el.Append(ctx, pe.ID, "", schema.EventPlanCompleted, StatusPayload{To: schema.StatusSucceeded})
	require.NoError(t, err)

	timelines, err := el.NodeTimelines(ctx, pe.ID)
	require.NoError(t, err)
	assert.Equal(t, []schema.Status{
		schema.StatusQueued, schema.StatusRunning, schema.StatusAsyncWaiting, schema.StatusSucceeded,
	}, timelines["n1"])
	assert.Len(t, timelines, 1)
}
