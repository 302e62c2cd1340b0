package adviser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/pkg/schema"
)

func failed(types ...schema.FailureType) *schema.FailureInfo {
	return &schema.FailureInfo{ErrorMessage: "boom", FailureTypes: types}
}

func retryParams() map[string]any {
	return map[string]any{
		"maxRetries":    2,
		"waitIntervals": []any{"1s", "5s"},
	}
}

func TestRetryWait(t *testing.T) {
	iv := []time.Duration{time.Second, 5 * time.Second}
	assert.Equal(t, time.Second, RetryWait(iv, 0))
	assert.Equal(t, 5*time.Second, RetryWait(iv, 1))
	assert.Equal(t, 5*time.Second, RetryWait(iv, 7))
	assert.Zero(t, RetryWait(nil, 3))
}

func TestRetry_Sequence(t *testing.T) {
	a := &retryAdviser{}
	ctx := context.Background()
	ev := Event{NodeExecutionID: "n1", Status: schema.StatusFailed, FailureInfo: failed(), Parameters: retryParams()}

	adv, err := a.OnAdviseEvent(ctx, ev)
	require.NoError(t, err)
	r, ok := adv.(*schema.RetryAdvise)
	require.True(t, ok)
	assert.Equal(t, "n1", r.RetryNodeExecutionID)
	assert.Equal(t, time.Second, r.WaitInterval)

	ev.RetryCount = 1
	adv, err = a.OnAdviseEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, adv.(*schema.RetryAdvise).WaitInterval)

	ev.RetryCount = 2
	adv, err = a.OnAdviseEvent(ctx, ev)
	require.NoError(t, err)
	assert.IsType(t, &schema.EndPlanAdvise{}, adv)
}

func TestRetry_NotApplicable(t *testing.T) {
	a := &retryAdviser{}
	ctx := context.Background()

	adv, err := a.OnAdviseEvent(ctx, Event{Status: schema.StatusSucceeded, Parameters: retryParams()})
	require.NoError(t, err)
	assert.Nil(t, adv)

	adv, err = a.OnAdviseEvent(ctx, Event{Status: schema.StatusAborted, Parameters: retryParams()})
	require.NoError(t, err)
	assert.Nil(t, adv)

	p := retryParams()
	p["failureTypes"] = []any{"CONNECTIVITY"}
	adv, err = a.OnAdviseEvent(ctx, Event{Status: schema.StatusFailed, FailureInfo: failed(schema.FailureApplication), Parameters: p})
	require.NoError(t, err)
	assert.Nil(t, adv)

	adv, err = a.OnAdviseEvent(ctx, Event{Status: schema.StatusExpired, FailureInfo: failed(schema.FailureConnectivity), Parameters: p})
	require.NoError(t, err)
	assert.IsType(t, &schema.RetryAdvise{}, adv)
}

func TestRetry_RepairActions(t *testing.T) {
	a := &retryAdviser{}
	ctx := context.Background()
	exhausted := func(p map[string]any) Event {
		return Event{Status: schema.StatusFailed, FailureInfo: failed(), RetryCount: 2, Parameters: p,
			Ambiance: schema.NewAmbiance("p", map[string]string{"rollbackStrategy": "STAGE"})}
	}

	p := retryParams()
	p["repairActionCodeAfterRetry"] = "MANUAL_INTERVENTION"
	adv, err := a.OnAdviseEvent(ctx, exhausted(p))
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultInterventionTimeout, adv.(*schema.InterventionWaitAdvise).Timeout)

	p["timeout"] = "1h"
	adv, err = a.OnAdviseEvent(ctx, exhausted(p))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, adv.(*schema.InterventionWaitAdvise).Timeout)

	p = retryParams()
	p["repairActionCodeAfterRetry"] = "IGNORE"
	p["nextNodeId"] = "cleanup"
	adv, err = a.OnAdviseEvent(ctx, exhausted(p))
	require.NoError(t, err)
	assert.Equal(t, "cleanup", adv.(*schema.NextStepAdvise).NextNodeID)

	p = retryParams()
	p["repairActionCodeAfterRetry"] = "ON_FAIL"
	adv, err = a.OnAdviseEvent(ctx, exhausted(p))
	require.NoError(t, err)
	assert.Nil(t, adv)

	p["strategyToNodeId"] = map[string]any{"STAGE": "rb_stage"}
	adv, err = a.OnAdviseEvent(ctx, exhausted(p))
	require.NoError(t, err)
	rb := adv.(*schema.RollbackAdvise)
	assert.Equal(t, "rb_stage", rb.NextNodeID)
	assert.Equal(t, schema.RollbackStage, rb.Strategy)
}

func TestRetry_ValidateParams(t *testing.T) {
	a := &retryAdviser{}
	assert.NoError(t, a.ValidateParams(retryParams()))
	assert.Error(t, a.ValidateParams(map[string]any{}))
	assert.Error(t, a.ValidateParams(map[string]any{"maxRetries": -1}))
	assert.Error(t, a.ValidateParams(map[string]any{"maxRetries": 1.5}))
	assert.Error(t, a.ValidateParams(map[string]any{"maxRetries": 1, "waitIntervals": []any{"soon"}}))
	assert.Error(t, a.ValidateParams(map[string]any{"maxRetries": 1, "repairActionCodeAfterRetry": "PRAY"}))
	assert.Error(t, a.ValidateParams(map[string]any{"maxRetries": 1, "strategyToNodeId": map[string]any{"SOMETIMES": "x"}}))
}

func TestResolveRollback(t *testing.T) {
	params := map[string]any{"strategyToNodeId": map[string]any{"STEP": "rb_step", "PIPELINE": "rb_all"}}

	// step parameters win over setup
	rb, err := ResolveRollback(Event{
		Parameters:     params,
		StepParameters: map[string]any{"rollbackStrategy": "STEP"},
		Ambiance:       schema.NewAmbiance("p", map[string]string{"rollbackStrategy": "PIPELINE"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "rb_step", rb.NextNodeID)

	rb, err = ResolveRollback(Event{Parameters: params, Ambiance: schema.NewAmbiance("p", map[string]string{"rollbackStrategy": "PIPELINE"})})
	require.NoError(t, err)
	assert.Equal(t, "rb_all", rb.NextNodeID)

	_, err = ResolveRollback(Event{Parameters: params})
	assert.True(t, schema.IsCode(err, schema.ErrCodeRollbackStrategy))

	_, err = ResolveRollback(Event{Parameters: params, StepParameters: map[string]any{"rollbackStrategy": "STAGE"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeRollbackStrategy))
}

func TestRoutingAdvisers(t *testing.T) {
	ctx := context.Background()
	next := map[string]any{"nextNodeId": "b"}

	adv, _ := (&onSuccessAdviser{}).OnAdviseEvent(ctx, Event{Status: schema.StatusSkipped, Parameters: next})
	assert.Equal(t, "b", adv.(*schema.NextStepAdvise).NextNodeID)
	adv, _ = (&onSuccessAdviser{}).OnAdviseEvent(ctx, Event{Status: schema.StatusFailed, Parameters: next})
	assert.Nil(t, adv)

	adv, _ = (&onFailAdviser{}).OnAdviseEvent(ctx, Event{Status: schema.StatusErrored, Parameters: next})
	assert.Equal(t, "b", adv.(*schema.NextStepAdvise).NextNodeID)

	adv, _ = (&ignoreAdviser{}).OnAdviseEvent(ctx, Event{Status: schema.StatusAborted, Parameters: next})
	assert.Nil(t, adv)

	adv, _ = (&manualInterventionAdviser{}).OnAdviseEvent(ctx, Event{Status: schema.StatusFailed})
	assert.IsType(t, &schema.InterventionWaitAdvise{}, adv)

	adv, _ = (&abortAdviser{}).OnAdviseEvent(ctx, Event{Status: schema.StatusAborted})
	assert.IsType(t, &schema.EndPlanAdvise{}, adv)
	adv, _ = (&abortAdviser{}).OnAdviseEvent(ctx, Event{Status: schema.StatusAborted, Parameters: next})
	assert.IsType(t, &schema.NextStepAdvise{}, adv)

	assert.Error(t, (&onSuccessAdviser{}).ValidateParams(nil))
	assert.Error(t, (&rollbackAdviser{}).ValidateParams(map[string]any{}))
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{"ABORT", "IGNORE", "MANUAL_INTERVENTION", "ON_FAIL", "ON_SUCCESS", "RETRY", "ROLLBACK"}, r.Types())
	assert.True(t, r.Has(TypeRetry))
	assert.False(t, r.Has("MAGIC"))
	assert.Error(t, r.ValidateParams("MAGIC", nil))
	assert.True(t, schema.IsCode(r.Register(&retryAdviser{}), schema.ErrCodeConflict))
}

type stubGuards struct{ err error }

func (g stubGuards) EvaluateBool(_ context.Context, expr string, _ map[string]any) (bool, error) {
	return expr == "true", g.err
}

func TestEvaluator_FirstNonNilWins(t *testing.T) {
	ev := NewEvaluator(NewDefaultRegistry(), stubGuards{})
	obs := []schema.AdviserObtainment{
		{Type: TypeOnSuccess, Parameters: map[string]any{"nextNodeId": "never"}},
		{Type: TypeOnFail, When: "false", Parameters: map[string]any{"nextNodeId": "guarded"}},
		{Type: TypeRetry, Parameters: retryParams()},
		{Type: TypeOnFail, Parameters: map[string]any{"nextNodeId": "fallback"}},
	}

	d, err := ev.Advise(context.Background(), obs, Event{Status: schema.StatusFailed, FailureInfo: failed()})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, TypeRetry, d.AdviserType)

	d, err = ev.Advise(context.Background(), obs, Event{Status: schema.StatusFailed, FailureInfo: failed(), RetryCount: 2})
	require.NoError(t, err)
	assert.Equal(t, TypeRetry, d.AdviserType)
	assert.IsType(t, &schema.EndPlanAdvise{}, d.Advise)

	d, err = ev.Advise(context.Background(), obs[:1], Event{Status: schema.StatusFailed})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestEvaluator_Errors(t *testing.T) {
	ev := NewEvaluator(NewDefaultRegistry(), stubGuards{err: errors.New("bad guard")})
	_, err := ev.Advise(context.Background(), []schema.AdviserObtainment{{Type: TypeOnFail, When: "x"}}, Event{})
	assert.Error(t, err)

	ev = NewEvaluator(NewDefaultRegistry(), nil)
	_, err = ev.Advise(context.Background(), []schema.AdviserObtainment{{Type: "MAGIC"}}, Event{})
	assert.Error(t, err)
}

func TestEvaluator_CELGuard(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	ev := NewEvaluator(NewDefaultRegistry(), cel)

	obs := []schema.AdviserObtainment{
		{Type: TypeOnFail, When: `node.retryCount > 0`, Parameters: map[string]any{"nextNodeId": "late"}},
		{Type: TypeOnFail, Parameters: map[string]any{"nextNodeId": "early"}},
	}
	vars := map[string]any{"node": map[string]any{"retryCount": 0}}
	d, err := ev.Advise(context.Background(), obs, Event{Status: schema.StatusFailed, Vars: vars})
	require.NoError(t, err)
	assert.Equal(t, "early", d.Advise.(*schema.NextStepAdvise).NextNodeID)
}
