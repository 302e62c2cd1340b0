package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Literals(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)

	out, err = e.Evaluate(context.Background(), `"a" + "b"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", out)
}

func TestCEL_GuardOverNodeVars(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	failure := &schema.FailureInfo{ErrorMessage: "timeout", FailureTypes: []schema.FailureType{schema.FailureTimeout}}
	data := map[string]any{
		VarNode: NodeVars("ne-1", "deploy", "remote", schema.StatusFailed, 1, failure),
	}

	ok, err := e.EvaluateBool(context.Background(), `node.status == "FAILED" && node.retryCount < 2`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `"TIMEOUT" in node.failureTypes`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariablesAreEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `!("env" in setup)`, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "unknown_var == 1", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.EvaluateBool(context.Background(), "1 + 1", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `outcomes.missing.value`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))

	assert.NoError(t, e.Check(`params.x == "y"`))
	assert.Error(t, e.Check(`params.x ==`))
}

func TestCEL_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `plan.status == "RUNNING"`,
				map[string]any{VarPlan: map[string]any{"status": "RUNNING"}})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}
