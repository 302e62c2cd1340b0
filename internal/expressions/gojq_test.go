package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	data := map[string]any{"items": []any{map[string]any{"n": 1}, map[string]any{"n": 2}}}

	out, err := e.Evaluate(context.Background(), "[.items[].n] | add", data)
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)

	out, err = e.Evaluate(context.Background(), ".items[].n", data)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)

	out, err = e.Evaluate(context.Background(), "empty", data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EnvIsSandboxed(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV | length", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), ".[", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestNormalizeForJQ(t *testing.T) {
	got := normalizeForJQ(map[string]any{
		"i":  7,
		"s":  []string{"a"},
		"ss": map[string]string{"k": "v"},
	})
	assert.Equal(t, map[string]any{
		"i":  7.0,
		"s":  []any{"a"},
		"ss": map[string]any{"k": "v"},
	}, got)
	assert.Nil(t, normalizeForJQ(nil))
}
