package steps

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

// stubStep is a minimal sync Step for registry tests.
type stubStep struct {
	name  string
	modes []schema.ExecutionMode
}

func (s *stubStep) Type() string   { return s.name }
func (s *stubStep) Schema() Schema { return Schema{Description: "stub", Modes: s.modes} }
func (s *stubStep) ExecuteSync(context.Context, Input) (*schema.StepResponse, error) {
	return schema.Succeeded(), nil
}

func sync1(name string) *stubStep {
	return &stubStep{name: name, modes: []schema.ExecutionMode{schema.ModeSync}}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(sync1("a")))
	assert.True(t, reg.Has("a"))
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, []schema.ExecutionMode{schema.ModeSync}, reg.Modes("a"))
	assert.Nil(t, reg.Modes("missing"))
}

func TestRegistry_Register_Errors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(sync1("dup")))

	err := reg.Register(sync1("dup"))
	var oe *schema.OrchestraError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, schema.ErrCodeConflict, oe.Code)

	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(sync1("")), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(&stubStep{name: "none"}), schema.ErrCodeValidation))

	// declares ASYNC without implementing AsyncStep
	bad := &stubStep{name: "liar", modes: []schema.ExecutionMode{schema.ModeAsync}}
	assert.True(t, schema.IsCode(reg.Register(bad), schema.ErrCodeValidation))
}

func TestRegistry_Get_Unknown(t *testing.T) {
	_, err := NewRegistry().Get("ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStep))
}

func TestRegistry_ModeFor(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(sync1("a")))

	m, err := reg.ModeFor(&schema.PlanNode{StepType: "a"})
	require.NoError(t, err)
	assert.Equal(t, schema.ModeSync, m)

	_, err = reg.ModeFor(&schema.PlanNode{StepType: "a", ExecutionMode: schema.ModeTask})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = reg.ModeFor(&schema.PlanNode{StepType: "zzz"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStep))
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(sync1(n)))
	}
	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Type)
	assert.Equal(t, "c", infos[2].Type)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(sync1(string(rune('a' + i))))
		}(i)
		go func() {
			defer wg.Done()
			reg.List()
			reg.Has("a")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Count())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      any
		want    string
		wantErr bool
	}{
		{nil, "0s", false},
		{"", "0s", false},
		{"1m30s", "1m30s", false},
		{5, "5s", false},
		{int64(2), "2s", false},
		{1.5, "1.5s", false},
		{"soon", "", true},
		{true, "", true},
	}
	for _, tt := range tests {
		d, err := ParseDuration(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, d.String())
	}
}

func TestStringList(t *testing.T) {
	l, err := StringList([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, l)

	_, err = StringList([]any{"a", 1})
	assert.Error(t, err)
	_, err = StringList("a")
	assert.Error(t, err)
}
