package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmbiance_CloneForChildDoesNotMutate(t *testing.T) {
	root := NewAmbiance("plan-1", map[string]string{"env": "prod"})
	a := root.CloneForChild(Level{RuntimeID: "ne-1", SetupID: "node-a", StepType: "noop"})
	b := a.CloneForChild(Level{RuntimeID: "ne-2", SetupID: "node-b", StepType: "noop"})

	assert.Empty(t, root.Levels)
	require.Len(t, a.Levels, 1)
	require.Len(t, b.Levels, 2)
	assert.Equal(t, "ne-1", a.CurrentRuntimeID())
	assert.Equal(t, "ne-2", b.CurrentRuntimeID())

	b.SetupAbstractions["env"] = "dev"
	assert.Equal(t, "prod", a.SetupAbstractions["env"])
}

func TestAmbiance_CloneForChildSharesNoBackingArray(t *testing.T) {
	base := NewAmbiance("plan-1", nil).CloneForChild(Level{RuntimeID: "p"})
	x := base.CloneForChild(Level{RuntimeID: "x"})
	y := base.CloneForChild(Level{RuntimeID: "y"})
	assert.Equal(t, "x", x.CurrentRuntimeID())
	assert.Equal(t, "y", y.CurrentRuntimeID())
}

func TestAmbiance_CloneForFinish(t *testing.T) {
	a := NewAmbiance("plan-1", nil).
		CloneForChild(Level{RuntimeID: "ne-1"}).
		CloneForChild(Level{RuntimeID: "ne-2"})

	f := a.CloneForFinish()
	assert.Equal(t, "ne-1", f.CurrentRuntimeID())
	assert.Equal(t, "ne-2", a.CurrentRuntimeID())

	empty := NewAmbiance("plan-1", nil).CloneForFinish()
	assert.Nil(t, empty.CurrentLevel())
	assert.Equal(t, "", empty.CurrentRuntimeID())
	assert.Equal(t, "plan-1", empty.PlanExecutionID)
}

func TestLevelFromPlanNode(t *testing.T) {
	n := &PlanNode{UUID: "node-a", StepType: "section", Group: "STAGE"}
	l := LevelFromPlanNode("ne-1", n)
	assert.Equal(t, Level{RuntimeID: "ne-1", SetupID: "node-a", StepType: "section", Group: "STAGE"}, l)
}
