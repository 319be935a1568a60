package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/operator"
)

func TestSlotWorld_EnumeratesHoles(t *testing.T) {
	w := SlotWorld{Values: []carrier.Code32{ValueA, ValueB}, Goal: ValueB}
	st := Root(1, 2)
	assert.Len(t, w.Enumerate(st, operator.KernelRegistry()), 4)
	assert.False(t, w.IsGoal(st))

	next, err := operator.Apply(st, operator.OpSetSlot, operator.SlotArgs(0, 0, ValueB), operator.KernelRegistry())
	require.NoError(t, err)
	assert.Len(t, w.Enumerate(next, operator.KernelRegistry()), 2)
	assert.True(t, w.IsGoal(next))
}

func TestSlotWorld_ZeroGoalNeverMatches(t *testing.T) {
	w := SlotWorld{Values: []carrier.Code32{ValueA}}
	next, err := operator.Apply(Root(1, 1), operator.OpSetSlot, operator.SlotArgs(0, 0, ValueA), operator.KernelRegistry())
	require.NoError(t, err)
	assert.False(t, w.IsGoal(next))
	assert.Equal(t, "test-slots", w.ID())
}
