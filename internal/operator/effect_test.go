package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/carrier"
)

// These tests fabricate (before, after) pairs directly so the checker is
// exercised against performer bugs that Apply itself would never produce.

func mustSet(t *testing.T, st *carrier.State, l, s int, c carrier.Code32, status carrier.SlotStatus) {
	t.Helper()
	require.NoError(t, st.Set(l, s, c, status))
}

func TestCheckEffectWritesOneSlot(t *testing.T) {
	sig := SetSlotSignature()
	call := Call{Layer: 0, Slot: 0, Value: valueA}
	before := newState(t, 1, 2)

	good := before.Clone()
	mustSet(t, good, 0, 0, valueA, carrier.Provisional)
	assert.Nil(t, checkEffect(sig, call, before, good))

	tests := []struct {
		name  string
		build func(st *carrier.State)
	}{
		{"no write", func(st *carrier.State) {}},
		{"two writes", func(st *carrier.State) {
			mustSet(t, st, 0, 0, valueA, carrier.Provisional)
			mustSet(t, st, 0, 1, valueA, carrier.Provisional)
		}},
		{"wrong slot", func(st *carrier.State) { mustSet(t, st, 0, 1, valueA, carrier.Provisional) }},
		{"wrong value", func(st *carrier.State) {
			mustSet(t, st, 0, 0, carrier.Code32{Domain: 1, LocalID: 2}, carrier.Provisional)
		}},
		{"skips provisional", func(st *carrier.State) { mustSet(t, st, 0, 0, valueA, carrier.Committed) }},
		{"identity without status", func(st *carrier.State) { mustSet(t, st, 0, 0, valueA, carrier.Hole) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after := before.Clone()
			tt.build(after)
			err := checkEffect(sig, call, before, after)
			require.NotNil(t, err)
			assert.Equal(t, ErrCodeEffectMismatch, err.Code)
		})
	}
}

func TestCheckEffectGlobalRules(t *testing.T) {
	sig := CommitSignature()
	call := Call{Layer: 0, Slot: 2}

	before := newState(t, 1, 3)
	mustSet(t, before, 0, 0, valueA, carrier.Committed)

	t.Run("status decrease", func(t *testing.T) {
		after := before.Clone()
		mustSet(t, after, 0, 0, valueA, carrier.Provisional)
		mustSet(t, after, 0, 2, CommitMarker, carrier.Committed)
		assert.NotNil(t, checkEffect(sig, call, before, after))
	})

	t.Run("identity rewrite", func(t *testing.T) {
		after := before.Clone()
		mustSet(t, after, 0, 0, carrier.Code32{Domain: 1, LocalID: 7}, carrier.Committed)
		mustSet(t, after, 0, 2, CommitMarker, carrier.Committed)
		assert.NotNil(t, checkEffect(sig, call, before, after))
	})
}

func TestCheckEffectCommit(t *testing.T) {
	sig := CommitSignature()
	call := Call{Layer: 0, Slot: 2}

	before := newState(t, 2, 3)
	mustSet(t, before, 0, 0, valueA, carrier.Provisional)
	mustSet(t, before, 0, 1, valueA, carrier.Provisional)

	good := before.Clone()
	mustSet(t, good, 0, 0, valueA, carrier.Committed)
	mustSet(t, good, 0, 1, valueA, carrier.Committed)
	mustSet(t, good, 0, 2, CommitMarker, carrier.Committed)
	assert.Nil(t, checkEffect(sig, call, before, good))

	partial := before.Clone()
	mustSet(t, partial, 0, 0, valueA, carrier.Committed)
	mustSet(t, partial, 0, 2, CommitMarker, carrier.Committed)
	assert.NotNil(t, checkEffect(sig, call, before, partial), "slot left provisional")

	wrongMarker := good.Clone()
	mustSet(t, wrongMarker, 0, 2, RollbackMarker, carrier.Committed)
	assert.NotNil(t, checkEffect(sig, call, before, wrongMarker))

	otherLayer := good.Clone()
	mustSet(t, otherLayer, 1, 0, valueA, carrier.Provisional)
	assert.NotNil(t, checkEffect(sig, call, before, otherLayer))
}

func TestCheckEffectRollback(t *testing.T) {
	sig := RollbackSignature()
	call := Call{Layer: 0, Slot: 1}
	before := newState(t, 1, 2)
	mustSet(t, before, 0, 0, valueA, carrier.Provisional)

	good := before.Clone()
	mustSet(t, good, 0, 1, RollbackMarker, carrier.Committed)
	assert.Nil(t, checkEffect(sig, call, before, good))

	promoted := good.Clone()
	mustSet(t, promoted, 0, 0, valueA, carrier.Committed)
	assert.NotNil(t, checkEffect(sig, call, before, promoted))
}
