package testutil

import (
	"io"
	"log/slog"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/search"
)

// Slot values used by SlotWorld.
var (
	ValueA = carrier.Code32{Domain: 1, Kind: 0, LocalID: 1}
	ValueB = carrier.Code32{Domain: 1, Kind: 0, LocalID: 2}
	ValueC = carrier.Code32{Domain: 1, Kind: 0, LocalID: 3}
)

// SlotWorld fills Hole slots of layer 0 with any of Values. The goal is
// slot 0 holding Goal. A zero Goal never matches, so the search exhausts.
type SlotWorld struct {
	Name   string
	Values []carrier.Code32
	Goal   carrier.Code32
}

// ID implements search.World.
func (w SlotWorld) ID() string {
	if w.Name == "" {
		return "test-slots"
	}
	return w.Name
}

// Enumerate implements search.World.
func (w SlotWorld) Enumerate(st *carrier.State, _ *operator.Registry) []search.Candidate {
	var out []search.Candidate
	for slot := 0; slot < st.Slots(); slot++ {
		if st.Status(0, slot) != carrier.Hole {
			continue
		}
		for _, v := range w.Values {
			out = append(out, search.NewCandidate(operator.OpSetSlot, operator.SlotArgs(0, slot, v)))
		}
	}
	return out
}

// IsGoal implements search.World.
func (w SlotWorld) IsGoal(st *carrier.State) bool {
	return w.Goal != carrier.Padding && st.Status(0, 0) != carrier.Hole && st.Identity(0, 0) == w.Goal
}

// Root returns an empty layers x slots state and panics on bad dimensions.
func Root(layers, slots int) *carrier.State {
	st, err := carrier.NewState(layers, slots)
	if err != nil {
		panic(err)
	}
	return st
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
