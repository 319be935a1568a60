package compiler

import (
	"fmt"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/worlds"
)

// Warning is a finding that does not make a world invalid but usually
// means the search cannot succeed.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Level   string `json:"level"` // "warning" or "info"
}

// AnalyzeReachability checks each goal condition against the moves that
// could satisfy it. Search over a world with an unreachable goal always
// ends in frontier_exhausted or a budget termination.
//
// A condition is reachable when some move writes its value into its slot,
// and, for committed conditions, some move commits its layer.
func AnalyzeReachability(def *worlds.Definition) []Warning {
	warnings := []Warning{}
	if def.Operators == nil {
		return warnings
	}
	if len(def.Goal) == 0 {
		return append(warnings, Warning{
			Field:   "goal",
			Message: "world has no goal; search can only exhaust or hit a budget",
			Level:   "info",
		})
	}

	type target struct {
		layer, slot int
		value       carrier.Code32
	}
	writes := make(map[target]bool)
	commits := make(map[int]bool)
	for _, m := range def.Moves {
		sig, ok := def.Operators.Lookup(m.Op)
		if !ok {
			continue
		}
		switch sig.EffectKind {
		case operator.EffectWritesOneSlotFromArgs, operator.EffectStagesOneSlot:
			writes[target{m.Layer, m.Slot, m.Value}] = true
		case operator.EffectCommitsTransaction:
			commits[m.Layer] = true
		}
	}

	for i, c := range def.Goal {
		field := fmt.Sprintf("goal[%d]", i)
		if !writes[target{c.Layer, c.Slot, c.Value}] {
			warnings = append(warnings, Warning{
				Field:   field,
				Message: fmt.Sprintf("no move writes %s into slot (%d,%d)", c.Value, c.Layer, c.Slot),
				Level:   "warning",
			})
			continue
		}
		if c.MinStatus == carrier.Committed && !commits[c.Layer] {
			warnings = append(warnings, Warning{
				Field:   field,
				Message: fmt.Sprintf("goal needs a committed slot but no move commits layer %d", c.Layer),
				Level:   "warning",
			})
		}
	}
	return warnings
}
