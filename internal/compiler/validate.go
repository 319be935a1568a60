package compiler

import (
	"fmt"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/worlds"
)

// Validation error codes (E100-E199)
const (
	ErrWorldNameEmpty     = "E101" // world name is required
	ErrSchemaInvalid      = "E102" // schema hash or dimensions invalid
	ErrUnknownOperator    = "E103" // op not in the world's operator registry
	ErrArgWidth           = "E104" // program args do not match the signature
	ErrSlotOutOfRange     = "E105" // coordinates outside the schema
	ErrUnknownConcept     = "E106" // value not in the concept registry
	ErrDuplicateMove      = "E107" // identical move listed twice
	ErrInvalidGoalStatus  = "E108" // goal status not provisional or committed
	ErrProgramFailsToRun  = "E109" // the linear program does not apply cleanly
	ErrMissingRegistries  = "E110" // concept or operator registry absent
	ErrMarkerSlotTargeted = "E111" // a write targets a transaction marker slot
)

// ValidationError represents a world validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled world and returns every problem found. Unlike
// worlds.Definition.Validate it does not stop at the first one, and it
// also dry-runs the program.
func Validate(def *worlds.Definition) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if def.Name == "" {
		add(ErrWorldNameEmpty, "name", "world name is required")
	}
	if def.Concepts == nil || def.Operators == nil {
		add(ErrMissingRegistries, "registries", "concept and operator registries are required")
		return errs
	}
	if err := def.Schema.Verify(); err != nil {
		add(ErrSchemaInvalid, "schema", "%v", err)
	}
	layers, slots := def.Schema.LayerCount, def.Schema.SlotCount
	if layers <= 0 || slots <= 0 {
		add(ErrSchemaInvalid, "schema", "dimensions must be positive, got %dx%d", layers, slots)
		return errs
	}
	inRange := func(l, s int) bool { return l >= 0 && l < layers && s >= 0 && s < slots }
	transactional := false
	for _, sig := range def.Operators.Signatures() {
		if sig.EffectKind == operator.EffectCommitsTransaction || sig.EffectKind == operator.EffectRollsBackTransaction {
			transactional = true
		}
	}

	for i, step := range def.Program {
		field := fmt.Sprintf("program[%d]", i)
		sig, ok := def.Operators.Lookup(step.Op)
		if !ok {
			add(ErrUnknownOperator, field, "operator %s is not registered", step.Op)
			continue
		}
		if len(step.Args) != sig.ArgByteCount() {
			add(ErrArgWidth, field, "%s takes %d arg bytes, got %d", sig.Name, sig.ArgByteCount(), len(step.Args))
		}
	}

	type moveKey struct {
		op          carrier.Code32
		layer, slot int
		value       carrier.Code32
	}
	seen := make(map[moveKey]int)
	for i, m := range def.Moves {
		field := fmt.Sprintf("moves[%d]", i)
		sig, ok := def.Operators.Lookup(m.Op)
		if !ok {
			add(ErrUnknownOperator, field, "operator %s is not registered", m.Op)
			continue
		}
		key := moveKey{op: m.Op, layer: m.Layer}
		if sig.Args == operator.ArgsLayerSlotValue {
			key.slot, key.value = m.Slot, m.Value
			switch {
			case !inRange(m.Layer, m.Slot):
				add(ErrSlotOutOfRange, field, "slot (%d,%d) is outside %dx%d", m.Layer, m.Slot, layers, slots)
			case transactional && m.Slot == slots-1:
				add(ErrMarkerSlotTargeted, field, "slot %d is the transaction marker", m.Slot)
			}
			if !def.Concepts.Contains(m.Value) {
				add(ErrUnknownConcept, field, "value %s is not a registered concept", m.Value)
			}
		} else if !inRange(m.Layer, 0) {
			add(ErrSlotOutOfRange, field, "layer %d is outside %d layers", m.Layer, layers)
		}
		if prev, dup := seen[key]; dup {
			add(ErrDuplicateMove, field, "same move as moves[%d]", prev)
		} else {
			seen[key] = i
		}
	}

	for i, c := range def.Goal {
		field := fmt.Sprintf("goal[%d]", i)
		if !inRange(c.Layer, c.Slot) {
			add(ErrSlotOutOfRange, field, "slot (%d,%d) is outside %dx%d", c.Layer, c.Slot, layers, slots)
		}
		if !def.Concepts.Contains(c.Value) {
			add(ErrUnknownConcept, field, "value %s is not a registered concept", c.Value)
		}
		if c.MinStatus != carrier.Provisional && c.MinStatus != carrier.Committed {
			add(ErrInvalidGoalStatus, field, "status %s must be provisional or committed", c.MinStatus)
		}
	}

	if len(errs) == 0 {
		if err := dryRun(def); err != nil {
			add(ErrProgramFailsToRun, "program", "%v", err)
		}
	}
	return errs
}

func dryRun(def *worlds.Definition) error {
	st, err := def.Root()
	if err != nil {
		return err
	}
	for i, step := range def.Program {
		if st, err = operator.Apply(st, step.Op, step.Args, def.Operators); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}
