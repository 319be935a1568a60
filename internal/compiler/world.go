// Package compiler turns CUE world definitions into worlds.Definition
// values.
//
// A world file looks like:
//
//	world: grid: {
//		schema: {id: "grid", version: "v1", layers: 1, slots: 3}
//		epoch: "grid.e1"
//		concepts: [{name: "grid.red", code: [3, 1, 1]}]
//		operators: ["SET_SLOT"]
//		program: [{op: "SET_SLOT", layer: 0, slot: 0, value: "grid.red"}]
//		moves: [{op: "SET_SLOT", layer: 0, slot: 1, value: "grid.red"}]
//		goal: [{layer: 0, slot: 1, value: "grid.red", status: "provisional"}]
//	}
package compiler

import (
	"fmt"
	"math"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/worlds"
)

// CompileWorld parses a CUE value into a world definition. v is the world
// struct itself; its label becomes the world name:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	def, err := CompileWorld(v.LookupPath(cue.ParsePath("world.grid")))
func CompileWorld(v cue.Value) (*worlds.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &worlds.Definition{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.Name = labels[len(labels)-1].String()
	}

	schema, err := parseSchema(v)
	if err != nil {
		return nil, err
	}
	def.Schema = schema

	epoch, err := requiredString(v, "epoch")
	if err != nil {
		return nil, err
	}
	allocs, err := parseConcepts(v)
	if err != nil {
		return nil, err
	}
	def.Concepts, err = carrier.NewRegistry(epoch, allocs)
	if err != nil {
		return nil, &CompileError{Field: "concepts", Message: err.Error(), Pos: v.Pos()}
	}

	def.Operators, err = parseOperators(v)
	if err != nil {
		return nil, err
	}

	if def.Program, err = parseProgram(v, def); err != nil {
		return nil, err
	}
	if def.Moves, err = parseMoves(v, def); err != nil {
		return nil, err
	}
	if def.Goal, err = parseGoal(v, def); err != nil {
		return nil, err
	}

	if obVal := v.LookupPath(cue.ParsePath("obligations")); obVal.Exists() {
		iter, err := obVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			s, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			def.Obligations = append(def.Obligations, s)
		}
	}

	return def, nil
}

func parseSchema(v cue.Value) (carrier.SchemaDescriptor, error) {
	sv := v.LookupPath(cue.ParsePath("schema"))
	if !sv.Exists() {
		return carrier.SchemaDescriptor{}, &CompileError{Field: "schema", Message: "schema is required", Pos: v.Pos()}
	}
	id, err := requiredString(sv, "id")
	if err != nil {
		return carrier.SchemaDescriptor{}, err
	}
	version, err := requiredString(sv, "version")
	if err != nil {
		return carrier.SchemaDescriptor{}, err
	}
	layers, err := requiredInt(sv, "layers")
	if err != nil {
		return carrier.SchemaDescriptor{}, err
	}
	slots, err := requiredInt(sv, "slots")
	if err != nil {
		return carrier.SchemaDescriptor{}, err
	}
	if layers <= 0 || slots <= 0 {
		return carrier.SchemaDescriptor{}, &CompileError{
			Field:   "schema",
			Message: fmt.Sprintf("dimensions must be positive, got %dx%d", layers, slots),
			Pos:     sv.Pos(),
		}
	}
	d, err := carrier.NewSchemaDescriptor(id, version, layers, slots)
	if err != nil {
		return carrier.SchemaDescriptor{}, &CompileError{Field: "schema", Message: err.Error(), Pos: sv.Pos()}
	}
	return d, nil
}

func parseConcepts(v cue.Value) ([]carrier.Allocation, error) {
	cv := v.LookupPath(cue.ParsePath("concepts"))
	if !cv.Exists() {
		return nil, &CompileError{Field: "concepts", Message: "at least one concept is required", Pos: v.Pos()}
	}
	iter, err := cv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var allocs []carrier.Allocation
	for iter.Next() {
		item := iter.Value()
		name, err := requiredString(item, "name")
		if err != nil {
			return nil, err
		}
		codeVal := item.LookupPath(cue.ParsePath("code"))
		parts, err := intList(codeVal)
		if err != nil {
			return nil, err
		}
		if len(parts) != 3 || parts[0] < 0 || parts[0] > math.MaxUint8 ||
			parts[1] < 0 || parts[1] > math.MaxUint8 || parts[2] < 0 || parts[2] > math.MaxUint16 {
			return nil, &CompileError{
				Field:   fmt.Sprintf("concepts.%s.code", name),
				Message: "code must be [domain u8, kind u8, local_id u16]",
				Pos:     codeVal.Pos(),
			}
		}
		allocs = append(allocs, carrier.Allocation{
			Concept: name,
			Code:    carrier.Code32{Domain: uint8(parts[0]), Kind: uint8(parts[1]), LocalID: uint16(parts[2])},
		})
	}
	if len(allocs) == 0 {
		return nil, &CompileError{Field: "concepts", Message: "at least one concept is required", Pos: cv.Pos()}
	}
	return allocs, nil
}

// kernelByName maps operator names to the kernel signatures a world may
// register.
func kernelByName() map[string]operator.Signature {
	out := make(map[string]operator.Signature)
	for _, sig := range operator.KernelRegistry().Signatures() {
		out[sig.Name] = sig
	}
	return out
}

func parseOperators(v cue.Value) (*operator.Registry, error) {
	ov := v.LookupPath(cue.ParsePath("operators"))
	if !ov.Exists() {
		return nil, &CompileError{Field: "operators", Message: "at least one operator is required", Pos: v.Pos()}
	}
	iter, err := ov.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	kernel := kernelByName()
	var sigs []operator.Signature
	for iter.Next() {
		name, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		sig, ok := kernel[name]
		if !ok {
			return nil, &CompileError{
				Field:   "operators",
				Message: fmt.Sprintf("unknown operator %q", name),
				Pos:     iter.Value().Pos(),
			}
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return nil, &CompileError{Field: "operators", Message: "at least one operator is required", Pos: ov.Pos()}
	}
	reg, err := operator.NewRegistry(sigs...)
	if err != nil {
		return nil, &CompileError{Field: "operators", Message: err.Error(), Pos: ov.Pos()}
	}
	return reg, nil
}

// action is the shared shape of program steps and moves.
type action struct {
	op    carrier.Code32
	args  operator.ArgShape
	layer int
	slot  int
	value carrier.Code32
}

func parseAction(item cue.Value, field string, def *worlds.Definition) (action, error) {
	var a action
	name, err := requiredString(item, "op")
	if err != nil {
		return a, err
	}
	var sig operator.Signature
	found := false
	for _, s := range def.Operators.Signatures() {
		if s.Name == name {
			sig, found = s, true
			break
		}
	}
	if !found {
		return a, &CompileError{Field: field + ".op", Message: fmt.Sprintf("operator %q is not registered by this world", name), Pos: item.Pos()}
	}
	a.op, a.args = sig.OpCode, sig.Args

	if a.layer, err = optionalInt(item, "layer"); err != nil {
		return a, err
	}
	if sig.Args != operator.ArgsLayerSlotValue {
		return a, nil
	}
	if a.slot, err = requiredInt(item, "slot"); err != nil {
		return a, err
	}
	if a.value, err = conceptRef(item, field, def); err != nil {
		return a, err
	}
	return a, nil
}

func (a action) encodeArgs() []byte {
	if a.args == operator.ArgsLayerSlotValue {
		return operator.SlotArgs(a.layer, a.slot, a.value)
	}
	return operator.LayerArgs(a.layer)
}

func conceptRef(item cue.Value, field string, def *worlds.Definition) (carrier.Code32, error) {
	name, err := requiredString(item, "value")
	if err != nil {
		return carrier.Code32{}, err
	}
	code, ok := def.Concepts.CodeOf(name)
	if !ok {
		return carrier.Code32{}, &CompileError{
			Field:   field + ".value",
			Message: fmt.Sprintf("concept %q is not registered", name),
			Pos:     item.LookupPath(cue.ParsePath("value")).Pos(),
		}
	}
	return code, nil
}

func parseProgram(v cue.Value, def *worlds.Definition) ([]worlds.Step, error) {
	var steps []worlds.Step
	err := eachListItem(v, "program", func(i int, item cue.Value) error {
		a, err := parseAction(item, fmt.Sprintf("program[%d]", i), def)
		if err != nil {
			return err
		}
		steps = append(steps, worlds.Step{Op: a.op, Args: a.encodeArgs()})
		return nil
	})
	return steps, err
}

func parseMoves(v cue.Value, def *worlds.Definition) ([]worlds.Move, error) {
	var moves []worlds.Move
	err := eachListItem(v, "moves", func(i int, item cue.Value) error {
		a, err := parseAction(item, fmt.Sprintf("moves[%d]", i), def)
		if err != nil {
			return err
		}
		moves = append(moves, worlds.Move{Op: a.op, Layer: a.layer, Slot: a.slot, Value: a.value})
		return nil
	})
	return moves, err
}

func parseGoal(v cue.Value, def *worlds.Definition) ([]worlds.Condition, error) {
	var goal []worlds.Condition
	err := eachListItem(v, "goal", func(i int, item cue.Value) error {
		field := fmt.Sprintf("goal[%d]", i)
		var c worlds.Condition
		var err error
		if c.Layer, err = optionalInt(item, "layer"); err != nil {
			return err
		}
		if c.Slot, err = requiredInt(item, "slot"); err != nil {
			return err
		}
		if c.Value, err = conceptRef(item, field, def); err != nil {
			return err
		}
		c.MinStatus = carrier.Provisional
		if sv := item.LookupPath(cue.ParsePath("status")); sv.Exists() {
			s, err := sv.String()
			if err != nil {
				return formatCUEError(err)
			}
			switch s {
			case "provisional":
			case "committed":
				c.MinStatus = carrier.Committed
			default:
				return &CompileError{Field: field + ".status", Message: fmt.Sprintf("status %q must be provisional or committed", s), Pos: sv.Pos()}
			}
		}
		goal = append(goal, c)
		return nil
	})
	return goal, err
}

func eachListItem(v cue.Value, field string, fn func(int, cue.Value) error) error {
	lv := v.LookupPath(cue.ParsePath(field))
	if !lv.Exists() {
		return nil
	}
	iter, err := lv.List()
	if err != nil {
		return formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		if err := fn(i, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if s == "" {
		return "", &CompileError{Field: field, Message: field + " must be non-empty", Pos: fv.Pos()}
	}
	return s, nil
}

func requiredInt(v cue.Value, field string) (int, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	return intValue(fv, field)
}

func optionalInt(v cue.Value, field string) (int, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, nil
	}
	return intValue(fv, field)
}

// intValue reads an integer. Floats are rejected: every number in a world
// ends up in canonical JSON.
func intValue(fv cue.Value, field string) (int, error) {
	if k := fv.IncompleteKind(); k == cue.FloatKind || k == cue.NumberKind {
		return 0, &CompileError{Field: field, Message: "float values are forbidden - use int instead", Pos: fv.Pos()}
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	if n < 0 || n > math.MaxInt32 {
		return 0, &CompileError{Field: field, Message: fmt.Sprintf("%d is out of range", n), Pos: fv.Pos()}
	}
	return int(n), nil
}

func intList(v cue.Value) ([]int, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []int
	for iter.Next() {
		n, err := intValue(iter.Value(), "code")
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
