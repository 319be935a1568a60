package operator

import (
	"fmt"

	"github.com/roach88/keel/internal/carrier"
)

// Category tags an operator's role.
type Category string

const (
	CategoryStructural  Category = "S"
	CategoryMutation    Category = "M"
	CategoryPropagation Category = "P"
	CategoryKernel      Category = "K"
	CategoryControl     Category = "C"
)

func (c Category) valid() bool {
	switch c {
	case CategoryStructural, CategoryMutation, CategoryPropagation, CategoryKernel, CategoryControl:
		return true
	}
	return false
}

// EffectKind enumerates every legal transition shape. Adding a shape means
// adding a constant here plus its performer and checker cases.
type EffectKind string

const (
	// EffectWritesOneSlotFromArgs: exactly one Hole slot becomes Provisional
	// carrying the argument value.
	EffectWritesOneSlotFromArgs EffectKind = "writes_one_slot_from_args"

	// EffectStagesOneSlot: as above, inside an open transaction layer whose
	// marker slot stays Hole.
	EffectStagesOneSlot EffectKind = "stages_one_slot"

	// EffectCommitsTransaction: the marker slot records CommitMarker and every
	// Provisional slot in the layer becomes Committed.
	EffectCommitsTransaction EffectKind = "commits_transaction"

	// EffectRollsBackTransaction: only the marker slot changes, recording
	// RollbackMarker.
	EffectRollsBackTransaction EffectKind = "rolls_back_transaction"
)

func (k EffectKind) valid() bool {
	switch k {
	case EffectWritesOneSlotFromArgs, EffectStagesOneSlot, EffectCommitsTransaction, EffectRollsBackTransaction:
		return true
	}
	return false
}

// ArgShape names the byte layout of an operator's arguments.
type ArgShape string

const (
	// ArgsLayerSlotValue is layer u32, slot u32, value Code32 (12 bytes LE).
	ArgsLayerSlotValue ArgShape = "layer_slot_value"

	// ArgsLayer is layer u32 (4 bytes LE).
	ArgsLayer ArgShape = "layer"
)

// ByteCount returns the encoded argument length.
func (s ArgShape) ByteCount() int {
	switch s {
	case ArgsLayerSlotValue:
		return 12
	case ArgsLayer:
		return 4
	}
	return -1
}

// RefKind says how a SlotRef is resolved against decoded arguments.
type RefKind string

const (
	// RefArgSlot is the (layer, slot) named by the arguments.
	RefArgSlot RefKind = "arg_slot"

	// RefMarker is the last slot of the layer named by the arguments.
	RefMarker RefKind = "marker"
)

// SlotRef addresses one slot relative to the call's arguments.
type SlotRef struct {
	Kind RefKind `json:"kind"`
}

// StatusMatch constrains a slot's status in a precondition.
type StatusMatch string

const (
	StatusAny        StatusMatch = "any"
	StatusMustBeHole StatusMatch = "hole"
)

// MaskEntry is one precondition term: (identity & Mask) == Value at Target,
// plus a status constraint.
type MaskEntry struct {
	Target SlotRef     `json:"target"`
	Mask   uint32      `json:"mask"`
	Value  uint32      `json:"value"`
	Status StatusMatch `json:"status"`
}

// EffectEntry declares one slot write. When FromArgs is set the identity
// comes from the argument value, otherwise from Value.
type EffectEntry struct {
	Target   SlotRef            `json:"target"`
	Mask     uint32             `json:"mask"`
	Value    uint32             `json:"value"`
	FromArgs bool               `json:"from_args"`
	Status   carrier.SlotStatus `json:"status"`
}

// Signature is the registry's description of one operator.
type Signature struct {
	OpCode       carrier.Code32
	Name         string
	Category     Category
	Args         ArgShape
	EffectKind   EffectKind
	Precondition []MaskEntry
	Effect       []EffectEntry
}

// ArgByteCount returns the exact argument length Apply accepts.
func (s Signature) ArgByteCount() int { return s.Args.ByteCount() }

// Validate checks the signature's closed enums and internal consistency.
func (s Signature) Validate() error {
	if s.OpCode.IsSentinel() {
		return fmt.Errorf("operator %q: op code %s is a reserved sentinel", s.Name, s.OpCode)
	}
	if s.Name == "" {
		return fmt.Errorf("operator %s: name is required", s.OpCode)
	}
	if !s.Category.valid() {
		return fmt.Errorf("operator %s: unknown category %q", s.Name, s.Category)
	}
	if !s.EffectKind.valid() {
		return fmt.Errorf("operator %s: unknown effect kind %q", s.Name, s.EffectKind)
	}
	if s.Args.ByteCount() < 0 {
		return fmt.Errorf("operator %s: unknown arg shape %q", s.Name, s.Args)
	}
	if len(s.Effect) != 1 {
		return fmt.Errorf("operator %s: want exactly one effect entry, got %d", s.Name, len(s.Effect))
	}
	switch s.EffectKind {
	case EffectWritesOneSlotFromArgs, EffectStagesOneSlot:
		if s.Args != ArgsLayerSlotValue || s.Effect[0].Target.Kind != RefArgSlot {
			return fmt.Errorf("operator %s: %s needs layer_slot_value args writing arg_slot", s.Name, s.EffectKind)
		}
	case EffectCommitsTransaction, EffectRollsBackTransaction:
		if s.Args != ArgsLayer || s.Effect[0].Target.Kind != RefMarker {
			return fmt.Errorf("operator %s: %s needs layer args writing the marker", s.Name, s.EffectKind)
		}
	}
	for _, p := range s.Precondition {
		if p.Target.Kind != RefArgSlot && p.Target.Kind != RefMarker {
			return fmt.Errorf("operator %s: unknown precondition target %q", s.Name, p.Target.Kind)
		}
		if p.Target.Kind == RefArgSlot && s.Args == ArgsLayer {
			return fmt.Errorf("operator %s: arg_slot precondition without a slot argument", s.Name)
		}
	}
	return nil
}
