package operator

import "github.com/roach88/keel/internal/carrier"

// Kernel op codes.
var (
	OpSetSlot  = carrier.Code32{Domain: 0, Kind: 1, LocalID: 1}
	OpStage    = carrier.Code32{Domain: 0, Kind: 1, LocalID: 2}
	OpCommit   = carrier.Code32{Domain: 0, Kind: 1, LocalID: 3}
	OpRollback = carrier.Code32{Domain: 0, Kind: 1, LocalID: 4}
)

// Transaction markers written into a layer's last slot.
var (
	CommitMarker   = carrier.Code32{Domain: 0, Kind: 2, LocalID: 1}
	RollbackMarker = carrier.Code32{Domain: 0, Kind: 2, LocalID: 2}
)

const fullMask = 0xFFFFFFFF

var (
	argSlot = SlotRef{Kind: RefArgSlot}
	marker  = SlotRef{Kind: RefMarker}
)

// SetSlotSignature writes a Hole slot from arguments, once.
func SetSlotSignature() Signature {
	return Signature{
		OpCode:     OpSetSlot,
		Name:       "SET_SLOT",
		Category:   CategoryMutation,
		Args:       ArgsLayerSlotValue,
		EffectKind: EffectWritesOneSlotFromArgs,
		Precondition: []MaskEntry{
			{Target: argSlot, Mask: fullMask, Value: 0, Status: StatusMustBeHole},
		},
		Effect: []EffectEntry{
			{Target: argSlot, Mask: fullMask, FromArgs: true, Status: carrier.Provisional},
		},
	}
}

// StageSignature writes a Hole slot inside an open transaction layer.
func StageSignature() Signature {
	return Signature{
		OpCode:     OpStage,
		Name:       "STAGE",
		Category:   CategoryMutation,
		Args:       ArgsLayerSlotValue,
		EffectKind: EffectStagesOneSlot,
		Precondition: []MaskEntry{
			{Target: argSlot, Mask: fullMask, Value: 0, Status: StatusMustBeHole},
			{Target: marker, Mask: fullMask, Value: 0, Status: StatusMustBeHole},
		},
		Effect: []EffectEntry{
			{Target: argSlot, Mask: fullMask, FromArgs: true, Status: carrier.Provisional},
		},
	}
}

// CommitSignature closes a transaction layer, promoting staged slots.
func CommitSignature() Signature {
	return Signature{
		OpCode:     OpCommit,
		Name:       "COMMIT",
		Category:   CategoryControl,
		Args:       ArgsLayer,
		EffectKind: EffectCommitsTransaction,
		Precondition: []MaskEntry{
			{Target: marker, Mask: fullMask, Value: 0, Status: StatusMustBeHole},
		},
		Effect: []EffectEntry{
			{Target: marker, Mask: fullMask, Value: CommitMarker.Uint32(), Status: carrier.Committed},
		},
	}
}

// RollbackSignature closes a transaction layer without promoting anything.
func RollbackSignature() Signature {
	return Signature{
		OpCode:     OpRollback,
		Name:       "ROLLBACK",
		Category:   CategoryControl,
		Args:       ArgsLayer,
		EffectKind: EffectRollsBackTransaction,
		Precondition: []MaskEntry{
			{Target: marker, Mask: fullMask, Value: 0, Status: StatusMustBeHole},
		},
		Effect: []EffectEntry{
			{Target: marker, Mask: fullMask, Value: RollbackMarker.Uint32(), Status: carrier.Committed},
		},
	}
}

// KernelRegistry returns a registry holding the four kernel operators.
func KernelRegistry() *Registry {
	r, err := NewRegistry(SetSlotSignature(), StageSignature(), CommitSignature(), RollbackSignature())
	if err != nil {
		panic(err)
	}
	return r
}

// MustRegistry is like NewRegistry but panics on error.
// Use only in tests or for built-in worlds.
func MustRegistry(sigs ...Signature) *Registry {
	r, err := NewRegistry(sigs...)
	if err != nil {
		panic(err)
	}
	return r
}
