package worlds

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/operator"
)

// Lattice values.
var (
	LatticeA = carrier.Code32{Domain: 1, Kind: 1, LocalID: 1}
	LatticeB = carrier.Code32{Domain: 1, Kind: 1, LocalID: 2}
)

// Lattice is a 1x2 slot world. Its program writes A into slot 0; its
// search goal is B in slot 1.
func Lattice() *Definition {
	concepts, err := carrier.NewRegistry("lattice.e1", []carrier.Allocation{
		{Concept: "lattice.a", Code: LatticeA},
		{Concept: "lattice.b", Code: LatticeB},
	})
	if err != nil {
		panic(err)
	}
	var moves []Move
	for slot := range 2 {
		for _, v := range []carrier.Code32{LatticeA, LatticeB} {
			moves = append(moves, Move{Op: operator.OpSetSlot, Slot: slot, Value: v})
		}
	}
	return &Definition{
		Name:      "lattice",
		Schema:    carrier.MustSchemaDescriptor("lattice", "v1", 1, 2),
		Concepts:  concepts,
		Operators: operator.MustRegistry(operator.SetSlotSignature()),
		Program: []Step{
			{Op: operator.OpSetSlot, Args: operator.SlotArgs(0, 0, LatticeA)},
		},
		Moves: moves,
		Goal:  []Condition{{Layer: 0, Slot: 1, Value: LatticeB, MinStatus: carrier.Provisional}},
	}
}

// Txn keys.
var (
	TxnAlpha = carrier.Code32{Domain: 2, Kind: 1, LocalID: 1}
	TxnBeta  = carrier.Code32{Domain: 2, Kind: 1, LocalID: 2}
)

// Txn is a two-key store with one transaction layer. Slot 2 is the layer
// marker. The goal is alpha committed under key 0, so a staged write alone
// is not enough.
func Txn() *Definition {
	concepts, err := carrier.NewRegistry("txn.e1", []carrier.Allocation{
		{Concept: "txn.alpha", Code: TxnAlpha},
		{Concept: "txn.beta", Code: TxnBeta},
	})
	if err != nil {
		panic(err)
	}
	var moves []Move
	for slot := range 2 {
		for _, v := range []carrier.Code32{TxnAlpha, TxnBeta} {
			moves = append(moves, Move{Op: operator.OpStage, Slot: slot, Value: v})
		}
	}
	moves = append(moves, Move{Op: operator.OpCommit}, Move{Op: operator.OpRollback})
	return &Definition{
		Name:      "txn",
		Schema:    carrier.MustSchemaDescriptor("txn", "v1", 1, 3),
		Concepts:  concepts,
		Operators: operator.MustRegistry(operator.StageSignature(), operator.CommitSignature(), operator.RollbackSignature()),
		Program: []Step{
			{Op: operator.OpStage, Args: operator.SlotArgs(0, 0, TxnAlpha)},
			{Op: operator.OpCommit, Args: operator.LayerArgs(0)},
		},
		Moves:       moves,
		Goal:        []Condition{{Layer: 0, Slot: 0, Value: TxnAlpha, MinStatus: carrier.Committed}},
		Obligations: []string{"committed_write_v1"},
	}
}

var builtin = map[string]func() *Definition{
	"lattice": Lattice,
	"txn":     Txn,
}

// Lookup returns a fresh copy of a built-in world.
func Lookup(name string) (*Definition, error) {
	ctor, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("unknown world %q (built-in: %v)", name, Names())
	}
	return ctor(), nil
}

// Names lists the built-in worlds in sorted order.
func Names() []string {
	return slices.Sorted(maps.Keys(builtin))
}
