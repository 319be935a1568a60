// Package worlds holds the reference worlds keel ships for tests and the
// CLI. A world is a Definition: a schema, the concept and operator
// registries it is frozen against, a linear program, a set of candidate
// moves for search, and a goal.
package worlds

import (
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/search"
)

// Step is one program instruction.
type Step struct {
	Op   carrier.Code32
	Args []byte
}

// Move is a candidate template. Slot-writing operators fill (Layer, Slot)
// with Value; layer operators act on Layer alone.
type Move struct {
	Op    carrier.Code32
	Layer int
	Slot  int
	Value carrier.Code32
}

// Condition holds when (Layer, Slot) carries Value with at least MinStatus.
type Condition struct {
	Layer     int
	Slot      int
	Value     carrier.Code32
	MinStatus carrier.SlotStatus
}

// Definition is a complete world. It implements search.World.
type Definition struct {
	Name        string
	Schema      carrier.SchemaDescriptor
	Concepts    *carrier.Registry
	Operators   *operator.Registry
	Program     []Step
	Moves       []Move
	Goal        []Condition
	Obligations []string
}

var _ search.World = (*Definition)(nil)

// ID implements search.World.
func (d *Definition) ID() string { return d.Name }

// Enumerate implements search.World. A move is offered only while the
// world's operator registry would accept it, so filled slots and closed
// transaction layers drop out.
func (d *Definition) Enumerate(st *carrier.State, _ *operator.Registry) []search.Candidate {
	var out []search.Candidate
	for _, m := range d.Moves {
		args := d.moveArgs(m)
		if args == nil || operator.Check(st, m.Op, args, d.Operators) != nil {
			continue
		}
		out = append(out, search.NewCandidate(m.Op, args))
	}
	return out
}

func (d *Definition) moveArgs(m Move) []byte {
	sig, ok := d.Operators.Lookup(m.Op)
	if !ok {
		return nil
	}
	switch sig.Args {
	case operator.ArgsLayerSlotValue:
		return operator.SlotArgs(m.Layer, m.Slot, m.Value)
	case operator.ArgsLayer:
		return operator.LayerArgs(m.Layer)
	}
	return nil
}

// IsGoal implements search.World. A world without goal conditions never
// reaches its goal.
func (d *Definition) IsGoal(st *carrier.State) bool {
	if len(d.Goal) == 0 {
		return false
	}
	for _, c := range d.Goal {
		if !st.InRange(c.Layer, c.Slot) {
			return false
		}
		status := st.Status(c.Layer, c.Slot)
		if status == carrier.Hole || status < c.MinStatus || st.Identity(c.Layer, c.Slot) != c.Value {
			return false
		}
	}
	return true
}

// Root returns the empty state every run starts from.
func (d *Definition) Root() (*carrier.State, error) {
	return carrier.NewState(d.Schema.LayerCount, d.Schema.SlotCount)
}

// InitialPayload encodes Root as a compilation payload pinned to the
// world's schema and registry epoch.
func (d *Definition) InitialPayload() ([]byte, error) {
	root, err := d.Root()
	if err != nil {
		return nil, err
	}
	return carrier.EncodePayload(root, d.Schema.ID, d.Concepts.Epoch())
}

// Compile runs the initial payload through the compilation boundary.
func (d *Definition) Compile() (*carrier.CompilationResult, error) {
	payload, err := d.InitialPayload()
	if err != nil {
		return nil, err
	}
	return carrier.Compile(payload, d.Schema, d.Concepts)
}

// ArgSlotCount is the widest argument list any operator takes, in 4-byte
// slots.
func (d *Definition) ArgSlotCount() int {
	n := 0
	for _, sig := range d.Operators.Signatures() {
		n = max(n, sig.ArgByteCount()/4)
	}
	return n
}

// Validate checks that every program step, move and goal condition refers
// to known operators and concepts and fits the schema.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("world: name is required")
	}
	if d.Concepts == nil || d.Operators == nil {
		return fmt.Errorf("world %s: concept and operator registries are required", d.Name)
	}
	if err := d.Schema.Verify(); err != nil {
		return fmt.Errorf("world %s: %w", d.Name, err)
	}
	if d.Schema.LayerCount <= 0 || d.Schema.SlotCount <= 0 {
		return fmt.Errorf("world %s: schema dimensions must be positive", d.Name)
	}

	inRange := func(layer, slot int) bool {
		return layer >= 0 && layer < d.Schema.LayerCount && slot >= 0 && slot < d.Schema.SlotCount
	}
	for i, s := range d.Program {
		sig, ok := d.Operators.Lookup(s.Op)
		if !ok {
			return fmt.Errorf("world %s: program step %d: operator %s is not registered", d.Name, i, s.Op)
		}
		if len(s.Args) != sig.ArgByteCount() {
			return fmt.Errorf("world %s: program step %d: %s takes %d arg bytes, got %d", d.Name, i, sig.Name, sig.ArgByteCount(), len(s.Args))
		}
	}
	for i, m := range d.Moves {
		sig, ok := d.Operators.Lookup(m.Op)
		if !ok {
			return fmt.Errorf("world %s: move %d: operator %s is not registered", d.Name, i, m.Op)
		}
		if !inRange(m.Layer, 0) {
			return fmt.Errorf("world %s: move %d: layer %d out of range", d.Name, i, m.Layer)
		}
		if sig.Args == operator.ArgsLayerSlotValue {
			if !inRange(m.Layer, m.Slot) {
				return fmt.Errorf("world %s: move %d: slot (%d,%d) out of range", d.Name, i, m.Layer, m.Slot)
			}
			if !d.Concepts.Contains(m.Value) {
				return fmt.Errorf("world %s: move %d: value %s is not a registered concept", d.Name, i, m.Value)
			}
		}
	}
	for i, c := range d.Goal {
		if !inRange(c.Layer, c.Slot) {
			return fmt.Errorf("world %s: goal %d: slot (%d,%d) out of range", d.Name, i, c.Layer, c.Slot)
		}
		if !d.Concepts.Contains(c.Value) {
			return fmt.Errorf("world %s: goal %d: value %s is not a registered concept", d.Name, i, c.Value)
		}
		if !c.MinStatus.Valid() {
			return fmt.Errorf("world %s: goal %d: invalid status %d", d.Name, i, c.MinStatus)
		}
	}
	return nil
}
