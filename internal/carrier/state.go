package carrier

import (
	"bytes"
	"fmt"
	"math"

	"github.com/roach88/keel/internal/ir"
)

// SlotStatus is the per-slot status plane value.
type SlotStatus uint8

const (
	Hole        SlotStatus = 0
	Provisional SlotStatus = 128
	Committed   SlotStatus = 255
)

// Valid reports whether s is one of the three enumerated statuses.
func (s SlotStatus) Valid() bool {
	return s == Hole || s == Provisional || s == Committed
}

// String implements fmt.Stringer.
func (s SlotStatus) String() string {
	switch s {
	case Hole:
		return "hole"
	case Provisional:
		return "provisional"
	case Committed:
		return "committed"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(s))
	}
}

// State is the packed two-plane carrier organized as layer x slot.
//
// The identity plane holds one Code32 (4 bytes) per slot; the status plane
// holds one SlotStatus byte per slot. Equality and hashing always operate on
// these raw bytes.
type State struct {
	layers   int
	slots    int
	identity []byte
	status   []byte
}

// MaxCells bounds layers*slots for any state.
const MaxCells = math.MaxInt32

// checkDims rejects non-positive dimensions and any product above MaxCells.
// Each factor is bounded before multiplying so the product cannot wrap.
func checkDims(layers, slots int) error {
	if layers <= 0 || slots <= 0 {
		return fmt.Errorf("state dimensions must be positive: layers=%d slots=%d", layers, slots)
	}
	if layers > MaxCells || slots > MaxCells/layers {
		return fmt.Errorf("state dimensions too large: layers=%d slots=%d", layers, slots)
	}
	return nil
}

// NewState returns an all-Padding, all-Hole state.
func NewState(layers, slots int) (*State, error) {
	if err := checkDims(layers, slots); err != nil {
		return nil, err
	}
	n := layers * slots
	return &State{
		layers:   layers,
		slots:    slots,
		identity: make([]byte, n*CodeSize),
		status:   make([]byte, n),
	}, nil
}

// FromPlanes builds a state from raw planes, copying both. Status bytes must
// be enumerated values.
func FromPlanes(layers, slots int, identity, status []byte) (*State, error) {
	if err := checkDims(layers, slots); err != nil {
		return nil, err
	}
	n := layers * slots
	if len(identity) != n*CodeSize {
		return nil, fmt.Errorf("identity plane: want %d bytes, got %d", n*CodeSize, len(identity))
	}
	if len(status) != n {
		return nil, fmt.Errorf("status plane: want %d bytes, got %d", n, len(status))
	}
	for i, b := range status {
		if !SlotStatus(b).Valid() {
			return nil, fmt.Errorf("status plane[%d]: invalid status byte %d", i, b)
		}
	}
	return &State{
		layers:   layers,
		slots:    slots,
		identity: bytes.Clone(identity),
		status:   bytes.Clone(status),
	}, nil
}

// FromSnapshot splits an identity-then-status snapshot as written into
// replay frames.
func FromSnapshot(layers, slots int, snapshot []byte) (*State, error) {
	if err := checkDims(layers, slots); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	n := layers * slots
	if len(snapshot) != n*(CodeSize+1) {
		return nil, fmt.Errorf("snapshot: want %d bytes for %dx%d, got %d", n*(CodeSize+1), layers, slots, len(snapshot))
	}
	return FromPlanes(layers, slots, snapshot[:n*CodeSize], snapshot[n*CodeSize:])
}

// Layers returns the layer count.
func (s *State) Layers() int { return s.layers }

// Slots returns the per-layer slot count.
func (s *State) Slots() int { return s.slots }

// SnapshotSize is the byte length of EvidenceBytes for the given dimensions.
func SnapshotSize(layers, slots int) int {
	return layers * slots * (CodeSize + 1)
}

func (s *State) index(layer, slot int) (int, error) {
	if layer < 0 || layer >= s.layers || slot < 0 || slot >= s.slots {
		return 0, fmt.Errorf("slot (%d,%d) out of range for %dx%d state", layer, slot, s.layers, s.slots)
	}
	return layer*s.slots + slot, nil
}

// InRange reports whether (layer, slot) addresses a slot.
func (s *State) InRange(layer, slot int) bool {
	_, err := s.index(layer, slot)
	return err == nil
}

// Identity returns the code at (layer, slot). Out-of-range reads return Padding.
func (s *State) Identity(layer, slot int) Code32 {
	i, err := s.index(layer, slot)
	if err != nil {
		return Padding
	}
	c, _ := CodeFromBytes(s.identity[i*CodeSize : (i+1)*CodeSize])
	return c
}

// Status returns the status at (layer, slot). Out-of-range reads return Hole.
func (s *State) Status(layer, slot int) SlotStatus {
	i, err := s.index(layer, slot)
	if err != nil {
		return Hole
	}
	return SlotStatus(s.status[i])
}

// Set writes both planes at (layer, slot). It enforces nothing beyond bounds
// and the status enum; transition rules belong to operator.Apply.
func (s *State) Set(layer, slot int, code Code32, status SlotStatus) error {
	i, err := s.index(layer, slot)
	if err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("slot (%d,%d): invalid status %d", layer, slot, uint8(status))
	}
	b := code.Bytes()
	copy(s.identity[i*CodeSize:], b[:])
	s.status[i] = byte(status)
	return nil
}

// SetStatus rewrites only the status plane at (layer, slot).
func (s *State) SetStatus(layer, slot int, status SlotStatus) error {
	return s.Set(layer, slot, s.Identity(layer, slot), status)
}

// IdentityBytes returns a copy of the identity plane.
func (s *State) IdentityBytes() []byte { return bytes.Clone(s.identity) }

// StatusBytes returns a copy of the status plane.
func (s *State) StatusBytes() []byte { return bytes.Clone(s.status) }

// EvidenceBytes returns identity plane followed by status plane. This is the
// snapshot layout written into state-replay frames.
func (s *State) EvidenceBytes() []byte {
	out := make([]byte, 0, len(s.identity)+len(s.status))
	out = append(out, s.identity...)
	return append(out, s.status...)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return &State{
		layers:   s.layers,
		slots:    s.slots,
		identity: bytes.Clone(s.identity),
		status:   bytes.Clone(s.status),
	}
}

// SameShape reports whether o has the same dimensions.
func (s *State) SameShape(o *State) bool {
	return o != nil && s.layers == o.layers && s.slots == o.slots
}

// Equal compares both planes bytewise.
func (s *State) Equal(o *State) bool {
	return s.SameShape(o) && bytes.Equal(s.identity, o.identity) && bytes.Equal(s.status, o.status)
}

// IdentityEqual compares only the identity plane bytewise.
func (s *State) IdentityEqual(o *State) bool {
	return s.SameShape(o) && bytes.Equal(s.identity, o.identity)
}

// IdentityDigest hashes the identity plane.
func (s *State) IdentityDigest() ir.ContentHash {
	return ir.CanonicalHash(ir.DomainIdentityPlane, s.identity)
}

// EvidenceDigest hashes identity and status planes together.
func (s *State) EvidenceDigest() ir.ContentHash {
	return ir.CanonicalHash(ir.DomainEvidencePlane, s.EvidenceBytes())
}

// String renders a compact per-slot view for logs and test failures.
func (s *State) String() string {
	var buf bytes.Buffer
	for l := 0; l < s.layers; l++ {
		if l > 0 {
			buf.WriteByte('|')
		}
		for sl := 0; sl < s.slots; sl++ {
			if sl > 0 {
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%s/%s", s.Identity(l, sl), s.Status(l, sl))
		}
	}
	return buf.String()
}
