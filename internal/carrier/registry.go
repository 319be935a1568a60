package carrier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/keel/internal/ir"
)

// Allocation binds one concept name to one Code32.
type Allocation struct {
	Concept string
	Code    Code32
}

// RegistryDescriptor names an exact registry snapshot: the epoch it was
// frozen at plus the content hash of its canonical bytes.
type RegistryDescriptor struct {
	Epoch string
	Hash  ir.ContentHash
}

// Registry is an immutable concept registry frozen at one epoch.
// Allocations are held sorted by code bytes so CanonicalBytes never depends
// on map iteration.
type Registry struct {
	epoch    string
	allocs   []Allocation
	byCode   map[Code32]string
	byName   map[string]Code32
	canon    []byte
	snapshot ir.ContentHash
}

// NewRegistry validates and freezes a registry. Sentinel codes cannot be
// allocated; codes and concept names must both be unique.
func NewRegistry(epoch string, allocs []Allocation) (*Registry, error) {
	if epoch == "" {
		return nil, fmt.Errorf("registry: epoch is required")
	}
	r := &Registry{
		epoch:  epoch,
		allocs: slices.Clone(allocs),
		byCode: make(map[Code32]string, len(allocs)),
		byName: make(map[string]Code32, len(allocs)),
	}
	for _, a := range allocs {
		if a.Concept == "" {
			return nil, fmt.Errorf("registry %s: empty concept name for code %s", epoch, a.Code)
		}
		if a.Code.IsSentinel() {
			return nil, fmt.Errorf("registry %s: concept %q uses reserved sentinel code %s", epoch, a.Concept, a.Code)
		}
		if prev, dup := r.byCode[a.Code]; dup {
			return nil, fmt.Errorf("registry %s: code %s allocated to both %q and %q", epoch, a.Code, prev, a.Concept)
		}
		if _, dup := r.byName[a.Concept]; dup {
			return nil, fmt.Errorf("registry %s: concept %q allocated twice", epoch, a.Concept)
		}
		r.byCode[a.Code] = a.Concept
		r.byName[a.Concept] = a.Code
	}
	slices.SortFunc(r.allocs, func(a, b Allocation) int { return a.Code.Compare(b.Code) })

	canon, err := r.encode()
	if err != nil {
		return nil, err
	}
	r.canon = canon
	r.snapshot = ir.CanonicalHash(ir.DomainRegistrySnapshot, canon)
	return r, nil
}

// Extend returns a new registry at nextEpoch holding every existing
// allocation plus more. Registries are append-only: an existing code can
// never be reassigned.
func (r *Registry) Extend(nextEpoch string, more []Allocation) (*Registry, error) {
	if nextEpoch == r.epoch {
		return nil, fmt.Errorf("registry: extension must name a new epoch, got %q again", nextEpoch)
	}
	all := append(slices.Clone(r.allocs), more...)
	return NewRegistry(nextEpoch, all)
}

func (r *Registry) encode() ([]byte, error) {
	allocs := make(ir.IRArray, 0, len(r.allocs))
	for _, a := range r.allocs {
		b := a.Code.Bytes()
		allocs = append(allocs, ir.IRArray{
			ir.IRString(a.Concept),
			ir.IRArray{ir.IRInt(b[0]), ir.IRInt(b[1]), ir.IRInt(b[2]), ir.IRInt(b[3])},
		})
	}
	return ir.MarshalCanonical(ir.Obj(
		ir.O("allocations", allocs),
		ir.O("epoch", ir.IRString(r.epoch)),
	))
}

// Epoch returns the registry epoch.
func (r *Registry) Epoch() string { return r.epoch }

// Lookup returns the concept allocated to code.
func (r *Registry) Lookup(code Code32) (string, bool) {
	name, ok := r.byCode[code]
	return name, ok
}

// Contains reports whether code is allocated.
func (r *Registry) Contains(code Code32) bool {
	_, ok := r.byCode[code]
	return ok
}

// CodeOf returns the code allocated to concept.
func (r *Registry) CodeOf(concept string) (Code32, bool) {
	c, ok := r.byName[concept]
	return c, ok
}

// Allocations returns the allocations sorted by code bytes.
func (r *Registry) Allocations() []Allocation { return slices.Clone(r.allocs) }

// CanonicalBytes returns the canonical snapshot bytes written as
// concept_registry.json.
func (r *Registry) CanonicalBytes() []byte { return bytes.Clone(r.canon) }

// Digest is the registry snapshot hash.
func (r *Registry) Digest() ir.ContentHash { return r.snapshot }

// Descriptor returns the (epoch, hash) value object passed alongside
// compile and verify calls.
func (r *Registry) Descriptor() RegistryDescriptor {
	return RegistryDescriptor{Epoch: r.epoch, Hash: r.snapshot}
}

// ParseRegistry decodes concept_registry.json. The input must be canonical
// and must re-encode byte-for-byte.
func ParseRegistry(data []byte) (*Registry, error) {
	if !ir.IsCanonical(data) {
		return nil, fmt.Errorf("concept registry: not canonical JSON")
	}
	var raw struct {
		Allocations [][2]json.RawMessage `json:"allocations"`
		Epoch       string               `json:"epoch"`
	}
	if err := ir.DecodeStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("concept registry: %w", err)
	}
	allocs := make([]Allocation, 0, len(raw.Allocations))
	for i, pair := range raw.Allocations {
		var name string
		var codeInts []int
		if err := json.Unmarshal(pair[0], &name); err != nil {
			return nil, fmt.Errorf("concept registry: allocation %d name: %w", i, err)
		}
		if err := json.Unmarshal(pair[1], &codeInts); err != nil {
			return nil, fmt.Errorf("concept registry: allocation %d code: %w", i, err)
		}
		codeBytes := make([]byte, len(codeInts))
		for j, v := range codeInts {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("concept registry: allocation %d code byte %d out of range", i, v)
			}
			codeBytes[j] = byte(v)
		}
		code, err := CodeFromBytes(codeBytes)
		if err != nil {
			return nil, fmt.Errorf("concept registry: allocation %d: %w", i, err)
		}
		allocs = append(allocs, Allocation{Concept: name, Code: code})
	}
	reg, err := NewRegistry(raw.Epoch, allocs)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(reg.canon, data) {
		return nil, fmt.Errorf("concept registry: does not round-trip")
	}
	return reg, nil
}
