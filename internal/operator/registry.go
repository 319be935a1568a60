package operator

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
)

// RegistrySchemaVersion tags operator_registry.json.
const RegistrySchemaVersion = "operator_registry.v1"

// Registry maps op codes to signatures. It is immutable and always passed
// explicitly; there is no package-level operator table.
type Registry struct {
	entries []Signature
	byCode  map[carrier.Code32]int
	canon   []byte
	digest  ir.ContentHash
}

// NewRegistry validates and freezes a set of signatures.
func NewRegistry(sigs ...Signature) (*Registry, error) {
	r := &Registry{
		entries: slices.Clone(sigs),
		byCode:  make(map[carrier.Code32]int, len(sigs)),
	}
	slices.SortFunc(r.entries, func(a, b Signature) int { return a.OpCode.Compare(b.OpCode) })
	for i, s := range r.entries {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byCode[s.OpCode]; dup {
			return nil, fmt.Errorf("operator registry: op code %s registered twice", s.OpCode)
		}
		r.byCode[s.OpCode] = i
	}
	canon, err := ir.MarshalCanonical(r.wire())
	if err != nil {
		return nil, fmt.Errorf("operator registry: %w", err)
	}
	r.canon = canon
	r.digest = ir.CanonicalHash(ir.DomainOperatorRegistry, canon)
	return r, nil
}

// Lookup returns the signature for op.
func (r *Registry) Lookup(op carrier.Code32) (Signature, bool) {
	i, ok := r.byCode[op]
	if !ok {
		return Signature{}, false
	}
	return r.entries[i], true
}

// Contains reports whether op is registered.
func (r *Registry) Contains(op carrier.Code32) bool {
	_, ok := r.byCode[op]
	return ok
}

// OpCodes returns every registered op code in byte order.
func (r *Registry) OpCodes() []carrier.Code32 {
	out := make([]carrier.Code32, len(r.entries))
	for i, s := range r.entries {
		out[i] = s.OpCode
	}
	return out
}

// Signatures returns every signature in op code order.
func (r *Registry) Signatures() []Signature { return slices.Clone(r.entries) }

// CanonicalBytes returns operator_registry.json.
func (r *Registry) CanonicalBytes() []byte { return bytes.Clone(r.canon) }

// Digest is the operator-set digest bound into graphs, tapes and reports.
func (r *Registry) Digest() ir.ContentHash { return r.digest }

// DigestOf hashes operator_registry.json bytes exactly as Digest does.
func DigestOf(data []byte) ir.ContentHash {
	return ir.CanonicalHash(ir.DomainOperatorRegistry, data)
}

type registryWire struct {
	Entries       []signatureWire `json:"entries"`
	SchemaVersion string          `json:"schema_version"`
}

type signatureWire struct {
	Args         ArgShape      `json:"args"`
	Category     Category      `json:"category"`
	Effect       []EffectEntry `json:"effect"`
	EffectKind   EffectKind    `json:"effect_kind"`
	Name         string        `json:"name"`
	OpCodeHex    string        `json:"op_code_hex"`
	Precondition []MaskEntry   `json:"precondition"`
}

func (r *Registry) wire() registryWire {
	w := registryWire{Entries: make([]signatureWire, 0, len(r.entries)), SchemaVersion: RegistrySchemaVersion}
	for _, s := range r.entries {
		pre := s.Precondition
		if pre == nil {
			pre = []MaskEntry{}
		}
		w.Entries = append(w.Entries, signatureWire{
			Args:         s.Args,
			Category:     s.Category,
			Effect:       s.Effect,
			EffectKind:   s.EffectKind,
			Name:         s.Name,
			OpCodeHex:    s.OpCode.Hex(),
			Precondition: pre,
		})
	}
	return w
}

// ParseRegistry decodes operator_registry.json. The bytes must be canonical
// and must re-encode identically.
func ParseRegistry(data []byte) (*Registry, error) {
	if !ir.IsCanonical(data) {
		return nil, fmt.Errorf("operator registry: not canonical JSON")
	}
	var w registryWire
	if err := ir.DecodeStrict(data, &w); err != nil {
		return nil, fmt.Errorf("operator registry: %w", err)
	}
	if w.SchemaVersion != RegistrySchemaVersion {
		return nil, fmt.Errorf("operator registry: schema_version %q, want %q", w.SchemaVersion, RegistrySchemaVersion)
	}
	sigs := make([]Signature, 0, len(w.Entries))
	for _, e := range w.Entries {
		op, err := carrier.ParseCodeHex(e.OpCodeHex)
		if err != nil {
			return nil, fmt.Errorf("operator registry: %w", err)
		}
		sigs = append(sigs, Signature{
			OpCode:       op,
			Name:         e.Name,
			Category:     e.Category,
			Args:         e.Args,
			EffectKind:   e.EffectKind,
			Precondition: e.Precondition,
			Effect:       e.Effect,
		})
	}
	reg, err := NewRegistry(sigs...)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(reg.canon, data) {
		return nil, fmt.Errorf("operator registry: does not round-trip")
	}
	return reg, nil
}
