package carrier

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/roach88/keel/internal/ir"
)

// Payload is the external JSON shape Compile accepts. identity holds each
// Code32 as its little-endian u32 value; status holds raw status bytes.
// Both are row-major over layer x slot.
type Payload struct {
	LayerCount    int64   `json:"layer_count"`
	SlotCount     int64   `json:"slot_count"`
	Identity      []int64 `json:"identity"`
	Status        []int64 `json:"status"`
	SchemaID      string  `json:"schema_id,omitempty"`
	RegistryEpoch string  `json:"registry_epoch,omitempty"`
}

// Manifest is the compilation manifest written as compilation_manifest.json.
type Manifest struct {
	EvidenceDigest ir.ContentHash `json:"evidence_digest"`
	IdentityDigest ir.ContentHash `json:"identity_digest"`
	PayloadHash    ir.ContentHash `json:"payload_hash"`
	RegistryEpoch  string         `json:"registry_epoch"`
	RegistryHash   ir.ContentHash `json:"registry_hash"`
	SchemaHash     ir.ContentHash `json:"schema_hash"`
	SchemaID       string         `json:"schema_id"`
	SchemaVersion  string         `json:"schema_version"`
}

// SchemaDescriptorString renders the manifest's schema as "id:version:hex".
func (m Manifest) SchemaDescriptorString() string {
	return m.SchemaID + ":" + m.SchemaVersion + ":" + m.SchemaHash.Hex()
}

// ParseManifest decodes canonical compilation_manifest.json bytes.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if !ir.IsCanonical(data) {
		return m, fmt.Errorf("compilation manifest: not canonical JSON")
	}
	if err := ir.DecodeStrict(data, &m); err != nil {
		return m, fmt.Errorf("compilation manifest: %w", err)
	}
	return m, nil
}

// CompilationResult is everything Compile produces.
type CompilationResult struct {
	State          *State
	Schema         SchemaDescriptor
	Registry       RegistryDescriptor
	Manifest       Manifest
	ManifestBytes  []byte
	IdentityDigest ir.ContentHash
	EvidenceDigest ir.ContentHash
}

// Compile turns an external payload into packed state.
//
// Compile is pure: the same (payload, schema, registry) always produces the
// same bytes, and it reads no clock, randomness, or environment. Every
// failure is a *CompilationError and no partial state is ever returned.
func Compile(payload []byte, schema SchemaDescriptor, registry *Registry) (*CompilationResult, error) {
	c := compilation{schema: schema, registry: registry}
	if registry != nil {
		c.epoch = registry.Epoch()
	}
	return c.run(payload)
}

type compilation struct {
	schema   SchemaDescriptor
	registry *Registry
	epoch    string
}

func (c *compilation) fail(kind FailureKind, field, format string, args ...any) *CompilationError {
	return &CompilationError{
		Kind:          kind,
		Message:       fmt.Sprintf(format, args...),
		SchemaID:      c.schema.ID,
		RegistryEpoch: c.epoch,
		Field:         field,
	}
}

func (c *compilation) run(payload []byte) (*CompilationResult, error) {
	if c.schema.ID == "" {
		return nil, c.fail(FailSchemaMismatch, "", "schema descriptor has empty id")
	}
	if err := c.schema.Verify(); err != nil {
		return nil, c.fail(FailSchemaMismatch, "", "%v", err)
	}
	if c.registry == nil {
		return nil, c.fail(FailRegistryMismatch, "", "no registry snapshot supplied")
	}

	canonical, err := ir.Recanonicalize(payload)
	if err != nil {
		return nil, c.fail(FailConstraintViolation, "", "payload is not valid integer-only JSON: %v", err)
	}
	var p Payload
	if err := ir.DecodeStrict(canonical, &p); err != nil {
		return nil, c.fail(FailConstraintViolation, "", "payload shape: %v", err)
	}

	if p.SchemaID != "" && p.SchemaID != c.schema.ID {
		return nil, c.fail(FailSchemaMismatch, "schema_id", "payload targets schema %q", p.SchemaID)
	}
	if p.RegistryEpoch != "" && p.RegistryEpoch != c.epoch {
		return nil, c.fail(FailRegistryMismatch, "registry_epoch", "payload targets epoch %q", p.RegistryEpoch)
	}
	if p.LayerCount <= 0 || p.LayerCount > math.MaxInt32 {
		return nil, c.fail(FailConstraintViolation, "layer_count", "must be positive, got %d", p.LayerCount)
	}
	if p.SlotCount <= 0 || p.SlotCount > math.MaxInt32 {
		return nil, c.fail(FailConstraintViolation, "slot_count", "must be positive, got %d", p.SlotCount)
	}
	if int(p.LayerCount) != c.schema.LayerCount || int(p.SlotCount) != c.schema.SlotCount {
		return nil, c.fail(FailSchemaMismatch, "layer_count", "payload is %dx%d, schema %s is %dx%d",
			p.LayerCount, p.SlotCount, c.schema.ID, c.schema.LayerCount, c.schema.SlotCount)
	}

	n := int(p.LayerCount * p.SlotCount)
	if len(p.Identity) != n {
		return nil, c.fail(FailConstraintViolation, "identity", "want %d codes, got %d", n, len(p.Identity))
	}
	if len(p.Status) != n {
		return nil, c.fail(FailConstraintViolation, "status", "want %d statuses, got %d", n, len(p.Status))
	}

	identity := make([]byte, 0, n*CodeSize)
	for i, v := range p.Identity {
		if v < 0 || v > math.MaxUint32 {
			return nil, c.fail(FailConstraintViolation, "identity", "code %d out of u32 range at index %d", v, i)
		}
		code := CodeFromUint32(uint32(v))
		if !code.IsSentinel() && !c.registry.Contains(code) {
			e := c.fail(FailUnknownConcept, "identity", "code %s at index %d is not in registry", code, i)
			e.Details = map[string]string{"code": code.Hex(), "index": strconv.Itoa(i)}
			return nil, e
		}
		b := code.Bytes()
		identity = append(identity, b[:]...)
	}

	status := make([]byte, 0, n)
	for i, v := range p.Status {
		if v < 0 || v > 255 {
			return nil, c.fail(FailConstraintViolation, "status", "status %d out of byte range at index %d", v, i)
		}
		if !SlotStatus(v).Valid() {
			return nil, c.fail(FailConstraintViolation, "status", "status byte %d at index %d is not hole, provisional or committed", v, i)
		}
		if SlotStatus(v) == Hole && p.Identity[i] != 0 {
			return nil, c.fail(FailConstraintViolation, "identity", "hole slot at index %d carries a non-padding code", i)
		}
		status = append(status, byte(v))
	}

	st, err := FromPlanes(int(p.LayerCount), int(p.SlotCount), identity, status)
	if err != nil {
		return nil, c.fail(FailConstraintViolation, "", "%v", err)
	}

	manifest := Manifest{
		EvidenceDigest: st.EvidenceDigest(),
		IdentityDigest: st.IdentityDigest(),
		PayloadHash:    ir.CanonicalHash(ir.DomainCompilationPayload, canonical),
		RegistryEpoch:  c.epoch,
		RegistryHash:   c.registry.Digest(),
		SchemaHash:     c.schema.Hash,
		SchemaID:       c.schema.ID,
		SchemaVersion:  c.schema.Version,
	}
	manifestBytes, err := ir.MarshalCanonical(manifest)
	if err != nil {
		return nil, c.fail(FailConstraintViolation, "", "encode manifest: %v", err)
	}

	return &CompilationResult{
		State:          st,
		Schema:         c.schema,
		Registry:       c.registry.Descriptor(),
		Manifest:       manifest,
		ManifestBytes:  manifestBytes,
		IdentityDigest: manifest.IdentityDigest,
		EvidenceDigest: manifest.EvidenceDigest,
	}, nil
}

// EncodePayload renders st as a canonical payload bound to schema and
// registry epoch. Compile(EncodePayload(st)) reproduces st exactly.
func EncodePayload(st *State, schemaID, registryEpoch string) ([]byte, error) {
	n := st.Layers() * st.Slots()
	p := Payload{
		LayerCount:    int64(st.Layers()),
		SlotCount:     int64(st.Slots()),
		Identity:      make([]int64, 0, n),
		Status:        make([]int64, 0, n),
		SchemaID:      schemaID,
		RegistryEpoch: registryEpoch,
	}
	for l := 0; l < st.Layers(); l++ {
		for s := 0; s < st.Slots(); s++ {
			p.Identity = append(p.Identity, int64(st.Identity(l, s).Uint32()))
			p.Status = append(p.Status, int64(st.Status(l, s)))
		}
	}
	return ir.MarshalCanonical(p)
}

// PayloadHash hashes a payload exactly as Compile does.
func PayloadHash(payload []byte) (ir.ContentHash, error) {
	canonical, err := ir.Recanonicalize(payload)
	if err != nil {
		return "", err
	}
	return ir.CanonicalHash(ir.DomainCompilationPayload, canonical), nil
}

// SameResult reports whether two compilations produced identical bytes.
func SameResult(a, b *CompilationResult) bool {
	return a.State.Equal(b.State) && bytes.Equal(a.ManifestBytes, b.ManifestBytes)
}
