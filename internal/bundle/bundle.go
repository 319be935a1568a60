package bundle

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/keel/internal/ir"
)

// Artifact file names.
const (
	NameFixture             = "fixture.json"
	NameCompilationManifest = "compilation_manifest.json"
	NamePolicySnapshot      = "policy_snapshot.json"
	NameSearchGraph         = "search_graph.json"
	NameSearchTape          = "search_tape.stap"
	NameReport              = "verification_report.json"
	NameOperatorRegistry    = "operator_registry.json"
	NameConceptRegistry     = "concept_registry.json"
	NameScorer              = "scorer.json"
	NameTrace               = "trace.bst1"
)

// Metadata file names written next to the artifacts.
const (
	FileManifest    = "bundle_manifest.json"
	FileDigestBasis = "bundle_digest_basis.json"
	FileDigest      = "bundle_digest.txt"
)

// Schema versions of the bundle metadata.
const (
	ManifestSchemaVersion = "bundle.v1"
	BasisSchemaVersion    = "bundle_digest_basis.v1"
)

// Artifact is one named, hashed member of a bundle.
type Artifact struct {
	Name        string
	Content     []byte
	ContentHash ir.ContentHash
	Normative   bool
}

// Input is an artifact handed to Build. Precomputed, when set, must equal
// the hash Build computes.
type Input struct {
	Name        string
	Content     []byte
	Normative   bool
	Precomputed ir.ContentHash
}

// ManifestEntry lists one artifact in bundle_manifest.json.
type ManifestEntry struct {
	ContentHash ir.ContentHash `json:"content_hash"`
	Name        string         `json:"name"`
	Normative   bool           `json:"normative"`
}

// Manifest covers every artifact, sorted by name.
type Manifest struct {
	Artifacts     []ManifestEntry `json:"artifacts"`
	SchemaVersion string          `json:"schema_version"`
}

// BasisEntry lists one normative artifact in bundle_digest_basis.json.
type BasisEntry struct {
	ContentHash ir.ContentHash `json:"content_hash"`
	Name        string         `json:"name"`
}

// DigestBasis covers the normative artifacts only.
type DigestBasis struct {
	Artifacts     []BasisEntry `json:"artifacts"`
	SchemaVersion string       `json:"schema_version"`
}

// Bundle is an immutable set of artifacts plus the metadata that binds them.
type Bundle struct {
	Artifacts     map[string]Artifact
	Manifest      Manifest
	ManifestBytes []byte
	BasisBytes    []byte
	Digest        ir.ContentHash
}

// ArtifactHash is the content hash every artifact is listed under.
func ArtifactHash(content []byte) ir.ContentHash {
	return ir.CanonicalHash(ir.DomainBundleArtifact, content)
}

// Build hashes the inputs and derives the manifest, basis and digest.
func Build(inputs []Input) (*Bundle, error) {
	artifacts := make(map[string]Artifact, len(inputs))
	for _, in := range inputs {
		if err := validName(in.Name); err != nil {
			return nil, err
		}
		if _, dup := artifacts[in.Name]; dup {
			return nil, fmt.Errorf("bundle: duplicate artifact %s", in.Name)
		}
		h := ArtifactHash(in.Content)
		if in.Precomputed != "" && in.Precomputed != h {
			return nil, &BuildError{Name: in.Name, Expected: string(in.Precomputed), Computed: string(h)}
		}
		artifacts[in.Name] = Artifact{
			Name:        in.Name,
			Content:     bytes.Clone(in.Content),
			ContentHash: h,
			Normative:   in.Normative,
		}
	}
	return assemble(artifacts)
}

func assemble(artifacts map[string]Artifact) (*Bundle, error) {
	manifest, basis := describe(artifacts)
	manifestBytes, err := ir.MarshalCanonical(manifest)
	if err != nil {
		return nil, fmt.Errorf("bundle: manifest: %w", err)
	}
	basisBytes, err := ir.MarshalCanonical(basis)
	if err != nil {
		return nil, fmt.Errorf("bundle: digest basis: %w", err)
	}
	return &Bundle{
		Artifacts:     artifacts,
		Manifest:      manifest,
		ManifestBytes: manifestBytes,
		BasisBytes:    basisBytes,
		Digest:        ir.CanonicalHash(ir.DomainBundleDigest, basisBytes),
	}, nil
}

// describe derives the manifest and basis from artifact hashes as recorded.
// Verify calls it again to catch artifacts that were edited after Build.
func describe(artifacts map[string]Artifact) (Manifest, DigestBasis) {
	m := Manifest{Artifacts: []ManifestEntry{}, SchemaVersion: ManifestSchemaVersion}
	b := DigestBasis{Artifacts: []BasisEntry{}, SchemaVersion: BasisSchemaVersion}
	for _, name := range slices.Sorted(maps.Keys(artifacts)) {
		a := artifacts[name]
		m.Artifacts = append(m.Artifacts, ManifestEntry{ContentHash: a.ContentHash, Name: name, Normative: a.Normative})
		if a.Normative {
			b.Artifacts = append(b.Artifacts, BasisEntry{ContentHash: a.ContentHash, Name: name})
		}
	}
	return m, b
}

func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("bundle: empty artifact name")
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return fmt.Errorf("bundle: artifact name %q is not a plain file name", name)
	case strings.HasPrefix(name, tmpPrefix):
		return fmt.Errorf("bundle: artifact name %q uses the reserved %s prefix", name, tmpPrefix)
	case name == FileManifest || name == FileDigestBasis || name == FileDigest:
		return fmt.Errorf("bundle: artifact name %q is reserved for metadata", name)
	}
	return nil
}

// Names returns the artifact names in sorted order.
func (b *Bundle) Names() []string {
	return slices.Sorted(maps.Keys(b.Artifacts))
}

// Content returns an artifact's bytes.
func (b *Bundle) Content(name string) ([]byte, bool) {
	a, ok := b.Artifacts[name]
	if !ok {
		return nil, false
	}
	return a.Content, true
}

// Has reports whether the bundle carries name.
func (b *Bundle) Has(name string) bool {
	_, ok := b.Artifacts[name]
	return ok
}
