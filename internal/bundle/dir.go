package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/keel/internal/ir"
)

// tmpPrefix marks in-progress directories and files. ReadDir ignores them.
const tmpPrefix = ".tmp_"

// WriteDir writes b into a sibling temporary directory and renames it to
// dir, so dir either holds the complete bundle or does not exist. dir must
// not exist yet.
func WriteDir(b *Bundle, dir string) (err error) {
	if _, statErr := os.Stat(dir); statErr == nil {
		return fmt.Errorf("bundle: %s already exists", dir)
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("bundle: %w", statErr)
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, tmpPrefix+filepath.Base(dir)+"-")
	if err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmp)
		}
	}()

	files := map[string][]byte{
		FileManifest:    b.ManifestBytes,
		FileDigestBasis: b.BasisBytes,
		FileDigest:      []byte(string(b.Digest) + "\n"),
	}
	for name, a := range b.Artifacts {
		files[name] = a.Content
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0o644); err != nil {
			return fmt.Errorf("bundle: write %s: %w", name, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	slog.Debug("bundle written", "dir", dir, "digest", b.Digest, "artifacts", len(b.Artifacts))
	return nil
}

// ReadDir loads a bundle directory and re-verifies every byte: each
// artifact against its manifest hash, and the manifest, basis and digest
// files against values recomputed from the artifacts.
func ReadDir(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ReadError{Code: ErrCodeIO, Message: err.Error(), Err: err}
	}

	meta := make(map[string][]byte, 3)
	for _, name := range []string{FileManifest, FileDigestBasis, FileDigest} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			e := readErr(ErrCodeMissingMetadata, "%s is missing", name)
			e.Details = map[string]string{"file": name}
			return nil, e
		case err != nil:
			return nil, &ReadError{Code: ErrCodeIO, Message: err.Error(), Err: err}
		}
		meta[name] = data
	}

	var m Manifest
	if err := ir.DecodeStrict(meta[FileManifest], &m); err != nil {
		return nil, readErr(ErrCodeManifestParse, "%s: %v", FileManifest, err)
	}
	if m.SchemaVersion != ManifestSchemaVersion {
		return nil, readErr(ErrCodeManifestVersion, "%s schema_version %q, want %q", FileManifest, m.SchemaVersion, ManifestSchemaVersion)
	}
	listed := make(map[string]ManifestEntry, len(m.Artifacts))
	for i, e := range m.Artifacts {
		if err := validName(e.Name); err != nil {
			return nil, readErr(ErrCodeManifestEntryInvalid, "entry %d: %v", i, err)
		}
		if _, err := ir.ParseContentHash(string(e.ContentHash)); err != nil {
			return nil, readErr(ErrCodeManifestEntryInvalid, "entry %s: %v", e.Name, err)
		}
		if i > 0 && m.Artifacts[i-1].Name >= e.Name {
			return nil, readErr(ErrCodeManifestEntryInvalid, "entry %s is out of order or duplicated", e.Name)
		}
		listed[e.Name] = e
	}

	artifacts := make(map[string]Artifact, len(listed))
	for _, e := range m.Artifacts {
		data, err := os.ReadFile(filepath.Join(dir, e.Name))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			re := readErr(ErrCodeMissingArtifact, "%s is listed but missing", e.Name)
			re.Details = map[string]string{"artifact": e.Name}
			return nil, re
		case err != nil:
			return nil, &ReadError{Code: ErrCodeIO, Message: err.Error(), Err: err}
		}
		artifacts[e.Name] = Artifact{Name: e.Name, Content: data, ContentHash: e.ContentHash, Normative: e.Normative}
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		if _, ok := meta[name]; ok {
			continue
		}
		if _, ok := listed[name]; ok && !entry.IsDir() {
			continue
		}
		re := readErr(ErrCodeExtraFile, "%s is not listed in %s", name, FileManifest)
		re.Details = map[string]string{"file": name}
		return nil, re
	}

	for _, e := range m.Artifacts {
		if got := ArtifactHash(artifacts[e.Name].Content); got != e.ContentHash {
			re := readErr(ErrCodeReadDigestMismatch, "%s hashes to %s, manifest lists %s", e.Name, got, e.ContentHash)
			re.Details = map[string]string{"artifact": e.Name, "expected": string(e.ContentHash), "actual": string(got)}
			return nil, re
		}
	}
	b, err := assemble(artifacts)
	if err != nil {
		return nil, readErr(ErrCodeManifestParse, "%v", err)
	}
	for _, f := range []struct {
		name string
		want []byte
	}{
		{FileManifest, b.ManifestBytes},
		{FileDigestBasis, b.BasisBytes},
		{FileDigest, []byte(string(b.Digest) + "\n")},
	} {
		if !bytes.Equal(meta[f.name], f.want) {
			re := readErr(ErrCodeReadDigestMismatch, "%s does not match the recomputed value", f.name)
			re.Details = map[string]string{"file": f.name}
			return nil, re
		}
	}
	return b, nil
}
