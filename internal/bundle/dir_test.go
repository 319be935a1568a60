package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSample(t *testing.T) (string, *Bundle) {
	t.Helper()
	b := mustBuild(t, sampleInputs())
	dir := filepath.Join(t.TempDir(), "bundle")
	require.NoError(t, WriteDir(b, dir))
	return dir, b
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir, b := writeSample(t)

	got, err := ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, b.Digest, got.Digest)
	assert.Equal(t, b.ManifestBytes, got.ManifestBytes)
	assert.Equal(t, b.Artifacts, got.Artifacts)
	require.NoError(t, Verify(got, Lenient))

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary directory may survive")

	digest, err := os.ReadFile(filepath.Join(dir, FileDigest))
	require.NoError(t, err)
	assert.Equal(t, string(b.Digest)+"\n", string(digest))
}

func TestWriteDirRefusesExisting(t *testing.T) {
	dir, b := writeSample(t)
	require.Error(t, WriteDir(b, dir))
}

func TestReadDirErrors(t *testing.T) {
	tests := []struct {
		name string
		edit func(t *testing.T, dir string)
		code ReadErrorCode
	}{
		{
			name: "missing metadata",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, FileDigestBasis)))
			},
			code: ErrCodeMissingMetadata,
		},
		{
			name: "manifest parse",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, FileManifest), []byte("{"), 0o644))
			},
			code: ErrCodeManifestParse,
		},
		{
			name: "manifest version",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, FileManifest),
					[]byte(`{"artifacts":[],"schema_version":"bundle.v0"}`), 0o644))
			},
			code: ErrCodeManifestVersion,
		},
		{
			name: "manifest entry invalid",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, FileManifest),
					[]byte(`{"artifacts":[{"content_hash":"md5:00","name":"fixture.json","normative":true}],"schema_version":"bundle.v1"}`), 0o644))
			},
			code: ErrCodeManifestEntryInvalid,
		},
		{
			name: "missing artifact",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, NameFixture)))
			},
			code: ErrCodeMissingArtifact,
		},
		{
			name: "extra file",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.json"), []byte("{}"), 0o644))
			},
			code: ErrCodeExtraFile,
		},
		{
			name: "artifact edited",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, NameFixture), []byte(`{"world_id":"v"}`), 0o644))
			},
			code: ErrCodeReadDigestMismatch,
		},
		{
			name: "non-normative artifact edited",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, NameTrace), []byte("other"), 0o644))
			},
			code: ErrCodeReadDigestMismatch,
		},
		{
			name: "digest file edited",
			edit: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, FileDigest), []byte("sha256:00\n"), 0o644))
			},
			code: ErrCodeReadDigestMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, _ := writeSample(t)
			tt.edit(t, dir)
			_, err := ReadDir(dir)
			require.Error(t, err)
			assert.True(t, IsReadError(err, tt.code), "got %v", err)
		})
	}
}

func TestReadDirIgnoresTemporaryFiles(t *testing.T) {
	dir, b := writeSample(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, tmpPrefix+"partial"), []byte("x"), 0o644))
	got, err := ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, b.Digest, got.Digest)
}

func TestReadDirMissingDirectory(t *testing.T) {
	_, err := ReadDir(filepath.Join(t.TempDir(), "absent"))
	assert.True(t, IsReadError(err, ErrCodeIO), "got %v", err)
}
