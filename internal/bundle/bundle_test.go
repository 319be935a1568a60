package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
)

func sampleInputs() []Input {
	return []Input{
		{Name: NamePolicySnapshot, Content: []byte(`{"schema_version":"policy.v1"}`), Normative: true},
		{Name: NameFixture, Content: []byte(`{"world_id":"w"}`), Normative: true},
		{Name: NameTrace, Content: []byte("observational bytes"), Normative: false},
	}
}

func mustBuild(t *testing.T, inputs []Input) *Bundle {
	t.Helper()
	b, err := Build(inputs)
	require.NoError(t, err)
	return b
}

// withContent returns a copy of b whose artifact name holds content. When
// rehash is set the recorded hash follows the content.
func withContent(b *Bundle, name string, content []byte, rehash bool) *Bundle {
	out := *b
	out.Artifacts = make(map[string]Artifact, len(b.Artifacts))
	for k, a := range b.Artifacts {
		out.Artifacts[k] = a
	}
	a := out.Artifacts[name]
	a.Name = name
	a.Content = content
	if rehash {
		a.ContentHash = ArtifactHash(content)
	}
	out.Artifacts[name] = a
	return &out
}

func TestBuild(t *testing.T) {
	b := mustBuild(t, sampleInputs())

	assert.Equal(t, []string{NameFixture, NamePolicySnapshot, NameTrace}, b.Names())
	assert.Equal(t,
		`{"artifacts":[`+
			`{"content_hash":"`+string(ArtifactHash([]byte(`{"world_id":"w"}`)))+`","name":"fixture.json","normative":true},`+
			`{"content_hash":"`+string(ArtifactHash([]byte(`{"schema_version":"policy.v1"}`)))+`","name":"policy_snapshot.json","normative":true},`+
			`{"content_hash":"`+string(ArtifactHash([]byte("observational bytes")))+`","name":"trace.bst1","normative":false}`+
			`],"schema_version":"bundle.v1"}`,
		string(b.ManifestBytes))
	assert.NotContains(t, string(b.BasisBytes), NameTrace)
	assert.Equal(t, ir.CanonicalHash(ir.DomainBundleDigest, b.BasisBytes), b.Digest)
	require.NoError(t, Verify(b, Lenient))
}

func TestBuildIsDeterministic(t *testing.T) {
	first := mustBuild(t, sampleInputs())
	for range 10 {
		inputs := sampleInputs()
		// Input order must not matter.
		inputs[0], inputs[2] = inputs[2], inputs[0]
		b := mustBuild(t, inputs)
		assert.Equal(t, first.Digest, b.Digest)
		assert.Equal(t, first.ManifestBytes, b.ManifestBytes)
	}
}

func TestDigestIgnoresNonNormativeArtifacts(t *testing.T) {
	base := mustBuild(t, sampleInputs())

	inputs := sampleInputs()
	inputs[2].Content = []byte("different envelope")
	changed := mustBuild(t, inputs)
	assert.Equal(t, base.Digest, changed.Digest)
	assert.NotEqual(t, base.ManifestBytes, changed.ManifestBytes)

	inputs = sampleInputs()
	inputs[1].Content = []byte(`{"world_id":"x"}`)
	changed = mustBuild(t, inputs)
	assert.NotEqual(t, base.Digest, changed.Digest)
}

func TestBuildRejects(t *testing.T) {
	t.Run("precomputed mismatch", func(t *testing.T) {
		inputs := sampleInputs()
		inputs[0].Precomputed = ArtifactHash([]byte("something else"))
		_, err := Build(inputs)
		var be *BuildError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, NamePolicySnapshot, be.Name)
	})
	t.Run("precomputed match", func(t *testing.T) {
		inputs := sampleInputs()
		inputs[0].Precomputed = ArtifactHash(inputs[0].Content)
		_, err := Build(inputs)
		require.NoError(t, err)
	})
	for _, name := range []string{"", "a/b.json", "..", FileManifest, FileDigest, ".tmp_x"} {
		t.Run("name "+name, func(t *testing.T) {
			_, err := Build([]Input{{Name: name, Content: []byte("x")}})
			require.Error(t, err)
		})
	}
	t.Run("duplicate", func(t *testing.T) {
		inputs := append(sampleInputs(), sampleInputs()[0])
		_, err := Build(inputs)
		require.ErrorContains(t, err, "duplicate")
	})
}

func TestVerifyMetadataChecks(t *testing.T) {
	base := mustBuild(t, sampleInputs())

	indent := func(data []byte) []byte {
		var buf bytes.Buffer
		require.NoError(t, json.Indent(&buf, data, "", "  "))
		return buf.Bytes()
	}

	tests := []struct {
		name  string
		edit  func() *Bundle
		code  VerifyErrorCode
		check int
	}{
		{
			name:  "content edited in place",
			edit:  func() *Bundle { return withContent(base, NameFixture, []byte(`{"world_id":"v"}`), false) },
			code:  ErrCodeContentHashMismatch,
			check: 1,
		},
		{
			name:  "content and hash edited",
			edit:  func() *Bundle { return withContent(base, NameFixture, []byte(`{"world_id":"v"}`), true) },
			code:  ErrCodeManifestMismatch,
			check: 2,
		},
		{
			name: "artifact added after build",
			edit: func() *Bundle {
				return withContent(base, NameScorer, []byte(`{}`), true)
			},
			code:  ErrCodeManifestMismatch,
			check: 2,
		},
		{
			name: "manifest reformatted",
			edit: func() *Bundle {
				out := *base
				out.ManifestBytes = indent(base.ManifestBytes)
				return &out
			},
			code:  ErrCodeManifestNotCanonical,
			check: 3,
		},
		{
			name: "basis from another bundle",
			edit: func() *Bundle {
				other := mustBuild(t, sampleInputs()[:1])
				out := *base
				out.BasisBytes = other.BasisBytes
				return &out
			},
			code:  ErrCodeBasisMismatch,
			check: 4,
		},
		{
			name: "basis reformatted",
			edit: func() *Bundle {
				out := *base
				out.BasisBytes = indent(base.BasisBytes)
				return &out
			},
			code:  ErrCodeBasisNotCanonical,
			check: 5,
		},
		{
			name: "digest replaced",
			edit: func() *Bundle {
				out := *base
				out.Digest = ArtifactHash([]byte("x"))
				return &out
			},
			code:  ErrCodeDigestMismatch,
			check: 6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.edit(), Lenient)
			require.Error(t, err)
			assert.True(t, IsVerifyError(err, tt.code), "got %v", err)
			var ve *VerifyError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.check, ve.Check)
		})
	}
}

func TestVerifyRequiresCanonicalNormativeJSON(t *testing.T) {
	inputs := sampleInputs()
	inputs[1].Content = []byte(`{"world_id": "w"}`)
	err := Verify(mustBuild(t, inputs), Lenient)
	assert.True(t, IsVerifyError(err, ErrCodeArtifactNotCanonical), "got %v", err)

	// Non-normative artifacts are not held to canonical form.
	inputs = sampleInputs()
	inputs = append(inputs, Input{Name: "notes.json", Content: []byte(`{ "b": 1, "a": 2 }`)})
	require.NoError(t, Verify(mustBuild(t, inputs), Lenient))
}

func reportBytes(t *testing.T, r Report) []byte {
	t.Helper()
	r.SchemaVersion = ReportSchemaVersion
	data, err := r.CanonicalBytes()
	require.NoError(t, err)
	return data
}

func TestVerifyReportBindings(t *testing.T) {
	policy := []byte(`{"schema_version":"policy.v1"}`)
	scorer := []byte(`{"schema_version":"table_scorer.v1"}`)

	tests := []struct {
		name   string
		report Report
		extra  []Input
		code   VerifyErrorCode
	}{
		{
			name:   "matching policy digest",
			report: Report{PolicyDigest: ArtifactHash(policy)},
		},
		{
			name:   "policy digest missing",
			report: Report{},
			code:   ErrCodeReportFieldMissing,
		},
		{
			name:   "policy digest wrong",
			report: Report{PolicyDigest: ArtifactHash([]byte("other"))},
			code:   ErrCodePolicyDigest,
		},
		{
			name:   "mode search without graph",
			report: Report{PolicyDigest: ArtifactHash(policy), Mode: ModeSearch},
			code:   ErrCodeGraphMissing,
		},
		{
			name:   "scorer digest without scorer",
			report: Report{PolicyDigest: ArtifactHash(policy), ScorerDigest: ArtifactHash(scorer)},
			code:   ErrCodeScorerMissing,
		},
		{
			name:   "scorer without digest",
			report: Report{PolicyDigest: ArtifactHash(policy)},
			extra:  []Input{{Name: NameScorer, Content: scorer, Normative: true}},
			code:   ErrCodeScorerDigestMissing,
		},
		{
			name:   "scorer digest wrong",
			report: Report{PolicyDigest: ArtifactHash(policy), ScorerDigest: ArtifactHash(policy)},
			extra:  []Input{{Name: NameScorer, Content: scorer, Normative: true}},
			code:   ErrCodeScorerDigest,
		},
		{
			name:   "scorer bound",
			report: Report{PolicyDigest: ArtifactHash(policy), ScorerDigest: ArtifactHash(scorer)},
			extra:  []Input{{Name: NameScorer, Content: scorer, Normative: true}},
		},
		{
			name:   "tape digest without tape",
			report: Report{PolicyDigest: ArtifactHash(policy), TapeDigest: ArtifactHash(policy)},
			code:   ErrCodeTapeMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs := []Input{
				{Name: NamePolicySnapshot, Content: policy, Normative: true},
				{Name: NameReport, Content: reportBytes(t, tt.report), Normative: true},
			}
			err := Verify(mustBuild(t, append(inputs, tt.extra...)), Lenient)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			assert.True(t, IsVerifyError(err, tt.code), "got %v", err)
		})
	}
}

func TestVerifyRejectsMalformedReport(t *testing.T) {
	b := mustBuild(t, []Input{{Name: NameReport, Content: []byte(`{"schema_version":"verification_report.v0"}`), Normative: true}})
	err := Verify(b, Lenient)
	assert.True(t, IsVerifyError(err, ErrCodeReportParse), "got %v", err)
}

func TestStrictRequiresConceptRegistry(t *testing.T) {
	b := mustBuild(t, sampleInputs())
	require.NoError(t, Verify(b, Lenient))
	err := Verify(b, Strict)
	assert.True(t, IsVerifyError(err, ErrCodeConceptRegistry), "got %v", err)
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("strict")
	require.NoError(t, err)
	assert.Equal(t, Strict, p)
	p, err = ParseProfile("lenient")
	require.NoError(t, err)
	assert.Equal(t, Lenient, p)
	_, err = ParseProfile("certified")
	require.Error(t, err)
}
