package bundle

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
	"github.com/roach88/keel/internal/search"
	"github.com/roach88/keel/internal/tape"
	"github.com/roach88/keel/internal/trace"
)

// Verify runs the numbered check pipeline and returns the first failure as
// a *VerifyError. Checks that need an artifact the bundle does not carry
// are skipped unless the profile makes that artifact mandatory.
func Verify(b *Bundle, profile Profile) error {
	v := &verifier{b: b, profile: profile}
	steps := []func() error{
		v.contentHashes,       // 1
		v.manifestRecompute,   // 2
		v.manifestCanonical,   // 3
		v.basisRecompute,      // 4
		v.basisCanonical,      // 5
		v.digest,              // 6
		v.normativeCanonical,  // 7
		v.traceBinding,        // 8
		v.policyDigest,        // 9
		v.graphDigest,         // 10
		v.modeCoherence,       // 11
		v.metadataBindings,    // 12
		v.compilationManifest, // 13
		v.conceptRegistry,     // 14
		v.compileReplay,       // 15
		v.reportScorer,        // 16
		v.graphScorer,         // 17
		v.scoreSources,        // 18
		v.reportOperatorSet,   // 19
		v.graphOperatorSet,    // 20
		v.tape,                // 21
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

type verifier struct {
	b       *Bundle
	profile Profile

	report   *Report
	graph    *search.Graph
	manifest *carrier.Manifest
	trace    *trace.Trace
	ops      *operator.Registry
}

func (v *verifier) content(name string) ([]byte, bool) { return v.b.Content(name) }

func (v *verifier) hashOf(name string) ir.ContentHash {
	a, ok := v.b.Artifacts[name]
	if !ok {
		return ""
	}
	return a.ContentHash
}

// 1
func (v *verifier) contentHashes() error {
	for _, name := range v.b.Names() {
		a := v.b.Artifacts[name]
		if got := ArtifactHash(a.Content); got != a.ContentHash {
			return verifyErr(1, ErrCodeContentHashMismatch, "artifact %s hashes to %s, recorded %s", name, got, a.ContentHash).
				with("artifact", name, "expected", string(a.ContentHash), "actual", string(got))
		}
	}
	return nil
}

// 2
func (v *verifier) manifestRecompute() error {
	want, _ := describe(v.b.Artifacts)
	var got Manifest
	if err := json.Unmarshal(v.b.ManifestBytes, &got); err != nil {
		return verifyErr(2, ErrCodeManifestMismatch, "bundle manifest does not parse: %v", err)
	}
	if got.SchemaVersion != want.SchemaVersion || !slices.Equal(got.Artifacts, want.Artifacts) {
		return verifyErr(2, ErrCodeManifestMismatch, "bundle manifest does not match the artifacts")
	}
	return nil
}

// 3
func (v *verifier) manifestCanonical() error {
	if !ir.IsCanonical(v.b.ManifestBytes) {
		return verifyErr(3, ErrCodeManifestNotCanonical, "bundle manifest is not canonical JSON")
	}
	return nil
}

// 4
func (v *verifier) basisRecompute() error {
	_, want := describe(v.b.Artifacts)
	var got DigestBasis
	if err := json.Unmarshal(v.b.BasisBytes, &got); err != nil {
		return verifyErr(4, ErrCodeBasisMismatch, "digest basis does not parse: %v", err)
	}
	if got.SchemaVersion != want.SchemaVersion || !slices.Equal(got.Artifacts, want.Artifacts) {
		return verifyErr(4, ErrCodeBasisMismatch, "digest basis does not match the normative artifacts")
	}
	return nil
}

// 5
func (v *verifier) basisCanonical() error {
	if !ir.IsCanonical(v.b.BasisBytes) {
		return verifyErr(5, ErrCodeBasisNotCanonical, "digest basis is not canonical JSON")
	}
	return nil
}

// 6
func (v *verifier) digest() error {
	got := ir.CanonicalHash(ir.DomainBundleDigest, v.b.BasisBytes)
	if got != v.b.Digest {
		return verifyErr(6, ErrCodeDigestMismatch, "bundle digest %s, basis hashes to %s", v.b.Digest, got).
			with("expected", string(v.b.Digest), "actual", string(got))
	}
	return nil
}

// 7
func (v *verifier) normativeCanonical() error {
	for _, name := range v.b.Names() {
		a := v.b.Artifacts[name]
		if !a.Normative || !strings.HasSuffix(name, ".json") {
			continue
		}
		if !ir.IsCanonical(a.Content) {
			return verifyErr(7, ErrCodeArtifactNotCanonical, "normative artifact %s is not canonical JSON", name).
				with("artifact", name)
		}
	}
	if data, ok := v.content(NameReport); ok {
		r, err := ParseReport(data)
		if err != nil {
			return verifyErr(7, ErrCodeReportParse, "%v", err).with("artifact", NameReport)
		}
		v.report = r
	}
	return nil
}

// 8
func (v *verifier) traceBinding() error {
	data, ok := v.content(NameTrace)
	if !ok || v.report == nil {
		return nil
	}
	tr, _, err := trace.Decode(data)
	if err != nil {
		return verifyErr(8, ErrCodeTraceParse, "%v", err).with("artifact", NameTrace)
	}
	v.trace = tr
	if v.report.PayloadHash == "" || v.report.StepChainDigest == "" {
		return verifyErr(8, ErrCodeReportFieldMissing, "report lacks payload_hash or step_chain_digest for %s", NameTrace)
	}
	if got := tr.PayloadHash(); got != v.report.PayloadHash {
		return verifyErr(8, ErrCodePayloadHash, "trace payload hashes to %s, report says %s", got, v.report.PayloadHash).
			with("expected", string(v.report.PayloadHash), "actual", string(got))
	}
	if got := tr.StepChainDigest(); got != v.report.StepChainDigest {
		return verifyErr(8, ErrCodeStepChain, "trace step chain ends at %s, report says %s", got, v.report.StepChainDigest).
			with("expected", string(v.report.StepChainDigest), "actual", string(got))
	}
	if !v.profile.strict() {
		return nil
	}
	regData, ok := v.content(NameOperatorRegistry)
	if !ok {
		return verifyErr(8, ErrCodeOperatorSetMissing, "%s is required to replay %s", NameOperatorRegistry, NameTrace)
	}
	ops, err := operator.ParseRegistry(regData)
	if err != nil {
		return verifyErr(8, ErrCodeTraceReplay, "%v", err)
	}
	// Replay itself waits for check 15, which compiles the initial state.
	v.ops = ops
	return nil
}

// 9
func (v *verifier) policyDigest() error {
	if v.report == nil || !v.b.Has(NamePolicySnapshot) {
		return nil
	}
	want := v.hashOf(NamePolicySnapshot)
	switch v.report.PolicyDigest {
	case "":
		return verifyErr(9, ErrCodeReportFieldMissing, "report lacks policy_digest")
	case want:
		return nil
	}
	return verifyErr(9, ErrCodePolicyDigest, "report policy_digest %s, %s hashes to %s", v.report.PolicyDigest, NamePolicySnapshot, want).
		with("expected", string(want), "actual", string(v.report.PolicyDigest))
}

// 10
func (v *verifier) graphDigest() error {
	data, ok := v.content(NameSearchGraph)
	if !ok {
		return nil
	}
	g, err := search.ParseGraph(data)
	if err != nil {
		return verifyErr(10, ErrCodeGraphParse, "%v", err).with("artifact", NameSearchGraph)
	}
	v.graph = g
	if v.report == nil {
		return nil
	}
	want := v.hashOf(NameSearchGraph)
	switch v.report.SearchGraphDigest {
	case "":
		return verifyErr(10, ErrCodeGraphDigestMissing, "report lacks search_graph_digest")
	case want:
		return nil
	}
	return verifyErr(10, ErrCodeGraphDigest, "report search_graph_digest %s, %s hashes to %s", v.report.SearchGraphDigest, NameSearchGraph, want).
		with("expected", string(want), "actual", string(v.report.SearchGraphDigest))
}

// 11
func (v *verifier) modeCoherence() error {
	if v.report == nil {
		return nil
	}
	if v.report.Mode == ModeSearch && v.graph == nil {
		return verifyErr(11, ErrCodeGraphMissing, "report mode is search but %s is missing", NameSearchGraph)
	}
	if v.graph == nil {
		return nil
	}
	switch v.report.Mode {
	case "":
		return verifyErr(11, ErrCodeModeMissing, "bundle carries %s but the report has no mode", NameSearchGraph)
	case ModeSearch:
		return nil
	}
	return verifyErr(11, ErrCodeModeSearchExpected, "bundle carries %s but report mode is %q", NameSearchGraph, v.report.Mode)
}

func bindingMissing(check int, field string) *VerifyError {
	return verifyErr(check, ErrCodeBindingMissing, "%s is not bound", field).with("field", field)
}

func bindingMismatch(check int, field, expected, actual string) *VerifyError {
	return verifyErr(check, ErrCodeBindingMismatch, "%s is %q, want %q", field, actual, expected).
		with("field", field, "expected", expected, "actual", actual)
}

// 12
func (v *verifier) metadataBindings() error {
	if v.graph == nil {
		return nil
	}
	md := v.graph.Metadata

	if v.b.Has(NamePolicySnapshot) {
		want := v.hashOf(NamePolicySnapshot).Hex()
		switch md.PolicySnapshotDigest {
		case "":
			return bindingMissing(12, "policy_snapshot_digest")
		case want:
		default:
			return bindingMismatch(12, "policy_snapshot_digest", want, md.PolicySnapshotDigest)
		}
	}

	if v.report != nil {
		if md.WorldID == "" || v.report.WorldID == "" {
			return bindingMissing(12, "world_id")
		}
		if md.WorldID != v.report.WorldID {
			return bindingMismatch(12, "world_id", v.report.WorldID, md.WorldID)
		}
	}

	switch {
	case md.FixtureDigest != "":
		if !v.b.Has(NameFixture) {
			return verifyErr(12, ErrCodeBindingMissing, "graph binds fixture_digest but %s is missing", NameFixture).
				with("field", "fixture_digest")
		}
		if want := v.hashOf(NameFixture).Hex(); md.FixtureDigest != want {
			return bindingMismatch(12, "fixture_digest", want, md.FixtureDigest)
		}
	case v.profile.strict():
		return bindingMissing(12, "fixture_digest")
	}
	if v.report != nil && v.report.FixtureDigest != "" {
		if want := v.hashOf(NameFixture); v.report.FixtureDigest != want {
			return bindingMismatch(12, "report.fixture_digest", string(want), string(v.report.FixtureDigest))
		}
	}

	if data, ok := v.content(NamePolicySnapshot); ok {
		embedded, err := embeddedSearchPolicy(data)
		if err != nil {
			return verifyErr(12, ErrCodeBindingMismatch, "%s: %v", NamePolicySnapshot, err).with("field", "search_policy")
		}
		switch {
		case embedded != nil:
			want := ir.CanonicalHash(ir.DomainSearchPolicy, embedded).Hex()
			if md.SearchPolicyDigest != want {
				return bindingMismatch(12, "search_policy_digest", want, md.SearchPolicyDigest)
			}
		case v.profile.strict():
			return verifyErr(12, ErrCodeBindingMissing, "%s embeds no search_policy", NamePolicySnapshot).
				with("field", "search_policy")
		}
	}
	return nil
}

// embeddedSearchPolicy returns the canonical bytes of the policy snapshot's
// search_policy object, or nil when the snapshot has none.
func embeddedSearchPolicy(snapshot []byte) ([]byte, error) {
	var view struct {
		SearchPolicy json.RawMessage `json:"search_policy"`
	}
	if err := json.Unmarshal(snapshot, &view); err != nil {
		return nil, err
	}
	if len(view.SearchPolicy) == 0 {
		return nil, nil
	}
	return ir.Recanonicalize(view.SearchPolicy)
}

// fixtureView is the part of fixture.json the verifier reads.
type fixtureView struct {
	Dimensions struct {
		LayerCount int `json:"layer_count"`
		SlotCount  int `json:"slot_count"`
	} `json:"dimensions"`
	InitialPayloadHex string `json:"initial_payload_hex"`
}

func (v *verifier) fixturePayload(check int) (fixtureView, []byte, error) {
	fx, payload, err := readFixture(v.b)
	if err != nil {
		return fx, nil, verifyErr(check, ErrCodeCompilationManifest, "%v", err)
	}
	return fx, payload, nil
}

func readFixture(b *Bundle) (fixtureView, []byte, error) {
	var fx fixtureView
	data, ok := b.Content(NameFixture)
	if !ok {
		return fx, nil, fmt.Errorf("%s is missing", NameFixture)
	}
	if err := json.Unmarshal(data, &fx); err != nil {
		return fx, nil, fmt.Errorf("%s: %w", NameFixture, err)
	}
	payload, err := hex.DecodeString(fx.InitialPayloadHex)
	if err != nil {
		return fx, nil, fmt.Errorf("%s initial_payload_hex: %w", NameFixture, err)
	}
	return fx, payload, nil
}

// compileInitial recompiles the fixture payload against the bundle's
// concept registry and the schema m names.
func compileInitial(b *Bundle, m carrier.Manifest) (*carrier.CompilationResult, error) {
	regData, _ := b.Content(NameConceptRegistry)
	reg, err := carrier.ParseRegistry(regData)
	if err != nil {
		return nil, err
	}
	fx, payload, err := readFixture(b)
	if err != nil {
		return nil, err
	}
	schema, err := carrier.NewSchemaDescriptor(m.SchemaID, m.SchemaVersion,
		fx.Dimensions.LayerCount, fx.Dimensions.SlotCount)
	if err != nil {
		return nil, err
	}
	if schema.Hash != m.SchemaHash {
		return nil, fmt.Errorf("fixture dimensions give schema hash %s, manifest says %s", schema.Hash, m.SchemaHash)
	}
	return carrier.Compile(payload, schema, reg)
}

// InitialState recompiles the state a bundle's program started from. Trace
// replay binds frame 0 to it.
func InitialState(b *Bundle) (*carrier.State, error) {
	data, ok := b.Content(NameCompilationManifest)
	if !ok {
		return nil, fmt.Errorf("initial state: %s is missing", NameCompilationManifest)
	}
	m, err := carrier.ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("initial state: %w", err)
	}
	res, err := compileInitial(b, m)
	if err != nil {
		return nil, fmt.Errorf("initial state: %w", err)
	}
	return res.State, nil
}

// 13
func (v *verifier) compilationManifest() error {
	data, ok := v.content(NameCompilationManifest)
	if !ok {
		if v.graph != nil {
			return verifyErr(13, ErrCodeCompilationManifest, "search bundle lacks %s", NameCompilationManifest)
		}
		return nil
	}
	m, err := carrier.ParseManifest(data)
	if err != nil {
		return verifyErr(13, ErrCodeCompilationManifest, "%v", err)
	}
	v.manifest = &m

	if v.b.Has(NameFixture) || v.graph != nil {
		_, payload, err := v.fixturePayload(13)
		if err != nil {
			return err
		}
		h, err := carrier.PayloadHash(payload)
		if err != nil {
			return verifyErr(13, ErrCodeCompilationManifest, "fixture payload: %v", err)
		}
		if h != m.PayloadHash {
			return verifyErr(13, ErrCodeCompilationManifest, "fixture payload hashes to %s, manifest says %s", h, m.PayloadHash).
				with("field", "payload_hash", "expected", string(m.PayloadHash), "actual", string(h))
		}
	}

	if v.graph == nil {
		return nil
	}
	md := v.graph.Metadata
	if got := m.SchemaDescriptorString(); got != md.SchemaDescriptor {
		return bindingMismatch(13, "schema_descriptor", got, md.SchemaDescriptor)
	}
	if got := m.RegistryHash.Hex(); got != md.RegistryDigest {
		return bindingMismatch(13, "registry_digest", got, md.RegistryDigest)
	}
	for _, root := range []struct {
		field string
		graph string
		want  ir.ContentHash
	}{
		{"root_identity_digest", md.RootIdentityDigest, m.IdentityDigest},
		{"root_evidence_digest", md.RootEvidenceDigest, m.EvidenceDigest},
	} {
		switch {
		case root.graph == "":
			if v.profile.strict() {
				return bindingMissing(13, root.field)
			}
		case root.graph != root.want.Hex():
			return bindingMismatch(13, root.field, root.want.Hex(), root.graph)
		}
	}
	return nil
}

// 14
func (v *verifier) conceptRegistry() error {
	data, ok := v.content(NameConceptRegistry)
	if !ok {
		if v.profile.strict() {
			return verifyErr(14, ErrCodeConceptRegistry, "%s is required", NameConceptRegistry)
		}
		return nil
	}
	h := ir.CanonicalHash(ir.DomainRegistrySnapshot, data)
	if v.manifest != nil && h != v.manifest.RegistryHash {
		return verifyErr(14, ErrCodeConceptRegistry, "%s hashes to %s, manifest registry_hash is %s", NameConceptRegistry, h, v.manifest.RegistryHash).
			with("expected", string(v.manifest.RegistryHash), "actual", string(h))
	}
	if v.graph != nil && h.Hex() != v.graph.Metadata.RegistryDigest {
		return verifyErr(14, ErrCodeConceptRegistry, "%s hashes to %s, graph registry_digest is %s", NameConceptRegistry, h.Hex(), v.graph.Metadata.RegistryDigest).
			with("expected", v.graph.Metadata.RegistryDigest, "actual", h.Hex())
	}
	return nil
}

// 15
func (v *verifier) compileReplay() error {
	if !v.profile.strict() {
		return nil
	}
	if v.manifest == nil {
		return verifyErr(15, ErrCodeCompileReplay, "%s is required", NameCompilationManifest)
	}
	res, err := compileInitial(v.b, *v.manifest)
	if err != nil {
		return verifyErr(15, ErrCodeCompileReplay, "%v", err)
	}
	manifest, _ := v.content(NameCompilationManifest)
	if !bytes.Equal(res.ManifestBytes, manifest) {
		return verifyErr(15, ErrCodeCompileReplay, "recompiled manifest differs from %s", NameCompilationManifest)
	}
	if v.trace == nil {
		return nil
	}
	if !bytes.Equal(v.trace.Frames[0].Snapshot, res.State.EvidenceBytes()) {
		return verifyErr(15, ErrCodeCompileReplay, "trace frame 0 differs from the compiled initial state")
	}
	verdict := trace.ReplayVerify(v.trace, v.ops,
		trace.WithInitialState(res.State),
		trace.WithPayloadHash(v.report.PayloadHash))
	if !verdict.Matched() {
		return verifyErr(15, ErrCodeTraceReplay, "replay diverged at frame %d: %s", verdict.FrameIndex, verdict.Detail).
			with("frame_index", fmt.Sprint(verdict.FrameIndex))
	}
	return nil
}

// 16
func (v *verifier) reportScorer() error {
	if v.report == nil {
		return nil
	}
	has := v.b.Has(NameScorer)
	switch {
	case v.report.ScorerDigest != "" && !has:
		return verifyErr(16, ErrCodeScorerMissing, "report binds scorer_digest but %s is missing", NameScorer)
	case v.report.ScorerDigest == "" && has:
		return verifyErr(16, ErrCodeScorerDigestMissing, "bundle carries %s but the report has no scorer_digest", NameScorer)
	case has:
		if want := v.hashOf(NameScorer); v.report.ScorerDigest != want {
			return verifyErr(16, ErrCodeScorerDigest, "report scorer_digest %s, %s hashes to %s", v.report.ScorerDigest, NameScorer, want).
				with("expected", string(want), "actual", string(v.report.ScorerDigest))
		}
	}
	return nil
}

// 17
func (v *verifier) graphScorer() error {
	if v.graph == nil {
		return nil
	}
	got := v.graph.Metadata.ScorerDigest
	has := v.b.Has(NameScorer)
	switch {
	case got != "" && !has:
		return verifyErr(17, ErrCodeScorerMissing, "graph binds scorer_digest but %s is missing", NameScorer)
	case got == "" && has:
		return verifyErr(17, ErrCodeScorerDigestMissing, "bundle carries %s but the graph has no scorer_digest", NameScorer)
	case has:
		if want := v.hashOf(NameScorer).Hex(); got != want {
			return bindingMismatch(17, "scorer_digest", want, got)
		}
	}
	return nil
}

// 18
func (v *verifier) scoreSources() error {
	if v.graph == nil {
		return nil
	}
	has := v.b.Has(NameScorer)
	want := v.hashOf(NameScorer)
	seen := false
	for _, e := range v.graph.Expansions {
		for _, c := range e.Candidates {
			if c.Score.Source.Kind != search.SourceModelDigest {
				continue
			}
			seen = true
			if !has {
				return verifyErr(18, ErrCodeScorerMissing, "expansion %d scores with model %s but %s is missing",
					e.ExpansionOrder, c.Score.Source.ModelDigest, NameScorer)
			}
			if c.Score.Source.ModelDigest != want {
				return verifyErr(18, ErrCodeScoreSource, "expansion %d candidate %d model digest %s, %s hashes to %s",
					e.ExpansionOrder, c.Index, c.Score.Source.ModelDigest, NameScorer, want).
					with("expected", string(want), "actual", string(c.Score.Source.ModelDigest))
			}
		}
	}
	if !has || seen {
		return nil
	}
	md := v.graph.Metadata
	term := md.Termination
	switch {
	case md.TotalExpansions == 0,
		term.Type == search.TermScorerContractViolation,
		term.Type == search.TermInternalPanic && term.Stage == search.StageScoreCandidates:
		return nil
	}
	return verifyErr(18, ErrCodeScorerEvidenceMissing, "bundle carries %s but no candidate was scored by it", NameScorer)
}

// 19
func (v *verifier) reportOperatorSet() error {
	if v.report == nil {
		return nil
	}
	data, has := v.content(NameOperatorRegistry)
	switch {
	case v.report.OperatorSetDigest != "" && !has:
		return verifyErr(19, ErrCodeOperatorSetMissing, "report binds operator_set_digest but %s is missing", NameOperatorRegistry)
	case v.report.OperatorSetDigest == "" && has:
		return verifyErr(19, ErrCodeReportFieldMissing, "bundle carries %s but the report has no operator_set_digest", NameOperatorRegistry)
	case has:
		if want := operator.DigestOf(data); v.report.OperatorSetDigest != want {
			return verifyErr(19, ErrCodeOperatorSetDigest, "report operator_set_digest %s, %s digests to %s", v.report.OperatorSetDigest, NameOperatorRegistry, want).
				with("expected", string(want), "actual", string(v.report.OperatorSetDigest))
		}
	}
	return nil
}

// 20
func (v *verifier) graphOperatorSet() error {
	if v.graph == nil {
		return nil
	}
	got := v.graph.Metadata.OperatorSetDigest
	data, has := v.content(NameOperatorRegistry)
	switch {
	case got != "" && !has:
		return verifyErr(20, ErrCodeOperatorSetMissing, "graph binds operator_set_digest but %s is missing", NameOperatorRegistry)
	case got == "" && has:
		return bindingMissing(20, "operator_set_digest")
	case has:
		if want := operator.DigestOf(data).Hex(); got != want {
			return bindingMismatch(20, "operator_set_digest", want, got)
		}
	}
	return nil
}

// 21
func (v *verifier) tape() error {
	data, ok := v.content(NameSearchTape)
	if !ok {
		switch {
		case v.report != nil && v.report.TapeDigest != "":
			return verifyErr(21, ErrCodeTapeMissing, "report binds tape_digest but %s is missing", NameSearchTape)
		case v.profile.strict() && v.graph != nil:
			return verifyErr(21, ErrCodeTapeMissing, "%s is required", NameSearchTape)
		}
		return nil
	}
	if v.report == nil || v.report.TapeDigest == "" {
		return verifyErr(21, ErrCodeReportFieldMissing, "bundle carries %s but the report has no tape_digest", NameSearchTape)
	}
	t, err := tape.Read(data)
	if err != nil {
		return verifyErr(21, ErrCodeTapeParse, "%v", err).with("artifact", NameSearchTape)
	}
	if got := t.Digest(); got != v.report.TapeDigest {
		return verifyErr(21, ErrCodeTapeDigest, "tape chain ends at %s, report says %s", got, v.report.TapeDigest).
			with("expected", string(v.report.TapeDigest), "actual", string(got))
	}
	if v.graph == nil {
		return verifyErr(21, ErrCodeGraphMissing, "bundle carries %s but no %s", NameSearchTape, NameSearchGraph)
	}
	if err := bindTapeHeader(t.Header, tape.HeaderFrom(v.graph.Metadata), v.profile); err != nil {
		return err
	}
	if !v.profile.strict() {
		return nil
	}
	rendered, err := tape.Render(t)
	if err != nil {
		return verifyErr(21, ErrCodeTapeParse, "render: %v", err)
	}
	got, err := rendered.CanonicalBytes()
	if err != nil {
		return verifyErr(21, ErrCodeTapeEquivalence, "%v", err)
	}
	want, _ := v.content(NameSearchGraph)
	if !bytes.Equal(got, want) {
		return verifyErr(21, ErrCodeTapeEquivalence, "rendered tape differs from %s at byte %d", NameSearchGraph, firstDiff(got, want))
	}
	return nil
}

func bindTapeHeader(h, g tape.Header, profile Profile) error {
	fields := []struct {
		name        string
		tape, graph string
		mandatory   bool
	}{
		{"world_id", h.WorldID, g.WorldID, true},
		{"schema_descriptor", h.SchemaDescriptor, g.SchemaDescriptor, true},
		{"registry_digest", h.RegistryDigest, g.RegistryDigest, true},
		{"search_policy_digest", h.SearchPolicyDigest, g.SearchPolicyDigest, true},
		{"root_state_fingerprint", h.RootStateFingerprint, g.RootStateFingerprint, true},
		{"policy_snapshot_digest", h.PolicySnapshotDigest, g.PolicySnapshotDigest, true},
		{"dedup_key", string(h.DedupKey), string(g.DedupKey), true},
		{"prune_visited_policy", string(h.PruneVisitedPolicy), string(g.PruneVisitedPolicy), true},
		{"fixture_digest", h.FixtureDigest, g.FixtureDigest, profile.strict()},
		{"root_identity_digest", h.RootIdentityDigest, g.RootIdentityDigest, profile.strict()},
		{"root_evidence_digest", h.RootEvidenceDigest, g.RootEvidenceDigest, profile.strict()},
		{"scorer_digest", h.ScorerDigest, g.ScorerDigest, false},
		{"operator_set_digest", h.OperatorSetDigest, g.OperatorSetDigest, false},
	}
	for _, f := range fields {
		if f.mandatory && f.tape == "" {
			return verifyErr(21, ErrCodeTapeHeaderBinding, "tape header lacks %s", f.name).with("field", f.name)
		}
		if f.tape != f.graph {
			return verifyErr(21, ErrCodeTapeHeaderBinding, "tape header %s is %q, graph has %q", f.name, f.tape, f.graph).
				with("field", f.name, "expected", f.graph, "actual", f.tape)
		}
	}
	return nil
}

func firstDiff(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
