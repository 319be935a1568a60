package bundle

import (
	"errors"
	"fmt"
)

// VerifyErrorCode names the pipeline check that failed.
type VerifyErrorCode string

const (
	ErrCodeContentHashMismatch  VerifyErrorCode = "CONTENT_HASH_MISMATCH"
	ErrCodeManifestMismatch     VerifyErrorCode = "MANIFEST_MISMATCH"
	ErrCodeManifestNotCanonical VerifyErrorCode = "MANIFEST_NOT_CANONICAL"
	ErrCodeBasisMismatch        VerifyErrorCode = "DIGEST_BASIS_MISMATCH"
	ErrCodeBasisNotCanonical    VerifyErrorCode = "DIGEST_BASIS_NOT_CANONICAL"
	ErrCodeDigestMismatch       VerifyErrorCode = "DIGEST_MISMATCH"
	ErrCodeArtifactNotCanonical VerifyErrorCode = "ARTIFACT_NOT_CANONICAL"

	ErrCodeReportParse        VerifyErrorCode = "REPORT_PARSE"
	ErrCodeReportFieldMissing VerifyErrorCode = "REPORT_FIELD_MISSING"
	ErrCodeTraceParse         VerifyErrorCode = "TRACE_PARSE"
	ErrCodePayloadHash        VerifyErrorCode = "PAYLOAD_HASH_MISMATCH"
	ErrCodeStepChain          VerifyErrorCode = "STEP_CHAIN_MISMATCH"
	ErrCodeTraceReplay        VerifyErrorCode = "TRACE_REPLAY_DIVERGENCE"
	ErrCodePolicyDigest       VerifyErrorCode = "POLICY_DIGEST_MISMATCH"
	ErrCodeGraphParse         VerifyErrorCode = "GRAPH_PARSE"
	ErrCodeGraphDigestMissing VerifyErrorCode = "SEARCH_GRAPH_DIGEST_MISSING"
	ErrCodeGraphDigest        VerifyErrorCode = "SEARCH_GRAPH_DIGEST_MISMATCH"

	ErrCodeModeMissing         VerifyErrorCode = "MODE_MISSING"
	ErrCodeModeSearchExpected  VerifyErrorCode = "MODE_SEARCH_EXPECTED"
	ErrCodeGraphMissing        VerifyErrorCode = "SEARCH_GRAPH_MISSING"
	ErrCodeBindingMissing      VerifyErrorCode = "METADATA_BINDING_MISSING"
	ErrCodeBindingMismatch     VerifyErrorCode = "METADATA_BINDING_MISMATCH"
	ErrCodeCompilationManifest VerifyErrorCode = "COMPILATION_MANIFEST"
	ErrCodeConceptRegistry     VerifyErrorCode = "CONCEPT_REGISTRY"
	ErrCodeCompileReplay       VerifyErrorCode = "COMPILE_REPLAY"

	ErrCodeScorerMissing         VerifyErrorCode = "SCORER_ARTIFACT_MISSING"
	ErrCodeScorerDigestMissing   VerifyErrorCode = "SCORER_DIGEST_MISSING"
	ErrCodeScorerDigest          VerifyErrorCode = "SCORER_DIGEST_MISMATCH"
	ErrCodeScoreSource           VerifyErrorCode = "SCORE_SOURCE_MISMATCH"
	ErrCodeScorerEvidenceMissing VerifyErrorCode = "SCORER_EVIDENCE_MISSING"
	ErrCodeOperatorSetMissing    VerifyErrorCode = "OPERATOR_REGISTRY_MISSING"
	ErrCodeOperatorSetDigest     VerifyErrorCode = "OPERATOR_SET_DIGEST_MISMATCH"

	ErrCodeTapeMissing       VerifyErrorCode = "TAPE_MISSING"
	ErrCodeTapeDigest        VerifyErrorCode = "TAPE_DIGEST_MISMATCH"
	ErrCodeTapeParse         VerifyErrorCode = "TAPE_PARSE"
	ErrCodeTapeHeaderBinding VerifyErrorCode = "TAPE_HEADER_BINDING"
	ErrCodeTapeEquivalence   VerifyErrorCode = "TAPE_GRAPH_EQUIVALENCE"
)

// VerifyError reports the first failed check. Check is the pipeline step
// number; Details names the artifacts and values involved.
type VerifyError struct {
	Code    VerifyErrorCode
	Check   int
	Message string
	Details map[string]string
}

// Error implements the error interface.
func (e *VerifyError) Error() string {
	return fmt.Sprintf("check %d %s: %s", e.Check, e.Code, e.Message)
}

func verifyErr(check int, code VerifyErrorCode, format string, args ...any) *VerifyError {
	return &VerifyError{Code: code, Check: check, Message: fmt.Sprintf(format, args...)}
}

func (e *VerifyError) with(kv ...string) *VerifyError {
	if e.Details == nil {
		e.Details = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Details[kv[i]] = kv[i+1]
	}
	return e
}

// IsVerifyError returns true if err is a VerifyError with the given code.
func IsVerifyError(err error, code VerifyErrorCode) bool {
	var ve *VerifyError
	return errors.As(err, &ve) && ve.Code == code
}

// VerifyCodeOf extracts the code from a VerifyError.
func VerifyCodeOf(err error) (VerifyErrorCode, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	return "", false
}

// ReadErrorCode categorizes bundle directory read failures.
type ReadErrorCode string

const (
	ErrCodeIO                   ReadErrorCode = "io"
	ErrCodeMissingMetadata      ReadErrorCode = "missing_metadata"
	ErrCodeMissingArtifact      ReadErrorCode = "missing_artifact"
	ErrCodeExtraFile            ReadErrorCode = "extra_file"
	ErrCodeManifestParse        ReadErrorCode = "manifest_parse"
	ErrCodeManifestVersion      ReadErrorCode = "manifest_version"
	ErrCodeManifestEntryInvalid ReadErrorCode = "manifest_entry_invalid"
	ErrCodeReadDigestMismatch   ReadErrorCode = "digest_mismatch"
)

// ReadError reports a bundle directory that cannot be loaded.
type ReadError struct {
	Code    ReadErrorCode
	Message string
	Details map[string]string
	Err     error
}

// Error implements the error interface.
func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying I/O error, if any.
func (e *ReadError) Unwrap() error { return e.Err }

func readErr(code ReadErrorCode, format string, args ...any) *ReadError {
	return &ReadError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsReadError returns true if err is a ReadError with the given code.
func IsReadError(err error, code ReadErrorCode) bool {
	var re *ReadError
	return errors.As(err, &re) && re.Code == code
}

// BuildError reports a precomputed hash that does not match its content.
type BuildError struct {
	Name     string
	Expected string
	Computed string
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("bundle: artifact %s: precomputed hash %s, content hashes to %s", e.Name, e.Expected, e.Computed)
}
