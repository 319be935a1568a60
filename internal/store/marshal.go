package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/bundle"
	"github.com/roach88/keel/internal/ir"
)

// ResultPass is Verification.Result for a bundle that verified.
const ResultPass = "pass"

// ResultError is Verification.Result for a failure that carried no verify
// code.
const ResultError = "error"

// NewVerification describes the outcome of bundle.Verify for the ledger.
func NewVerification(digest ir.ContentHash, profile bundle.Profile, verr error) Verification {
	v := Verification{
		BundleDigest: digest,
		Profile:      profile,
		Result:       ResultPass,
		Details:      map[string]string{},
	}
	if verr == nil {
		return v
	}
	var ve *bundle.VerifyError
	if errors.As(verr, &ve) {
		v.Result = string(ve.Code)
		v.Check = ve.Check
		v.Message = ve.Message
		for k, val := range ve.Details {
			v.Details[k] = val
		}
		return v
	}
	v.Result = ResultError
	v.Message = verr.Error()
	return v
}

// marshalDetails converts verification details to canonical JSON TEXT.
func marshalDetails(details map[string]string) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(data), nil
}

// unmarshalDetails parses the details column. Returns an empty map, never
// nil.
func unmarshalDetails(data string) (map[string]string, error) {
	details := map[string]string{}
	if data == "" || data == "{}" {
		return details, nil
	}
	if err := json.Unmarshal([]byte(data), &details); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	return details, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
