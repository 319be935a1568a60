package operator

import (
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/carrier"
)

// ApplyErrorCode categorizes apply failures. The set is closed.
type ApplyErrorCode string

const (
	// ErrCodeUnknownOperator indicates the op code is not in the registry.
	ErrCodeUnknownOperator ApplyErrorCode = "unknown_operator"

	// ErrCodeArgumentMismatch indicates args do not fit the signature's shape.
	ErrCodeArgumentMismatch ApplyErrorCode = "argument_mismatch"

	// ErrCodePreconditionUnmet indicates the current state fails the
	// signature's precondition.
	ErrCodePreconditionUnmet ApplyErrorCode = "precondition_unmet"

	// ErrCodeEffectMismatch indicates the produced diff does not match the
	// declared EffectKind.
	ErrCodeEffectMismatch ApplyErrorCode = "effect_mismatch"
)

// ApplyError is the only error Apply returns.
type ApplyError struct {
	// Code identifies the error category.
	Code ApplyErrorCode

	// Message is a human-readable description.
	Message string

	// OpCode is the operator being applied.
	OpCode carrier.Code32

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %s (op=%s)", e.Code, e.Message, e.OpCode.Hex())
}

func newApplyError(code ApplyErrorCode, op carrier.Code32, format string, args ...any) *ApplyError {
	return &ApplyError{Code: code, Message: fmt.Sprintf(format, args...), OpCode: op}
}

// CodeOf extracts the code of a (possibly wrapped) ApplyError.
func CodeOf(err error) (ApplyErrorCode, bool) {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}

// IsUnknownOperator returns true if err is an unknown operator failure.
func IsUnknownOperator(err error) bool {
	c, ok := CodeOf(err)
	return ok && c == ErrCodeUnknownOperator
}

// IsPreconditionUnmet returns true if err is a precondition failure.
func IsPreconditionUnmet(err error) bool {
	c, ok := CodeOf(err)
	return ok && c == ErrCodePreconditionUnmet
}

// IsEffectMismatch returns true if err is an effect check failure.
func IsEffectMismatch(err error) bool {
	c, ok := CodeOf(err)
	return ok && c == ErrCodeEffectMismatch
}

// IsArgumentMismatch returns true if err is an argument decoding failure.
func IsArgumentMismatch(err error) bool {
	c, ok := CodeOf(err)
	return ok && c == ErrCodeArgumentMismatch
}
