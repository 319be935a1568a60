package trace

import (
	"errors"
	"fmt"
)

// FormatErrorCode categorizes state-replay log decode failures.
type FormatErrorCode string

const (
	ErrCodeBadEnvelope   FormatErrorCode = "BAD_ENVELOPE"
	ErrCodeBadMagic      FormatErrorCode = "BAD_MAGIC"
	ErrCodeTruncated     FormatErrorCode = "TRUNCATED"
	ErrCodeBadHeader     FormatErrorCode = "BAD_HEADER"
	ErrCodeNonCanonical  FormatErrorCode = "NON_CANONICAL"
	ErrCodeBadDimensions FormatErrorCode = "BAD_DIMENSIONS"
	ErrCodeInvalidStatus FormatErrorCode = "INVALID_STATUS"
	ErrCodeBadFooter     FormatErrorCode = "BAD_FOOTER"
	ErrCodeTrailingBytes FormatErrorCode = "TRAILING_BYTES"
)

// FormatError reports a malformed log. Frame is the offending frame index,
// or -1 when the failure is not inside the frame body.
type FormatError struct {
	Code    FormatErrorCode
	Message string
	Frame   int
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	if e.Frame >= 0 {
		return fmt.Sprintf("%s: %s (frame=%d)", e.Code, e.Message, e.Frame)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func formatErr(code FormatErrorCode, format string, args ...any) *FormatError {
	return &FormatError{Code: code, Message: fmt.Sprintf(format, args...), Frame: -1}
}

// IsFormatError returns true if err is a FormatError with the given code.
func IsFormatError(err error, code FormatErrorCode) bool {
	var fe *FormatError
	return errors.As(err, &fe) && fe.Code == code
}
