package tape

import (
	"errors"
	"fmt"
)

// FormatErrorCode categorizes search-replay log failures.
type FormatErrorCode string

const (
	ErrCodeBadEnvelope       FormatErrorCode = "BAD_ENVELOPE"
	ErrCodeBadMagic          FormatErrorCode = "BAD_MAGIC"
	ErrCodeBadVersion        FormatErrorCode = "BAD_VERSION"
	ErrCodeTruncated         FormatErrorCode = "TRUNCATED"
	ErrCodeBadHeader         FormatErrorCode = "BAD_HEADER"
	ErrCodeNonCanonical      FormatErrorCode = "NON_CANONICAL"
	ErrCodeBadRecord         FormatErrorCode = "BAD_RECORD"
	ErrCodeUnknownRecordType FormatErrorCode = "UNKNOWN_RECORD_TYPE"
	ErrCodeBadFooter         FormatErrorCode = "BAD_FOOTER"
	ErrCodeChainMismatch     FormatErrorCode = "CHAIN_MISMATCH"
	ErrCodeCountMismatch     FormatErrorCode = "COUNT_MISMATCH"
	ErrCodeStructure         FormatErrorCode = "STRUCTURE"

	// Writer misuse.
	ErrCodeNotStarted        FormatErrorCode = "NOT_STARTED"
	ErrCodeAlreadyStarted    FormatErrorCode = "ALREADY_STARTED"
	ErrCodeAlreadyTerminated FormatErrorCode = "ALREADY_TERMINATED"
	ErrCodeNotTerminated     FormatErrorCode = "NOT_TERMINATED"
)

// FormatError reports a malformed or misused log. Record is the offending
// record index, or -1 when the failure is not tied to one record.
type FormatError struct {
	Code    FormatErrorCode
	Message string
	Record  int
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	if e.Record >= 0 {
		return fmt.Sprintf("%s: %s (record=%d)", e.Code, e.Message, e.Record)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func formatErr(code FormatErrorCode, format string, args ...any) *FormatError {
	return &FormatError{Code: code, Message: fmt.Sprintf(format, args...), Record: -1}
}

func recordErr(index int, code FormatErrorCode, format string, args ...any) *FormatError {
	e := formatErr(code, format, args...)
	e.Record = index
	return e
}

// IsFormatError returns true if err is a FormatError with the given code.
func IsFormatError(err error, code FormatErrorCode) bool {
	var fe *FormatError
	return errors.As(err, &fe) && fe.Code == code
}
