package carrier

import (
	"errors"
	"fmt"
)

// FailureKind categorizes compilation failures. The set is closed.
type FailureKind string

const (
	// FailSchemaMismatch indicates the payload does not fit the named schema.
	FailSchemaMismatch FailureKind = "schema_mismatch"

	// FailRegistryMismatch indicates the payload targets a different registry.
	FailRegistryMismatch FailureKind = "registry_mismatch"

	// FailUnknownConcept indicates an identity code absent from the registry.
	FailUnknownConcept FailureKind = "unknown_concept"

	// FailConstraintViolation indicates a malformed or out-of-range payload.
	FailConstraintViolation FailureKind = "constraint_violation"
)

// CompilationError is the only error Compile returns. It carries enough
// descriptor context to reproduce the failure.
type CompilationError struct {
	// Kind identifies the failure category.
	Kind FailureKind

	// Message is a human-readable description.
	Message string

	// SchemaID and RegistryEpoch name the descriptors compile was called with.
	SchemaID      string
	RegistryEpoch string

	// Field names the payload field at fault, if any.
	Field string

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *CompilationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (schema=%s, epoch=%s, field=%s)", e.Kind, e.Message, e.SchemaID, e.RegistryEpoch, e.Field)
	}
	return fmt.Sprintf("%s: %s (schema=%s, epoch=%s)", e.Kind, e.Message, e.SchemaID, e.RegistryEpoch)
}

// FailureKindOf extracts the kind of a (possibly wrapped) CompilationError.
func FailureKindOf(err error) (FailureKind, bool) {
	var ce *CompilationError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// IsSchemaMismatch returns true if err is a schema_mismatch failure.
func IsSchemaMismatch(err error) bool {
	k, ok := FailureKindOf(err)
	return ok && k == FailSchemaMismatch
}

// IsRegistryMismatch returns true if err is a registry_mismatch failure.
func IsRegistryMismatch(err error) bool {
	k, ok := FailureKindOf(err)
	return ok && k == FailRegistryMismatch
}

// IsUnknownConcept returns true if err is an unknown_concept failure.
func IsUnknownConcept(err error) bool {
	k, ok := FailureKindOf(err)
	return ok && k == FailUnknownConcept
}

// IsConstraintViolation returns true if err is a constraint_violation failure.
func IsConstraintViolation(err error) bool {
	k, ok := FailureKindOf(err)
	return ok && k == FailConstraintViolation
}
