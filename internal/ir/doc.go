// Package ir provides the canonical value model and content hashing used by
// every keel artifact.
//
// ir imports nothing internal. Every other package that serializes or hashes
// anything goes through MarshalCanonical and CanonicalHash; there is no second
// JSON path for hashed bytes.
//
// Key constraints:
//   - NO float types anywhere; numbers are int64
//   - NO null in hashed JSON
//   - Object keys are ASCII and sorted
//   - Each artifact class hashes under its own Domain
package ir
