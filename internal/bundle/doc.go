// Package bundle assembles, persists and verifies evidence bundles.
//
// A bundle is a set of named artifacts. The manifest lists every artifact
// with its content hash and normative flag; the digest basis lists only the
// normative ones, and the bundle digest is the hash of the basis. Verify
// runs a fixed, numbered pipeline of cross-artifact checks and stops at the
// first failure.
package bundle
