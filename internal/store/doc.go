// Package store provides SQLite-backed durable storage for keel runs.
//
// The store is an append-only ledger with:
//   - Runs: one row per bundle digest, with world, mode and outcome
//   - Artifacts: every bundle artifact, content included, so a bundle can be
//     reloaded and verified again later
//   - Verifications: each verify attempt with its profile and result
//
// # Invariants
//
// Content-Addressed Runs
//   - UNIQUE(bundle_digest); recording the same bundle twice is a no-op
//   - LoadBundle rebuilds the bundle and refuses it unless the digest and
//     every artifact hash match what was recorded
//
// Logical Ordering
//   - All ordering uses seq INTEGER (insertion order), never timestamps
//   - Artifacts are listed by name COLLATE BINARY
//
// The ledger sits outside the evidence plane: nothing in a bundle refers
// to it, and deleting the database never invalidates a bundle.
//
// # Connection
//
// Every connection runs in WAL mode with synchronous=NORMAL, a five second
// busy timeout and foreign keys enforced. Schema changes are applied as
// numbered migrations tracked in PRAGMA user_version.
package store
