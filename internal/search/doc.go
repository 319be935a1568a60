// Package search implements deterministic best-first search over carrier
// states.
//
// The frontier orders nodes by (f_cost, depth, creation_order). Candidates
// are enumerated by a World, sorted by candidate hash, capped, scored by a
// Scorer and re-sorted by (-bonus, hash) before being applied through the
// operator registry. Scores only reorder candidates; they never decide
// legality.
//
// Every run produces a Graph transcript. A Recorder sees the same events as
// they happen, which is how the replay log is written.
package search
