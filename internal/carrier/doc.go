// Package carrier holds keel's fixed-layout state: Code32 identity codes, the
// two-plane packed State, the concept registry, schema descriptors, and the
// Compile boundary that turns an external payload into a State.
//
// Compile is the only way runtime state comes into existence. Everything
// downstream (operators, traces, search) consumes a *State produced here or
// derived from one by operator.Apply.
package carrier
