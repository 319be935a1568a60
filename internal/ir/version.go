package ir

// Version constants shared by artifacts and the CLI.
const (
	// RunnerVersion identifies the build that produced an artifact envelope.
	RunnerVersion = "keel/0.1.0"

	// HashAlgorithm prefixes every rendered ContentHash.
	HashAlgorithm = "sha256"
)
