package bundle

import "fmt"

// Profile selects how much evidence Verify demands.
type Profile string

const (
	// Lenient validates whatever evidence is present.
	Lenient Profile = "lenient"
	// Strict requires the tape, the concept registry, fixture and root
	// digests, and adds compile replay and tape/graph equivalence.
	Strict Profile = "strict"
)

// ParseProfile accepts "lenient" or "strict".
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(s); p {
	case Lenient, Strict:
		return p, nil
	}
	return "", fmt.Errorf("unknown verification profile %q (want lenient or strict)", s)
}

func (p Profile) strict() bool { return p == Strict }
