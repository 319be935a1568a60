// Package envelope implements the length-prefixed observability section that
// leads every keel binary log.
//
// An envelope carries wall-clock time and run identifiers. It is excluded
// from every normative hash: payload hashes, chain digests and the bundle
// digest all start at the byte after the envelope.
package envelope

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/keel/internal/ir"
)

// Epoch is the timestamp written by deterministic sources.
const Epoch = "1970-01-01T00:00:00Z"

// Envelope is the observational metadata block.
type Envelope struct {
	RunnerVersion string `json:"runner_version"`
	Seq           int64  `json:"seq"`
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	WallTimeMS    int64  `json:"wall_time_ms"`
}

// Source produces envelopes. subject names what the log is about (usually
// the world id) so deterministic sources can derive stable ids from it.
type Source interface {
	Envelope(subject string) Envelope
}

// Fixed is the default source: every field is a pure function of subject
// and the per-source sequence, so two runs emit byte-identical envelopes.
type Fixed struct {
	clock *Clock
}

// NewFixed creates a deterministic source.
func NewFixed() *Fixed {
	return &Fixed{clock: NewClock()}
}

// Envelope implements Source.
func (f *Fixed) Envelope(subject string) Envelope {
	return Envelope{
		RunnerVersion: ir.RunnerVersion,
		Seq:           f.clock.Next(),
		Timestamp:     Epoch,
		TraceID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte("keel:"+subject)).String(),
		WallTimeMS:    0,
	}
}

// Live stamps real wall time and UUIDv7 trace ids. It is for operators
// watching runs; bundle digests are unaffected by it.
type Live struct {
	clock *Clock
	now   func() time.Time
	start time.Time
}

// NewLive creates a wall-clock source.
func NewLive() *Live {
	now := time.Now
	return &Live{clock: NewClock(), now: now, start: now()}
}

// Envelope implements Source.
func (l *Live) Envelope(subject string) Envelope {
	t := l.now()
	return Envelope{
		RunnerVersion: ir.RunnerVersion,
		Seq:           l.clock.Next(),
		Timestamp:     t.UTC().Format(time.RFC3339Nano),
		TraceID:       uuid.Must(uuid.NewV7()).String(),
		WallTimeMS:    t.Sub(l.start).Milliseconds(),
	}
}

// Encode renders [u16 LE length][JSON].
func Encode(env Envelope) ([]byte, error) {
	body, err := ir.MarshalCanonical(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > math.MaxUint16 {
		return nil, fmt.Errorf("encode envelope: %d bytes exceeds u16 length prefix", len(body))
	}
	out := make([]byte, 2, 2+len(body))
	binary.LittleEndian.PutUint16(out, uint16(len(body)))
	return append(out, body...), nil
}

// Split separates a log into its envelope and the hashed remainder. The
// envelope JSON is parsed leniently: unknown fields are ignored because
// nothing normative depends on them.
func Split(data []byte) (Envelope, []byte, error) {
	var env Envelope
	if len(data) < 2 {
		return env, nil, fmt.Errorf("envelope: need 2 length bytes, have %d", len(data))
	}
	n := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+n {
		return env, nil, fmt.Errorf("envelope: length %d exceeds remaining %d bytes", n, len(data)-2)
	}
	if err := json.Unmarshal(data[2:2+n], &env); err != nil {
		return env, nil, fmt.Errorf("envelope: %w", err)
	}
	return env, data[2+n:], nil
}
