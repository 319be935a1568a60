package testutil

import (
	"sync"

	"github.com/roach88/keel/internal/envelope"
	"github.com/roach88/keel/internal/ir"
)

// ResettableEnvelopes is an envelope.Source for tests whose sequence can be
// rewound, so the same scenario run twice writes byte-identical logs.
//
// Unlike envelope.Fixed, the trace id is taken as given rather than derived
// from the subject.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ResettableEnvelopes struct {
	mu      sync.Mutex
	seq     int64
	traceID string
}

// NewResettableEnvelopes creates a source starting at seq 0. If traceID is
// empty, "test-trace" is used.
//
// The first envelope has Seq 1.
func NewResettableEnvelopes(traceID string) *ResettableEnvelopes {
	if traceID == "" {
		traceID = "test-trace"
	}
	return &ResettableEnvelopes{traceID: traceID}
}

// Envelope implements envelope.Source.
func (s *ResettableEnvelopes) Envelope(string) envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return envelope.Envelope{
		RunnerVersion: ir.RunnerVersion,
		Seq:           s.seq,
		Timestamp:     envelope.Epoch,
		TraceID:       s.traceID,
	}
}

// Current returns the last sequence number handed out.
func (s *ResettableEnvelopes) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Reset rewinds the sequence. After Reset, the next envelope has Seq 1.
func (s *ResettableEnvelopes) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
}
