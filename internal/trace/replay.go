package trace

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
)

// VerdictKind is the outcome of a replay.
type VerdictKind string

const (
	VerdictMatch      VerdictKind = "match"
	VerdictDivergence VerdictKind = "divergence"
)

// Verdict is Match, or Divergence at the first frame whose recorded bytes
// could not be reproduced.
type Verdict struct {
	Kind       VerdictKind `json:"kind"`
	FrameIndex int         `json:"frame_index"`
	Detail     string      `json:"detail,omitempty"`
}

// Matched reports whether the replay reproduced every byte.
func (v Verdict) Matched() bool { return v.Kind == VerdictMatch }

func match() Verdict { return Verdict{Kind: VerdictMatch, FrameIndex: -1} }

func diverge(i int, format string, args ...any) Verdict {
	return Verdict{Kind: VerdictDivergence, FrameIndex: i, Detail: fmt.Sprintf(format, args...)}
}

type replayConfig struct {
	initial     *carrier.State
	payloadHash ir.ContentHash
}

// ReplayOption configures ReplayVerify.
type ReplayOption func(*replayConfig)

// WithInitialState binds frame 0 to a compiled state. It is required:
// frame 0 is the only frame not produced by Apply, so without a state to
// compare it against ReplayVerify reports a Divergence at frame 0.
func WithInitialState(st *carrier.State) ReplayOption {
	return func(c *replayConfig) { c.initial = st }
}

// WithPayloadHash requires the re-serialized payload to hash to h.
func WithPayloadHash(h ir.ContentHash) ReplayOption {
	return func(c *replayConfig) { c.payloadHash = h }
}

// ReplayVerify checks frame 0 against the WithInitialState state, then
// re-executes operator.Apply forward and compares every resulting state
// against the recorded snapshot. The first mismatch is
// returned as a Divergence. On a full match the trace is re-serialized and
// its payload hash compared.
func ReplayVerify(t *Trace, ops *operator.Registry, opts ...ReplayOption) Verdict {
	var cfg replayConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(t.Frames) == 0 {
		return diverge(0, "trace has no frames")
	}
	if int64(len(t.Frames)) != t.Header.FrameCount {
		return diverge(len(t.Frames), "header declares %d frames, trace holds %d", t.Header.FrameCount, len(t.Frames))
	}

	f0 := t.Frames[0]
	if f0.OpCode != carrier.InitialState {
		return diverge(0, "frame 0 op is %s, want initial-state sentinel", f0.OpCode)
	}
	if !allZero(f0.Args) {
		return diverge(0, "frame 0 carries non-zero args")
	}
	state, err := f0.State(t.Header)
	if err != nil {
		return diverge(0, "frame 0 snapshot: %v", err)
	}
	if cfg.initial == nil {
		return diverge(0, "no initial state bound to frame 0")
	}
	if !state.Equal(cfg.initial) {
		return diverge(0, "frame 0 differs from compiled initial state")
	}

	for i := 1; i < len(t.Frames); i++ {
		f := t.Frames[i]
		sig, ok := ops.Lookup(f.OpCode)
		if !ok {
			return diverge(i, "op %s is not registered", f.OpCode.Hex())
		}
		n := sig.ArgByteCount()
		if n > len(f.Args) {
			return diverge(i, "op %s needs %d arg bytes, frame holds %d", sig.Name, n, len(f.Args))
		}
		if !allZero(f.Args[n:]) {
			return diverge(i, "non-zero arg padding")
		}
		next, err := operator.Apply(state, f.OpCode, f.Args[:n], ops)
		if err != nil {
			return diverge(i, "apply %s: %v", sig.Name, err)
		}
		got := next.EvidenceBytes()
		if !bytes.Equal(got, f.Snapshot) {
			return diverge(i, "state differs from recorded snapshot at byte %d", firstDiff(got, f.Snapshot))
		}
		state = next
	}

	payload, err := t.encodePayload()
	if err != nil {
		return diverge(len(t.Frames), "re-serialize: %v", err)
	}
	got := ir.CanonicalHash(ir.DomainTracePayload, payload)
	if got != t.PayloadHash() {
		return diverge(len(t.Frames), "re-serialized payload hash %s differs from recorded %s", got, t.PayloadHash())
	}
	if cfg.payloadHash != "" && got != cfg.payloadHash {
		return diverge(len(t.Frames), "payload hash %s differs from expected %s", got, cfg.payloadHash)
	}
	return match()
}

// ReplayVerifyBytes decodes data and replays it. Decode failures located
// inside a frame are reported as a Divergence at that frame; other decode
// failures are returned as errors.
func ReplayVerifyBytes(data []byte, ops *operator.Registry, opts ...ReplayOption) (Verdict, error) {
	tr, _, err := Decode(data)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) && fe.Frame >= 0 {
			return diverge(fe.Frame, "%v", fe), nil
		}
		return Verdict{}, err
	}
	return ReplayVerify(tr, ops, opts...), nil
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

func firstDiff(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return min(len(a), len(b))
}
