package tape

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/envelope"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/search"
)

var le = binary.LittleEndian

// Writer streams search events into a STAP log. It implements
// search.Recorder; pass it with search.WithRecorder and call Finish after
// the run returns.
type Writer struct {
	env        envelope.Envelope
	buf        []byte
	scratch    []byte
	chain      [32]byte
	count      uint64
	started    bool
	terminated bool
}

// Output is a finished log.
type Output struct {
	Bytes          []byte
	FinalChainHash ir.ContentHash
	RecordCount    uint64
}

// NewWriter creates a writer that will prefix the log with env.
func NewWriter(env envelope.Envelope) *Writer {
	return &Writer{env: env}
}

// Begin implements search.Recorder by writing the header.
func (w *Writer) Begin(meta search.Metadata) error {
	if w.started {
		return formatErr(ErrCodeAlreadyStarted, "header already written")
	}
	header, err := ir.MarshalCanonical(HeaderFrom(meta))
	if err != nil {
		return formatErr(ErrCodeBadHeader, "encode header: %v", err)
	}
	if uint64(len(header)) > math.MaxUint32 {
		return formatErr(ErrCodeBadHeader, "header exceeds u32 length prefix")
	}

	w.buf = append(w.buf[:0], Magic...)
	w.buf = le.AppendUint16(w.buf, Version)
	w.buf = le.AppendUint32(w.buf, uint32(len(header)))
	w.buf = append(w.buf, header...)
	w.chain = chainSeed(header)
	w.started = true
	return nil
}

func (w *Writer) ready() error {
	switch {
	case !w.started:
		return formatErr(ErrCodeNotStarted, "record before header")
	case w.terminated:
		return formatErr(ErrCodeAlreadyTerminated, "record after termination")
	}
	return nil
}

func (w *Writer) commit(t RecordType) {
	start := len(w.buf)
	w.buf = le.AppendUint32(w.buf, uint32(1+len(w.scratch)))
	w.buf = append(w.buf, byte(t))
	w.buf = append(w.buf, w.scratch...)
	w.chain = chainLink(w.chain, w.buf[start:])
	w.count++
}

// NodeCreated implements search.Recorder.
func (w *Writer) NodeCreated(ev search.NodeEvent) error {
	if err := w.ready(); err != nil {
		return err
	}
	fp := ev.Fingerprint.Raw()

	b := w.scratch[:0]
	b = le.AppendUint64(b, ev.NodeID)
	if ev.ParentID == nil {
		b = append(b, 0)
	} else {
		b = append(b, 1)
		b = le.AppendUint64(b, *ev.ParentID)
	}
	b = append(b, fp[:]...)
	b = le.AppendUint32(b, ev.Depth)
	b = le.AppendUint64(b, uint64(ev.FCost))
	b = le.AppendUint64(b, ev.CreationOrder)
	w.scratch = b

	w.commit(RecordNodeCreation)
	return nil
}

// Expanded implements search.Recorder.
func (w *Writer) Expanded(exp search.Expansion) error {
	if err := w.ready(); err != nil {
		return err
	}
	fp, err := rawHex(exp.StateFingerprint)
	if err != nil {
		return formatErr(ErrCodeBadRecord, "expansion %d fingerprint: %v", exp.ExpansionOrder, err)
	}
	deadEnd, ok := deadEndTags[exp.DeadEndReason]
	if !ok {
		return formatErr(ErrCodeBadRecord, "unknown dead end reason %q", exp.DeadEndReason)
	}

	b := w.scratch[:0]
	b = le.AppendUint64(b, exp.ExpansionOrder)
	b = le.AppendUint64(b, exp.NodeID)
	b = append(b, fp[:]...)
	b = le.AppendUint64(b, uint64(exp.PopKey.FCost))
	b = le.AppendUint32(b, exp.PopKey.Depth)
	b = le.AppendUint64(b, exp.PopKey.CreationOrder)
	b = append(b, boolByte(exp.CandidatesTruncated), deadEnd)

	b = le.AppendUint32(b, uint32(len(exp.Candidates)))
	for _, c := range exp.Candidates {
		if b, err = appendCandidate(b, c); err != nil {
			return formatErr(ErrCodeBadRecord, "expansion %d candidate %d: %v", exp.ExpansionOrder, c.Index, err)
		}
	}

	b = le.AppendUint32(b, uint32(len(exp.Notes)))
	for _, n := range exp.Notes {
		switch n.Type {
		case search.NoteCandidateCapReached:
			if n.Cap == nil {
				return formatErr(ErrCodeBadRecord, "cap note without cap")
			}
			b = append(b, noteCapReached)
			b = le.AppendUint64(b, *n.Cap)
		case search.NoteFrontierPruned:
			b = append(b, noteFrontierPruned)
			b = le.AppendUint32(b, uint32(len(n.PrunedNodeIDs)))
			for _, id := range n.PrunedNodeIDs {
				b = le.AppendUint64(b, id)
			}
		default:
			return formatErr(ErrCodeBadRecord, "unknown note %q", n.Type)
		}
	}
	w.scratch = b

	w.commit(RecordExpansion)
	return nil
}

func appendCandidate(b []byte, c search.CandidateRecord) ([]byte, error) {
	op, err := carrier.ParseCodeHex(c.Action.OpCodeHex)
	if err != nil {
		return nil, err
	}
	args, err := hex.DecodeString(c.Action.OpArgsHex)
	if err != nil {
		return nil, fmt.Errorf("op args: %w", err)
	}
	if len(args) > math.MaxUint16 {
		return nil, fmt.Errorf("op args: %d bytes exceeds u16", len(args))
	}
	hash, err := rawContentHash(c.Action.CanonicalHash)
	if err != nil {
		return nil, err
	}

	code := op.Bytes()
	b = le.AppendUint64(b, c.Index)
	b = append(b, code[:]...)
	b = le.AppendUint16(b, uint16(len(args)))
	b = append(b, args...)
	b = append(b, hash[:]...)
	b = le.AppendUint64(b, uint64(c.Score.Bonus))

	switch c.Score.Source.Kind {
	case search.SourceUniform:
		b = append(b, sourceUniform)
	case search.SourceUnavailable:
		b = append(b, sourceUnavailable)
	case search.SourceModelDigest:
		digest, err := rawContentHash(string(c.Score.Source.ModelDigest))
		if err != nil {
			return nil, fmt.Errorf("model digest: %w", err)
		}
		b = append(b, sourceModelDigest)
		b = append(b, digest[:]...)
	default:
		return nil, fmt.Errorf("unknown score source %q", c.Score.Source.Kind)
	}

	tag, ok := tagOf(outcomeTags, c.Outcome.Type)
	if !ok {
		return nil, fmt.Errorf("unknown outcome %q", c.Outcome.Type)
	}
	b = append(b, tag)
	switch c.Outcome.Type {
	case search.OutcomeApplied:
		if c.Outcome.ToNode == nil {
			return nil, fmt.Errorf("applied outcome without to_node")
		}
		b = le.AppendUint64(b, *c.Outcome.ToNode)
	case search.OutcomeDuplicateSuppressed:
		fp, err := rawHex(c.Outcome.ExistingFingerprint)
		if err != nil {
			return nil, fmt.Errorf("existing fingerprint: %w", err)
		}
		b = append(b, fp[:]...)
	case search.OutcomeApplyFailed:
		kind, ok := tagOf(failureTags, c.Outcome.Kind)
		if !ok {
			return nil, fmt.Errorf("unknown apply failure %q", c.Outcome.Kind)
		}
		b = append(b, kind)
	}
	return b, nil
}

// Terminated implements search.Recorder.
func (w *Writer) Terminated(term search.Termination, highWater uint64) error {
	if err := w.ready(); err != nil {
		return err
	}
	tag, ok := tagOf(terminationTags, term.Type)
	if !ok {
		return formatErr(ErrCodeBadRecord, "unknown termination %q", term.Type)
	}

	b := append(w.scratch[:0], tag)
	switch term.Type {
	case search.TermGoalReached:
		if term.NodeID == nil {
			return formatErr(ErrCodeBadRecord, "goal termination without node id")
		}
		b = le.AppendUint64(b, *term.NodeID)
	case search.TermScorerContractViolation:
		if term.Expected == nil || term.Actual == nil {
			return formatErr(ErrCodeBadRecord, "scorer violation without arity")
		}
		b = le.AppendUint64(b, *term.Expected)
		b = le.AppendUint64(b, *term.Actual)
	case search.TermInternalPanic, search.TermFrontierInvariantViolation:
		stage, ok := tagOf(stageTags, term.Stage)
		if !ok {
			return formatErr(ErrCodeBadRecord, "unknown stage %q", term.Stage)
		}
		b = append(b, stage)
	}
	b = le.AppendUint64(b, highWater)
	w.scratch = b

	w.commit(RecordTermination)
	w.terminated = true
	return nil
}

// Finish seals the log. It fails unless a termination was recorded.
func (w *Writer) Finish() (*Output, error) {
	if !w.terminated {
		return nil, formatErr(ErrCodeNotTerminated, "no termination record")
	}
	final := ir.FromRaw(w.chain)
	footer, err := ir.MarshalCanonical(Footer{FinalChainHash: final, RecordCount: w.count})
	if err != nil {
		return nil, formatErr(ErrCodeBadFooter, "encode footer: %v", err)
	}
	prefix, err := envelope.Encode(w.env)
	if err != nil {
		return nil, formatErr(ErrCodeBadEnvelope, "%v", err)
	}

	out := make([]byte, 0, len(prefix)+len(w.buf)+len(footer)+8)
	out = append(out, prefix...)
	out = append(out, w.buf...)
	out = append(out, footer...)
	out = le.AppendUint32(out, uint32(len(footer)))
	out = append(out, FooterMagic...)
	return &Output{Bytes: out, FinalChainHash: final, RecordCount: w.count}, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func rawHex(s string) ([32]byte, error) {
	var out [32]byte
	if err := ir.ValidateHex(s); err != nil {
		return out, err
	}
	_, err := hex.Decode(out[:], []byte(s))
	return out, err
}

func rawContentHash(s string) ([32]byte, error) {
	h, err := ir.ParseContentHash(s)
	if err != nil {
		return [32]byte{}, err
	}
	return h.Raw(), nil
}
