// Package trace implements keel's state-replay log ("BST1").
//
// Layout:
//
//	[u16 env_len][envelope JSON]
//	["BST1"][u16 header_len][canonical header]
//	[frame_count x stride bytes]
//	[u16 footer_len][canonical footer]
//
// stride = 4 (op code) + 4*arg_slot_count (zero-padded args)
// + 5*layer_count*slot_count (identity plane then status plane).
//
// Everything from the magic onward is the payload; the envelope is never
// hashed.
package trace

import (
	"bytes"
	"fmt"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/ir"
)

// Magic opens the hashed payload.
const Magic = "BST1"

// Header is the canonical JSON header. It commits schema and registry
// identity plus every dimension needed to compute the stride.
type Header struct {
	ArgSlotCount  int64          `json:"arg_slot_count"`
	CodebookHash  ir.ContentHash `json:"codebook_hash"`
	FixtureHash   ir.ContentHash `json:"fixture_hash"`
	FrameCount    int64          `json:"frame_count"`
	LayerCount    int64          `json:"layer_count"`
	RegistryEpoch string         `json:"registry_epoch"`
	RegistryHash  ir.ContentHash `json:"registry_hash"`
	SchemaID      string         `json:"schema_id"`
	SchemaVersion string         `json:"schema_version"`
	SlotCount     int64          `json:"slot_count"`
}

// Stride is the fixed byte length of one frame.
func (h Header) Stride() int {
	return carrier.CodeSize + 4*int(h.ArgSlotCount) + carrier.SnapshotSize(int(h.LayerCount), int(h.SlotCount))
}

// Footer is the canonical JSON footer.
type Footer struct {
	SuiteIdentity ir.ContentHash `json:"suite_identity"`
}

// Frame is one applied operator plus the full resulting state.
type Frame struct {
	OpCode   carrier.Code32
	Args     []byte
	Snapshot []byte
}

// State decodes the frame's snapshot.
func (f Frame) State(h Header) (*carrier.State, error) {
	return carrier.FromSnapshot(int(h.LayerCount), int(h.SlotCount), f.Snapshot)
}

func (f Frame) encode(buf *bytes.Buffer) {
	b := f.OpCode.Bytes()
	buf.Write(b[:])
	buf.Write(f.Args)
	buf.Write(f.Snapshot)
}

// Trace is a complete, decoded state-replay log.
type Trace struct {
	Header Header
	Frames []Frame
	Footer Footer

	payload []byte
}

// Builder accumulates frames in memory. Nothing is serialized until Encode,
// so a failed run never leaves a partial log.
type Builder struct {
	header Header
	frames []Frame
}

// NewBuilder starts a trace whose frame 0 is the InitialState sentinel
// carrying initial.
func NewBuilder(h Header, initial *carrier.State) (*Builder, error) {
	if h.ArgSlotCount < 0 {
		return nil, fmt.Errorf("trace: negative arg_slot_count")
	}
	if int(h.LayerCount) != initial.Layers() || int(h.SlotCount) != initial.Slots() {
		return nil, fmt.Errorf("trace: header is %dx%d, initial state is %dx%d",
			h.LayerCount, h.SlotCount, initial.Layers(), initial.Slots())
	}
	b := &Builder{header: h}
	b.frames = append(b.frames, Frame{
		OpCode:   carrier.InitialState,
		Args:     make([]byte, 4*h.ArgSlotCount),
		Snapshot: initial.EvidenceBytes(),
	})
	return b, nil
}

// Append records one applied operator and the state it produced. args are
// zero-padded to the header's arg width.
func (b *Builder) Append(op carrier.Code32, args []byte, result *carrier.State) error {
	width := 4 * int(b.header.ArgSlotCount)
	if len(args) > width {
		return fmt.Errorf("trace: %d arg bytes exceed width %d", len(args), width)
	}
	if int(b.header.LayerCount) != result.Layers() || int(b.header.SlotCount) != result.Slots() {
		return fmt.Errorf("trace: result state shape differs from header")
	}
	padded := make([]byte, width)
	copy(padded, args)
	b.frames = append(b.frames, Frame{OpCode: op, Args: padded, Snapshot: result.EvidenceBytes()})
	return nil
}

// Len returns the number of frames recorded so far, including frame 0.
func (b *Builder) Len() int { return len(b.frames) }

// Finish freezes the trace with footer, filling in frame_count.
func (b *Builder) Finish(footer Footer) (*Trace, error) {
	h := b.header
	h.FrameCount = int64(len(b.frames))
	tr := &Trace{Header: h, Frames: b.frames, Footer: footer}
	payload, err := tr.encodePayload()
	if err != nil {
		return nil, err
	}
	tr.payload = payload
	return tr, nil
}

// Payload returns the hashed bytes (magic through footer).
func (t *Trace) Payload() []byte { return bytes.Clone(t.payload) }

// PayloadHash is H(TracePayload, payload).
func (t *Trace) PayloadHash() ir.ContentHash {
	return ir.CanonicalHash(ir.DomainTracePayload, t.payload)
}

// StepChain returns the per-frame chain hashes.
// chain_0 = H(TraceStep, frame_0); chain_i = H(TraceStepChain, chain_{i-1} || frame_i).
func (t *Trace) StepChain() []ir.ContentHash {
	out := make([]ir.ContentHash, 0, len(t.Frames))
	var prev [32]byte
	for i, f := range t.Frames {
		var buf bytes.Buffer
		if i == 0 {
			f.encode(&buf)
			prev = ir.RawHash(ir.DomainTraceStep, buf.Bytes())
		} else {
			buf.Write(prev[:])
			f.encode(&buf)
			prev = ir.RawHash(ir.DomainTraceStepChain, buf.Bytes())
		}
		out = append(out, ir.FromRaw(prev))
	}
	return out
}

// StepChainDigest is the last chain hash.
func (t *Trace) StepChainDigest() ir.ContentHash {
	chain := t.StepChain()
	if len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1]
}
