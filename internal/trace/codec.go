package trace

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/envelope"
	"github.com/roach88/keel/internal/ir"
)

func (t *Trace) encodePayload() ([]byte, error) {
	header, err := ir.MarshalCanonical(t.Header)
	if err != nil {
		return nil, formatErr(ErrCodeBadHeader, "encode header: %v", err)
	}
	footer, err := ir.MarshalCanonical(t.Footer)
	if err != nil {
		return nil, formatErr(ErrCodeBadFooter, "encode footer: %v", err)
	}
	if len(header) > math.MaxUint16 || len(footer) > math.MaxUint16 {
		return nil, formatErr(ErrCodeBadHeader, "header or footer exceeds u16 length prefix")
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	writeU16(&buf, len(header))
	buf.Write(header)
	for _, f := range t.Frames {
		f.encode(&buf)
	}
	writeU16(&buf, len(footer))
	buf.Write(footer)
	return buf.Bytes(), nil
}

func writeU16(buf *bytes.Buffer, n int) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(n))
	buf.Write(b[:])
}

// Encode renders the full log with env prepended.
func Encode(t *Trace, env envelope.Envelope) ([]byte, error) {
	prefix, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}
	return append(prefix, t.payload...), nil
}

// PayloadHashOf hashes an encoded log's payload without decoding frames.
func PayloadHashOf(data []byte) (ir.ContentHash, error) {
	_, payload, err := envelope.Split(data)
	if err != nil {
		return "", formatErr(ErrCodeBadEnvelope, "%v", err)
	}
	return ir.CanonicalHash(ir.DomainTracePayload, payload), nil
}

// Decode parses a full log.
func Decode(data []byte) (*Trace, envelope.Envelope, error) {
	env, payload, err := envelope.Split(data)
	if err != nil {
		return nil, env, formatErr(ErrCodeBadEnvelope, "%v", err)
	}
	tr, err := DecodePayload(payload)
	return tr, env, err
}

// DecodePayload parses the bytes from magic onward.
func DecodePayload(payload []byte) (*Trace, error) {
	r := reader{data: payload}

	magic, ok := r.take(len(Magic))
	if !ok {
		return nil, formatErr(ErrCodeTruncated, "missing magic")
	}
	if string(magic) != Magic {
		return nil, formatErr(ErrCodeBadMagic, "got %q, want %q", magic, Magic)
	}

	headerBytes, ok := r.takeU16Section()
	if !ok {
		return nil, formatErr(ErrCodeTruncated, "header")
	}
	if !ir.IsCanonical(headerBytes) {
		return nil, formatErr(ErrCodeNonCanonical, "header is not canonical JSON")
	}
	var h Header
	if err := ir.DecodeStrict(headerBytes, &h); err != nil {
		return nil, formatErr(ErrCodeBadHeader, "%v", err)
	}
	if h.LayerCount <= 0 || h.SlotCount <= 0 || h.ArgSlotCount < 0 || h.FrameCount <= 0 {
		return nil, formatErr(ErrCodeBadDimensions, "layers=%d slots=%d arg_slots=%d frames=%d",
			h.LayerCount, h.SlotCount, h.ArgSlotCount, h.FrameCount)
	}
	// Bound each factor first; the product of two large counts wraps.
	if h.LayerCount > carrier.MaxCells || h.SlotCount > carrier.MaxCells/h.LayerCount || h.ArgSlotCount > math.MaxUint16 {
		return nil, formatErr(ErrCodeBadDimensions, "dimensions too large")
	}

	stride := h.Stride()
	remaining := int64(len(payload) - r.off)
	if h.FrameCount > remaining/int64(stride) {
		return nil, formatErr(ErrCodeTruncated, "body holds fewer than %d frames of %d bytes", h.FrameCount, stride)
	}

	argWidth := 4 * int(h.ArgSlotCount)
	planes := int(h.LayerCount * h.SlotCount)
	frames := make([]Frame, 0, h.FrameCount)
	for i := 0; i < int(h.FrameCount); i++ {
		raw, _ := r.take(stride)
		f := Frame{
			Args:     bytes.Clone(raw[carrier.CodeSize : carrier.CodeSize+argWidth]),
			Snapshot: bytes.Clone(raw[carrier.CodeSize+argWidth:]),
		}
		f.OpCode, _ = carrier.CodeFromBytes(raw[:carrier.CodeSize])
		for j, b := range f.Snapshot[planes*carrier.CodeSize:] {
			if !carrier.SlotStatus(b).Valid() {
				e := formatErr(ErrCodeInvalidStatus, "status byte %d at slot %d", b, j)
				e.Frame = i
				return nil, e
			}
		}
		frames = append(frames, f)
	}

	footerBytes, ok := r.takeU16Section()
	if !ok {
		return nil, formatErr(ErrCodeTruncated, "footer")
	}
	if !ir.IsCanonical(footerBytes) {
		return nil, formatErr(ErrCodeNonCanonical, "footer is not canonical JSON")
	}
	var footer Footer
	if err := ir.DecodeStrict(footerBytes, &footer); err != nil {
		return nil, formatErr(ErrCodeBadFooter, "%v", err)
	}
	if r.off != len(payload) {
		return nil, formatErr(ErrCodeTrailingBytes, "%d bytes after footer", len(payload)-r.off)
	}

	return &Trace{Header: h, Frames: frames, Footer: footer, payload: bytes.Clone(payload)}, nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || len(r.data)-r.off < n {
		return nil, false
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, true
}

func (r *reader) takeU16Section() ([]byte, bool) {
	lb, ok := r.take(2)
	if !ok {
		return nil, false
	}
	return r.take(int(binary.LittleEndian.Uint16(lb)))
}
