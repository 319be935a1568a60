package trace

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/carrier"
	"github.com/roach88/keel/internal/envelope"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/operator"
)

var (
	valueA = carrier.Code32{Domain: 1, Kind: 0, LocalID: 1}
	valueB = carrier.Code32{Domain: 1, Kind: 0, LocalID: 2}
)

func testHeader() Header {
	return Header{
		ArgSlotCount:  3,
		CodebookHash:  ir.CanonicalHash(ir.DomainCodebook, []byte("cb")),
		FixtureHash:   ir.CanonicalHash(ir.DomainFixture, []byte("fx")),
		LayerCount:    1,
		RegistryEpoch: "epoch-1",
		RegistryHash:  ir.CanonicalHash(ir.DomainRegistrySnapshot, []byte("reg")),
		SchemaID:      "grid",
		SchemaVersion: "1",
		SlotCount:     2,
	}
}

// buildTrace applies SET_SLOT to slot 0 then slot 1 of a 1x2 state.
func buildTrace(t *testing.T) (*Trace, *carrier.State) {
	t.Helper()
	ops := operator.KernelRegistry()
	initial, err := carrier.NewState(1, 2)
	require.NoError(t, err)

	b, err := NewBuilder(testHeader(), initial)
	require.NoError(t, err)

	state := initial
	for i, v := range []carrier.Code32{valueA, valueB} {
		args := operator.SlotArgs(0, i, v)
		next, err := operator.Apply(state, operator.OpSetSlot, args, ops)
		require.NoError(t, err)
		require.NoError(t, b.Append(operator.OpSetSlot, args, next))
		state = next
	}

	tr, err := b.Finish(Footer{SuiteIdentity: ir.CanonicalHash(ir.DomainSuiteIdentity, []byte("grid"))})
	require.NoError(t, err)
	return tr, initial
}

func encode(t *testing.T, tr *Trace) []byte {
	t.Helper()
	data, err := Encode(tr, envelope.NewFixed().Envelope("grid"))
	require.NoError(t, err)
	return data
}

func TestTraceRoundTrip(t *testing.T) {
	tr, _ := buildTrace(t)
	assert.Equal(t, int64(3), tr.Header.FrameCount)
	assert.Equal(t, 26, tr.Header.Stride())

	data := encode(t, tr)
	decoded, env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, envelope.Epoch, env.Timestamp)
	assert.Equal(t, tr.Header, decoded.Header)
	assert.Equal(t, tr.Footer, decoded.Footer)
	assert.Equal(t, tr.PayloadHash(), decoded.PayloadHash())
	assert.Equal(t, tr.StepChain(), decoded.StepChain())

	h, err := PayloadHashOf(data)
	require.NoError(t, err)
	assert.Equal(t, tr.PayloadHash(), h)
}

func TestReplayVerifyMatch(t *testing.T) {
	tr, initial := buildTrace(t)
	v := ReplayVerify(tr, operator.KernelRegistry(), WithInitialState(initial), WithPayloadHash(tr.PayloadHash()))
	assert.True(t, v.Matched(), v.Detail)
}

func TestReplayVerifyBindsFrameZero(t *testing.T) {
	ops := operator.KernelRegistry()
	tr, initial := buildTrace(t)

	v := ReplayVerify(tr, ops)
	assert.Equal(t, VerdictDivergence, v.Kind)
	assert.Equal(t, 0, v.FrameIndex)

	other, err := operator.Apply(initial, operator.OpSetSlot, operator.SlotArgs(0, 1, valueB), ops)
	require.NoError(t, err)
	v = ReplayVerify(tr, ops, WithInitialState(other))
	assert.Equal(t, VerdictDivergence, v.Kind)
	assert.Equal(t, 0, v.FrameIndex)

	b, err := NewBuilder(testHeader(), initial)
	require.NoError(t, err)
	single, err := b.Finish(Footer{SuiteIdentity: ir.CanonicalHash(ir.DomainSuiteIdentity, []byte("grid"))})
	require.NoError(t, err)
	require.Len(t, single.Frames, 1)
	assert.False(t, ReplayVerify(single, ops).Matched())
	assert.False(t, ReplayVerify(single, ops, WithInitialState(other)).Matched())
	assert.True(t, ReplayVerify(single, ops, WithInitialState(initial)).Matched())
}

func TestReplayVerifyLocalizesSingleByteFlips(t *testing.T) {
	tr, initial := buildTrace(t)
	data := encode(t, tr)

	header, err := ir.MarshalCanonical(tr.Header)
	require.NoError(t, err)
	bodyStart := len(data) - len(tr.Payload()) + len(Magic) + 2 + len(header)
	stride := tr.Header.Stride()
	ops := operator.KernelRegistry()

	for frame := 0; frame < int(tr.Header.FrameCount); frame++ {
		for off := 0; off < stride; off++ {
			corrupt := bytes.Clone(data)
			corrupt[bodyStart+frame*stride+off] ^= 0xFF

			v, err := ReplayVerifyBytes(corrupt, ops, WithInitialState(initial))
			require.NoError(t, err)
			require.Equal(t, VerdictDivergence, v.Kind, "frame %d offset %d", frame, off)
			assert.Equal(t, frame, v.FrameIndex, "frame %d offset %d: %s", frame, off, v.Detail)
		}
	}
}

func TestEnvelopeExcludedFromPayload(t *testing.T) {
	tr, _ := buildTrace(t)
	a, err := Encode(tr, envelope.NewFixed().Envelope("grid"))
	require.NoError(t, err)
	b, err := Encode(tr, envelope.NewLive().Envelope("grid"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	ha, _ := PayloadHashOf(a)
	hb, _ := PayloadHashOf(b)
	assert.Equal(t, ha, hb)
}

func TestStepChainLinksEveryFrame(t *testing.T) {
	tr, _ := buildTrace(t)
	chain := tr.StepChain()
	require.Len(t, chain, 3)
	assert.NotEqual(t, chain[0], chain[1])
	assert.Equal(t, chain[2], tr.StepChainDigest())
}

func TestDecodeRejects(t *testing.T) {
	tr, _ := buildTrace(t)
	payload := tr.Payload()
	header, _ := ir.MarshalCanonical(tr.Header)

	withHeader := func(h []byte) []byte {
		var buf bytes.Buffer
		buf.WriteString(Magic)
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], uint16(len(h)))
		buf.Write(n[:])
		buf.Write(h)
		buf.Write(payload[len(Magic)+2+len(header):])
		return buf.Bytes()
	}

	zeroSlots := tr.Header
	zeroSlots.SlotCount = 0
	zeroHeader, _ := ir.MarshalCanonical(zeroSlots)

	tests := []struct {
		name    string
		payload []byte
		code    FormatErrorCode
	}{
		{"bad magic", append([]byte("XST1"), payload[4:]...), ErrCodeBadMagic},
		{"empty", nil, ErrCodeTruncated},
		{"truncated body", payload[:len(payload)-40], ErrCodeTruncated},
		{"trailing bytes", append(bytes.Clone(payload), 0), ErrCodeTrailingBytes},
		{"non-canonical header", withHeader(append([]byte(" "), header[:len(header)-1]...)), ErrCodeNonCanonical},
		{"non-positive dimension", withHeader(zeroHeader), ErrCodeBadDimensions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.payload)
			require.Error(t, err)
			assert.True(t, IsFormatError(err, tt.code), "got %v", err)
		})
	}
}

// oversizedTrace encodes a log whose header claims 2^32 x 2^32 slots. Two
// frames follow, each sized as if that product had wrapped to zero.
func oversizedTrace(t *testing.T) []byte {
	t.Helper()
	h := testHeader()
	h.LayerCount = 1 << 32
	h.SlotCount = 1 << 32
	h.FrameCount = 2
	header, err := ir.MarshalCanonical(h)
	require.NoError(t, err)
	footer, err := ir.MarshalCanonical(Footer{SuiteIdentity: ir.CanonicalHash(ir.DomainSuiteIdentity, []byte("grid"))})
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString(Magic)
	writeU16(&buf, len(header))
	buf.Write(header)
	initial := carrier.InitialState.Bytes()
	buf.Write(initial[:])
	buf.Write(make([]byte, 12))
	op := operator.OpSetSlot.Bytes()
	buf.Write(op[:])
	args := make([]byte, 12)
	copy(args, operator.SlotArgs(0, 0, valueA))
	buf.Write(args)
	writeU16(&buf, len(footer))
	buf.Write(footer)
	return buf.Bytes()
}

func TestDecodeRejectsDimensionOverflow(t *testing.T) {
	payload := oversizedTrace(t)
	_, err := DecodePayload(payload)
	require.Error(t, err)
	assert.True(t, IsFormatError(err, ErrCodeBadDimensions), "got %v", err)

	prefix, err := envelope.Encode(envelope.NewFixed().Envelope("grid"))
	require.NoError(t, err)
	data := append(prefix, payload...)
	initial, err := carrier.NewState(1, 2)
	require.NoError(t, err)
	require.NotPanics(t, func() {
		_, err = ReplayVerifyBytes(data, operator.KernelRegistry(), WithInitialState(initial))
	})
	assert.True(t, IsFormatError(err, ErrCodeBadDimensions), "got %v", err)
}

func TestReplayVerifyRejectsOversizedHeader(t *testing.T) {
	tr, initial := buildTrace(t)
	tr.Header.LayerCount = 1 << 32
	tr.Header.SlotCount = 1 << 32

	var v Verdict
	require.NotPanics(t, func() {
		v = ReplayVerify(tr, operator.KernelRegistry(), WithInitialState(initial))
	})
	assert.Equal(t, VerdictDivergence, v.Kind)
	assert.Equal(t, 0, v.FrameIndex)
}

func TestDecodeRejectsInvalidStatus(t *testing.T) {
	tr, _ := buildTrace(t)
	payload := tr.Payload()
	header, _ := ir.MarshalCanonical(tr.Header)
	// Frame 1's first status byte: after op (4), args (12) and identity (8).
	idx := len(Magic) + 2 + len(header) + tr.Header.Stride() + 4 + 12 + 8
	payload[idx] = 7

	_, err := DecodePayload(payload)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrCodeInvalidStatus, fe.Code)
	assert.Equal(t, 1, fe.Frame)
}

func TestBuilderRejectsShapeMismatch(t *testing.T) {
	wide, _ := carrier.NewState(1, 3)
	_, err := NewBuilder(testHeader(), wide)
	assert.Error(t, err)

	initial, _ := carrier.NewState(1, 2)
	b, err := NewBuilder(testHeader(), initial)
	require.NoError(t, err)
	assert.Error(t, b.Append(operator.OpSetSlot, make([]byte, 16), initial))
}
