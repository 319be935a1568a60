package carrier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry("epoch-1", []Allocation{
		{Concept: "value.beta", Code: Code32{1, 0, 2}},
		{Concept: "value.alpha", Code: Code32{1, 0, 1}},
	})
	require.NoError(t, err)
	return reg
}

func TestCode32ByteForm(t *testing.T) {
	c := Code32{Domain: 1, Kind: 2, LocalID: 0x0304}
	assert.Equal(t, [4]byte{1, 2, 0x04, 0x03}, c.Bytes())
	assert.Equal(t, "01020403", c.Hex())
	assert.Equal(t, c, CodeFromUint32(c.Uint32()))

	parsed, err := ParseCodeHex(c.Hex())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	assert.True(t, Padding.IsSentinel())
	assert.True(t, InitialState.IsSentinel())
	assert.False(t, c.IsSentinel())
	assert.Equal(t, -1, Code32{0, 0, 1}.Compare(Code32{0, 0, 2}))
}

func TestStatePlanes(t *testing.T) {
	st, err := NewState(2, 3)
	require.NoError(t, err)

	require.NoError(t, st.Set(1, 2, Code32{1, 0, 1}, Provisional))
	assert.Equal(t, Code32{1, 0, 1}, st.Identity(1, 2))
	assert.Equal(t, Provisional, st.Status(1, 2))
	assert.Equal(t, Hole, st.Status(0, 0))

	assert.Len(t, st.IdentityBytes(), 24)
	assert.Len(t, st.StatusBytes(), 6)
	assert.Len(t, st.EvidenceBytes(), SnapshotSize(2, 3))

	assert.Error(t, st.Set(2, 0, Padding, Hole))
	assert.Error(t, st.Set(0, 0, Padding, SlotStatus(7)))

	restored, err := FromSnapshot(2, 3, st.EvidenceBytes())
	require.NoError(t, err)
	assert.True(t, restored.Equal(st))
}

func TestStateCloneIsDeep(t *testing.T) {
	st, _ := NewState(1, 2)
	cl := st.Clone()
	require.NoError(t, cl.Set(0, 0, Code32{1, 0, 1}, Provisional))

	assert.Equal(t, Hole, st.Status(0, 0))
	assert.False(t, st.Equal(cl))
	assert.NotEqual(t, st.EvidenceDigest(), cl.EvidenceDigest())
}

func TestStateEqualityIsBytewise(t *testing.T) {
	a, _ := NewState(1, 2)
	b, _ := NewState(2, 1)
	// Same plane bytes, different shape.
	assert.False(t, a.Equal(b))

	c := a.Clone()
	require.NoError(t, c.SetStatus(0, 1, Provisional))
	assert.True(t, a.IdentityEqual(c))
	assert.False(t, a.Equal(c))
	assert.Equal(t, a.IdentityDigest(), c.IdentityDigest())
}

func TestFromPlanesRejectsInvalidStatus(t *testing.T) {
	_, err := FromPlanes(1, 1, make([]byte, 4), []byte{7})
	assert.Error(t, err)
	_, err = FromPlanes(0, 1, nil, nil)
	assert.Error(t, err)
	_, err = FromPlanes(1, 2, make([]byte, 4), []byte{0, 0})
	assert.Error(t, err)
}

func TestDimensionsAreBoundedBeforeMultiplying(t *testing.T) {
	const wide = MaxCells + 1
	_, err := FromSnapshot(wide, wide, nil)
	assert.Error(t, err)
	_, err = FromPlanes(wide, wide, nil, nil)
	assert.Error(t, err)
	_, err = NewState(2, MaxCells)
	assert.Error(t, err)

	_, err = FromSnapshot(1, 2, make([]byte, SnapshotSize(1, 2)))
	assert.NoError(t, err)
}

func TestRegistryCanonicalBytes(t *testing.T) {
	reg := testRegistry(t)
	assert.Equal(t,
		`{"allocations":[["value.alpha",[1,0,1,0]],["value.beta",[1,0,2,0]]],"epoch":"epoch-1"}`,
		string(reg.CanonicalBytes()))

	parsed, err := ParseRegistry(reg.CanonicalBytes())
	require.NoError(t, err)
	assert.Equal(t, reg.Digest(), parsed.Digest())
	assert.Equal(t, reg.Descriptor(), parsed.Descriptor())
}

func TestRegistryRejects(t *testing.T) {
	_, err := NewRegistry("", nil)
	assert.Error(t, err, "empty epoch")

	_, err = NewRegistry("e", []Allocation{{Concept: "x", Code: Padding}})
	assert.Error(t, err, "sentinel allocation")

	_, err = NewRegistry("e", []Allocation{
		{Concept: "x", Code: Code32{1, 0, 1}},
		{Concept: "y", Code: Code32{1, 0, 1}},
	})
	assert.Error(t, err, "duplicate code")

	_, err = ParseRegistry([]byte(`{"epoch":"e","allocations":[]}`))
	assert.Error(t, err, "non-canonical input")
}

func TestRegistryExtendIsAppendOnly(t *testing.T) {
	reg := testRegistry(t)

	next, err := reg.Extend("epoch-2", []Allocation{{Concept: "value.gamma", Code: Code32{1, 0, 3}}})
	require.NoError(t, err)
	assert.True(t, next.Contains(Code32{1, 0, 1}))
	assert.True(t, next.Contains(Code32{1, 0, 3}))
	assert.NotEqual(t, reg.Digest(), next.Digest())

	_, err = reg.Extend("epoch-2", []Allocation{{Concept: "other", Code: Code32{1, 0, 1}}})
	assert.Error(t, err, "reassigning an existing code")

	_, err = reg.Extend("epoch-1", nil)
	assert.Error(t, err)
}

func TestSchemaDescriptor(t *testing.T) {
	d := MustSchemaDescriptor("grid", "1", 1, 2)
	require.NoError(t, d.Verify())

	id, version, h, err := SplitDescriptor(d.String())
	require.NoError(t, err)
	assert.Equal(t, "grid", id)
	assert.Equal(t, "1", version)
	assert.Equal(t, d.Hash.Hex(), h)

	tampered := d
	tampered.SlotCount = 3
	assert.Error(t, tampered.Verify())
}
