package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/carrier"
)

func TestKernelRegistryRoundTrip(t *testing.T) {
	reg := KernelRegistry()
	assert.Equal(t, []carrier.Code32{OpSetSlot, OpStage, OpCommit, OpRollback}, reg.OpCodes())

	parsed, err := ParseRegistry(reg.CanonicalBytes())
	require.NoError(t, err)
	assert.Equal(t, reg.Digest(), parsed.Digest())
	assert.Equal(t, reg.Digest(), DigestOf(reg.CanonicalBytes()))
}

func TestRegistryDigestIgnoresInputOrder(t *testing.T) {
	a := MustRegistry(SetSlotSignature(), CommitSignature())
	b := MustRegistry(CommitSignature(), SetSlotSignature())
	assert.Equal(t, a.CanonicalBytes(), b.CanonicalBytes())
	assert.NotEqual(t, a.Digest(), KernelRegistry().Digest())
}

func TestNewRegistryRejects(t *testing.T) {
	_, err := NewRegistry(SetSlotSignature(), SetSlotSignature())
	assert.Error(t, err, "duplicate op code")

	bad := SetSlotSignature()
	bad.EffectKind = "teleports"
	_, err = NewRegistry(bad)
	assert.Error(t, err, "unknown effect kind")

	bad = CommitSignature()
	bad.Args = ArgsLayerSlotValue
	_, err = NewRegistry(bad)
	assert.Error(t, err, "commit with slot args")

	bad = SetSlotSignature()
	bad.OpCode = carrier.Padding
	_, err = NewRegistry(bad)
	assert.Error(t, err, "sentinel op code")
}

func TestParseRegistryRejectsEdits(t *testing.T) {
	data := KernelRegistry().CanonicalBytes()
	_, err := ParseRegistry(append([]byte(" "), data...))
	assert.Error(t, err)
}
