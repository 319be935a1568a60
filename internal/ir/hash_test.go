package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalHashFormat(t *testing.T) {
	data := []byte(`{"a":1}`)

	h := sha256.New()
	h.Write([]byte("keel/fixture/v1"))
	h.Write([]byte{0x00})
	h.Write(data)
	want := "sha256:" + hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, want, CanonicalHash(DomainFixture, data).String())
}

func TestCanonicalHashDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t,
		CanonicalHash(DomainFixture, data),
		CanonicalHash(DomainPolicySnapshot, data),
		"same bytes under different domains must not collide")
}

func TestCanonicalHashNullSeparator(t *testing.T) {
	// Without the separator, "keel/a" + "bc" and "keel/ab" + "c" would collide.
	assert.NotEqual(t,
		CanonicalHash(Domain("keel/a"), []byte("bc")),
		CanonicalHash(Domain("keel/ab"), []byte("c")))
}

func TestContentHashAccessors(t *testing.T) {
	h := CanonicalHash(DomainBundleDigest, []byte("x"))
	raw := RawHash(DomainBundleDigest, []byte("x"))

	assert.Len(t, h.Hex(), 64)
	assert.Equal(t, raw, h.Raw())
	assert.Equal(t, h, FromRaw(raw))

	parsed, err := ParseContentHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseContentHashRejects(t *testing.T) {
	good := CanonicalHash(DomainFixture, nil).Hex()
	for _, s := range []string{
		good,
		"md5:" + good,
		"sha256:" + good[:63],
		"sha256:" + good[:63] + "G",
		"sha256:" + "ABCDEF" + good[6:],
	} {
		_, err := ParseContentHash(s)
		assert.Error(t, err, s)
	}
}

func TestHashCanonicalDeterministic(t *testing.T) {
	a := map[string]any{"z": int64(1), "a": []any{"x", int64(2)}}
	b := map[string]any{"a": []any{"x", int64(2)}, "z": int64(1)}

	ha, bytesA, err := HashCanonical(DomainFixture, a)
	require.NoError(t, err)
	hb, bytesB, err := HashCanonical(DomainFixture, b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Equal(t, bytesA, bytesB)
	assert.Equal(t, `{"a":["x",2],"z":1}`, string(bytesA))
}
