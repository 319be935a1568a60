package carrier

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Code32 is a fixed-width identity code. Its byte form is little-endian:
// [domain, kind, local_id lo, local_id hi].
type Code32 struct {
	Domain  uint8
	Kind    uint8
	LocalID uint16
}

// Sentinel codes. Domain 0 kind 0 is reserved and always legal in the
// identity plane without a registry entry.
var (
	Padding      = Code32{0, 0, 0}
	InitialState = Code32{0, 0, 1}
	Terminal     = Code32{0, 0, 2}
)

// CodeSize is the byte width of a Code32.
const CodeSize = 4

// Bytes returns the little-endian byte form.
func (c Code32) Bytes() [CodeSize]byte {
	var b [CodeSize]byte
	b[0] = c.Domain
	b[1] = c.Kind
	binary.LittleEndian.PutUint16(b[2:], c.LocalID)
	return b
}

// Uint32 is the code read as a little-endian u32.
func (c Code32) Uint32() uint32 {
	b := c.Bytes()
	return binary.LittleEndian.Uint32(b[:])
}

// CodeFromBytes decodes a 4-byte code.
func CodeFromBytes(b []byte) (Code32, error) {
	if len(b) != CodeSize {
		return Code32{}, fmt.Errorf("code32: want %d bytes, got %d", CodeSize, len(b))
	}
	return Code32{Domain: b[0], Kind: b[1], LocalID: binary.LittleEndian.Uint16(b[2:])}, nil
}

// CodeFromUint32 inverts Uint32.
func CodeFromUint32(v uint32) Code32 {
	var b [CodeSize]byte
	binary.LittleEndian.PutUint32(b[:], v)
	c, _ := CodeFromBytes(b[:])
	return c
}

// IsSentinel reports whether c is in the reserved domain 0 / kind 0 range.
func (c Code32) IsSentinel() bool {
	return c.Domain == 0 && c.Kind == 0
}

// Hex renders the 4 bytes as lowercase hex.
func (c Code32) Hex() string {
	b := c.Bytes()
	return hex.EncodeToString(b[:])
}

// ParseCodeHex inverts Hex.
func ParseCodeHex(s string) (Code32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Code32{}, fmt.Errorf("code32 hex %q: %w", s, err)
	}
	return CodeFromBytes(b)
}

// Compare orders codes by their byte form.
func (c Code32) Compare(o Code32) int {
	a, b := c.Bytes(), o.Bytes()
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// String renders domain.kind.local_id.
func (c Code32) String() string {
	return fmt.Sprintf("%d.%d.%d", c.Domain, c.Kind, c.LocalID)
}
