package carrier

import (
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/ir"
)

// SchemaDescriptor names the layout a payload compiles against. Hash covers
// every other field, so a descriptor cannot be edited without detection.
type SchemaDescriptor struct {
	ID         string
	Version    string
	LayerCount int
	SlotCount  int
	Hash       ir.ContentHash
}

// NewSchemaDescriptor builds a descriptor and computes its hash.
func NewSchemaDescriptor(id, version string, layers, slots int) (SchemaDescriptor, error) {
	d := SchemaDescriptor{ID: id, Version: version, LayerCount: layers, SlotCount: slots}
	h, err := d.computeHash()
	if err != nil {
		return SchemaDescriptor{}, err
	}
	d.Hash = h
	return d, nil
}

// MustSchemaDescriptor is like NewSchemaDescriptor but panics on error.
// Use only in tests or for built-in worlds.
func MustSchemaDescriptor(id, version string, layers, slots int) SchemaDescriptor {
	d, err := NewSchemaDescriptor(id, version, layers, slots)
	if err != nil {
		panic(err)
	}
	return d
}

func (d SchemaDescriptor) computeHash() (ir.ContentHash, error) {
	h, _, err := ir.HashCanonical(ir.DomainSchemaBundle, ir.Obj(
		ir.O("id", ir.IRString(d.ID)),
		ir.O("layer_count", ir.IRInt(d.LayerCount)),
		ir.O("schema_version", ir.IRString("schema.v1")),
		ir.O("slot_count", ir.IRInt(d.SlotCount)),
		ir.O("version", ir.IRString(d.Version)),
	))
	return h, err
}

// Verify recomputes Hash.
func (d SchemaDescriptor) Verify() error {
	h, err := d.computeHash()
	if err != nil {
		return err
	}
	if h != d.Hash {
		return fmt.Errorf("schema %s: descriptor hash %s does not match contents (%s)", d.ID, d.Hash, h)
	}
	return nil
}

// String renders "id:version:hex". Graph metadata and tape headers carry
// this form.
func (d SchemaDescriptor) String() string {
	return d.ID + ":" + d.Version + ":" + d.Hash.Hex()
}

// SplitDescriptor parses the "id:version:hex" form without the layout fields.
func SplitDescriptor(s string) (id, version, hexHash string, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("schema descriptor %q: want id:version:hash", s)
	}
	if err := ir.ValidateHex(parts[2]); err != nil {
		return "", "", "", fmt.Errorf("schema descriptor %q: %w", s, err)
	}
	return parts[0], parts[1], parts[2], nil
}
