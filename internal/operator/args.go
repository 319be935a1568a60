package operator

import (
	"encoding/binary"
	"math"

	"github.com/roach88/keel/internal/carrier"
)

// Call is a decoded argument tuple.
type Call struct {
	Layer int
	Slot  int
	Value carrier.Code32
}

// SlotArgs encodes layer_slot_value arguments.
func SlotArgs(layer, slot int, value carrier.Code32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], uint32(layer))
	binary.LittleEndian.PutUint32(b[4:], uint32(slot))
	binary.LittleEndian.PutUint32(b[8:], value.Uint32())
	return b
}

// LayerArgs encodes layer arguments.
func LayerArgs(layer int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(layer))
	return b
}

func decodeArgs(sig Signature, args []byte, st *carrier.State) (Call, *ApplyError) {
	if len(args) != sig.ArgByteCount() {
		return Call{}, newApplyError(ErrCodeArgumentMismatch, sig.OpCode,
			"%s takes %d arg bytes, got %d", sig.Name, sig.ArgByteCount(), len(args))
	}
	var c Call
	layer := binary.LittleEndian.Uint32(args[0:])
	if layer > math.MaxInt32 || int(layer) >= st.Layers() {
		return Call{}, newApplyError(ErrCodeArgumentMismatch, sig.OpCode, "layer %d out of range", layer)
	}
	c.Layer = int(layer)
	c.Slot = st.Slots() - 1
	if sig.Args == ArgsLayerSlotValue {
		slot := binary.LittleEndian.Uint32(args[4:])
		if slot > math.MaxInt32 || int(slot) >= st.Slots() {
			return Call{}, newApplyError(ErrCodeArgumentMismatch, sig.OpCode, "slot %d out of range", slot)
		}
		c.Slot = int(slot)
		c.Value = carrier.CodeFromUint32(binary.LittleEndian.Uint32(args[8:]))
	}
	return c, nil
}

// resolve maps a SlotRef to a concrete (layer, slot).
func resolve(ref SlotRef, c Call, st *carrier.State) (int, int) {
	if ref.Kind == RefMarker {
		return c.Layer, st.Slots() - 1
	}
	return c.Layer, c.Slot
}

// ParseCall decodes args for sig without checking them against a state.
// Layer operators report Slot as -1.
func ParseCall(sig Signature, args []byte) (Call, error) {
	if len(args) != sig.ArgByteCount() {
		return Call{}, newApplyError(ErrCodeArgumentMismatch, sig.OpCode,
			"%s takes %d arg bytes, got %d", sig.Name, sig.ArgByteCount(), len(args))
	}
	c := Call{Layer: int(binary.LittleEndian.Uint32(args[0:])), Slot: -1}
	if sig.Args == ArgsLayerSlotValue {
		c.Slot = int(binary.LittleEndian.Uint32(args[4:]))
		c.Value = carrier.CodeFromUint32(binary.LittleEndian.Uint32(args[8:]))
	}
	return c, nil
}
