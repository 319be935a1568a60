package operator

import (
	"strconv"

	"github.com/roach88/keel/internal/carrier"
)

type slotDiff struct {
	layer, slot       int
	beforeID, afterID carrier.Code32
	beforeSt, afterSt carrier.SlotStatus
}

func diffStates(before, after *carrier.State) []slotDiff {
	var out []slotDiff
	for l := 0; l < before.Layers(); l++ {
		for s := 0; s < before.Slots(); s++ {
			d := slotDiff{
				layer: l, slot: s,
				beforeID: before.Identity(l, s), afterID: after.Identity(l, s),
				beforeSt: before.Status(l, s), afterSt: after.Status(l, s),
			}
			if d.beforeID != d.afterID || d.beforeSt != d.afterSt {
				out = append(out, d)
			}
		}
	}
	return out
}

// checkEffect counts the actual identity and status diffs between before and
// after and requires them to match sig.EffectKind exactly. It shares nothing
// with perform beyond the signature, so a performer bug cannot vouch for
// itself.
func checkEffect(sig Signature, c Call, before, after *carrier.State) *ApplyError {
	fail := func(format string, args ...any) *ApplyError {
		e := newApplyError(ErrCodeEffectMismatch, sig.OpCode, format, args...)
		e.Details = map[string]string{"effect_kind": string(sig.EffectKind)}
		return e
	}

	if !before.SameShape(after) {
		return fail("state shape changed")
	}

	diffs := diffStates(before, after)
	for _, d := range diffs {
		if d.afterSt < d.beforeSt {
			return fail("slot (%d,%d) status decreased %s -> %s", d.layer, d.slot, d.beforeSt, d.afterSt)
		}
		if d.beforeSt != carrier.Hole && d.beforeID != d.afterID {
			return fail("slot (%d,%d) identity rewritten after it left hole", d.layer, d.slot)
		}
		if d.afterSt == carrier.Hole {
			return fail("slot (%d,%d) changed identity but stayed hole", d.layer, d.slot)
		}
	}

	markerSlot := before.Slots() - 1
	expectID := func(e EffectEntry) uint32 {
		if e.FromArgs {
			return c.Value.Uint32() & e.Mask
		}
		return e.Value & e.Mask
	}

	switch sig.EffectKind {
	case EffectWritesOneSlotFromArgs, EffectStagesOneSlot:
		if len(diffs) != 1 {
			return fail("want exactly 1 slot write, got %d", len(diffs))
		}
		d := diffs[0]
		if d.layer != c.Layer || d.slot != c.Slot {
			return fail("wrote (%d,%d), arguments name (%d,%d)", d.layer, d.slot, c.Layer, c.Slot)
		}
		if d.beforeSt != carrier.Hole || d.afterSt != carrier.Provisional {
			return fail("slot went %s -> %s, want hole -> provisional", d.beforeSt, d.afterSt)
		}
		if d.afterID.Uint32()&sig.Effect[0].Mask != expectID(sig.Effect[0]) {
			return fail("slot holds %s, arguments carry %s", d.afterID, c.Value)
		}
		if sig.EffectKind == EffectStagesOneSlot && after.Status(c.Layer, markerSlot) != carrier.Hole {
			return fail("transaction marker of layer %d is closed", c.Layer)
		}

	case EffectCommitsTransaction:
		promoted := 0
		sawMarker := false
		for _, d := range diffs {
			if d.layer != c.Layer {
				return fail("commit touched layer %d", d.layer)
			}
			if d.slot == markerSlot {
				sawMarker = true
				if d.beforeSt != carrier.Hole || d.afterSt != carrier.Committed || d.afterID.Uint32() != expectID(sig.Effect[0]) {
					return fail("marker went %s/%s -> %s/%s", d.beforeID, d.beforeSt, d.afterID, d.afterSt)
				}
				continue
			}
			if d.beforeSt != carrier.Provisional || d.afterSt != carrier.Committed || d.beforeID != d.afterID {
				return fail("slot (%d,%d) went %s -> %s during commit", d.layer, d.slot, d.beforeSt, d.afterSt)
			}
			promoted++
		}
		if !sawMarker {
			return fail("commit did not write the marker")
		}
		if promoted == 0 {
			return fail("commit promoted no slots")
		}
		for s := 0; s < markerSlot; s++ {
			if after.Status(c.Layer, s) == carrier.Provisional {
				return fail("slot (%d,%d) left provisional after commit", c.Layer, s)
			}
		}

	case EffectRollsBackTransaction:
		if len(diffs) != 1 {
			return fail("want exactly 1 marker write, got %d", len(diffs))
		}
		d := diffs[0]
		if d.layer != c.Layer || d.slot != markerSlot {
			return fail("rollback wrote (%d,%d), not the marker", d.layer, d.slot)
		}
		if d.beforeSt != carrier.Hole || d.afterSt != carrier.Committed || d.afterID.Uint32() != expectID(sig.Effect[0]) {
			return fail("marker went %s/%s -> %s/%s", d.beforeID, d.beforeSt, d.afterID, d.afterSt)
		}

	default:
		return fail("unknown effect kind")
	}
	return nil
}

func itoa(n int) string { return strconv.Itoa(n) }
