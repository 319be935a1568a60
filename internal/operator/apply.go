package operator

import (
	"github.com/roach88/keel/internal/carrier"
)

// Apply runs one operator against st and returns the successor state.
//
// The contract has three phases:
//  1. look up op in reg (unknown op fails closed)
//  2. decode args and check the precondition against the current planes
//  3. perform the effect on a clone, then independently diff the result
//     against the declared EffectKind
//
// st is never modified. Every failure is an *ApplyError.
func Apply(st *carrier.State, op carrier.Code32, args []byte, reg *Registry) (*carrier.State, error) {
	sig, call, err := prepare(st, op, args, reg)
	if err != nil {
		return nil, err
	}

	next := st.Clone()
	if err := perform(sig, call, next); err != nil {
		return nil, newApplyError(ErrCodeEffectMismatch, op, "perform: %v", err)
	}
	if err := checkEffect(sig, call, st, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Check runs phases 1 and 2 only. Worlds use it to decide legality without
// building a successor.
func Check(st *carrier.State, op carrier.Code32, args []byte, reg *Registry) error {
	_, _, err := prepare(st, op, args, reg)
	return err
}

func prepare(st *carrier.State, op carrier.Code32, args []byte, reg *Registry) (Signature, Call, error) {
	if reg == nil {
		return Signature{}, Call{}, newApplyError(ErrCodeUnknownOperator, op, "no operator registry supplied")
	}
	sig, ok := reg.Lookup(op)
	if !ok {
		return Signature{}, Call{}, newApplyError(ErrCodeUnknownOperator, op, "op code not registered")
	}
	call, aerr := decodeArgs(sig, args, st)
	if aerr != nil {
		return Signature{}, Call{}, aerr
	}
	if aerr := checkPrecondition(sig, call, st); aerr != nil {
		return Signature{}, Call{}, aerr
	}
	return sig, call, nil
}

func checkPrecondition(sig Signature, c Call, st *carrier.State) *ApplyError {
	markerSlot := st.Slots() - 1
	switch sig.EffectKind {
	case EffectStagesOneSlot:
		if st.Slots() < 2 || c.Slot == markerSlot {
			return newApplyError(ErrCodeArgumentMismatch, sig.OpCode,
				"slot %d is the transaction marker of layer %d", c.Slot, c.Layer)
		}
	case EffectCommitsTransaction:
		staged := 0
		for s := 0; s < markerSlot; s++ {
			if st.Status(c.Layer, s) == carrier.Provisional {
				staged++
			}
		}
		if staged == 0 {
			return newApplyError(ErrCodePreconditionUnmet, sig.OpCode,
				"layer %d has no provisional slots to commit", c.Layer)
		}
	}

	for i, p := range sig.Precondition {
		l, s := resolve(p.Target, c, st)
		id := st.Identity(l, s).Uint32()
		if id&p.Mask != p.Value {
			e := newApplyError(ErrCodePreconditionUnmet, sig.OpCode,
				"precondition %d: identity at (%d,%d) is %s", i, l, s, st.Identity(l, s))
			e.Details = map[string]string{"layer": itoa(l), "slot": itoa(s)}
			return e
		}
		if p.Status == StatusMustBeHole && st.Status(l, s) != carrier.Hole {
			e := newApplyError(ErrCodePreconditionUnmet, sig.OpCode,
				"precondition %d: slot (%d,%d) is %s, want hole", i, l, s, st.Status(l, s))
			e.Details = map[string]string{"layer": itoa(l), "slot": itoa(s)}
			return e
		}
	}
	return nil
}

// perform executes the declared effect on next in place.
func perform(sig Signature, c Call, next *carrier.State) error {
	e := sig.Effect[0]
	l, s := resolve(e.Target, c, next)

	if sig.EffectKind == EffectCommitsTransaction {
		for sl := 0; sl < next.Slots()-1; sl++ {
			if next.Status(l, sl) == carrier.Provisional {
				if err := next.SetStatus(l, sl, carrier.Committed); err != nil {
					return err
				}
			}
		}
	}

	v := e.Value
	if e.FromArgs {
		v = c.Value.Uint32()
	}
	old := next.Identity(l, s).Uint32()
	id := (old &^ e.Mask) | (v & e.Mask)
	return next.Set(l, s, carrier.CodeFromUint32(id), e.Status)
}
