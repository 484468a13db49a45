package ot

import "fmt"

// Compose merges two sequential operations (a applied, then b) into one
// equivalent operation. It is used to coalesce rapid local edits into a
// single network message. b must apply to the output of a.
func Compose(a, b Operation) (Operation, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if a.TargetLen() != b.BaseLen() {
		return nil, fmt.Errorf("ot: compose length mismatch: a produces %d, b consumes %d: %w",
			a.TargetLen(), b.BaseLen(), ErrLengthMismatch)
	}

	ia, ib := &iter{op: a}, &iter{op: b}
	out := New()
	for !ia.done() || !ib.done() {
		// a's deletes act on the base and pass through untouched; b never
		// sees the deleted span.
		if ca := ia.peek(); ca != nil && ca.Kind == KindDelete {
			out = out.Delete(ia.takeAll().N)
			continue
		}
		// b's inserts land regardless of what a did.
		if cb := ib.peek(); cb != nil && cb.Kind == KindInsert {
			c := ib.takeAll()
			out = out.Insert(c.Text, c.Attrs)
			continue
		}
		ca, cb := ia.peek(), ib.peek()
		if ca == nil || cb == nil {
			return nil, fmt.Errorf("ot: compose ran out of components: %w", ErrLengthMismatch)
		}
		n := min(ia.remaining(), ib.remaining())
		switch {
		case ca.Kind == KindRetain && cb.Kind == KindRetain:
			x, y := ia.take(n), ib.take(n)
			out = out.Retain(n, composeAttrs(x.Attrs, y.Attrs))
		case ca.Kind == KindRetain && cb.Kind == KindDelete:
			ia.take(n)
			ib.take(n)
			out = out.Delete(n)
		case ca.Kind == KindInsert && cb.Kind == KindRetain:
			x, y := ia.take(n), ib.take(n)
			out = out.Insert(x.Text, composeAttrs(x.Attrs, y.Attrs))
		case ca.Kind == KindInsert && cb.Kind == KindDelete:
			// b deletes text a inserted; the two cancel.
			ia.take(n)
			ib.take(n)
		}
	}
	return out, nil
}
