package ot

import "fmt"

// Transform derives the bottom two sides of the OT diamond. Given two
// operations a and b generated against the same base document, it returns
// (a', b') such that applying a then b' yields the same content as applying
// b then a'.
//
// Tie-break: when both sides insert at the same position, a's insertion is
// placed before b's. Callers pass the operation with the lower priority key
// (lexicographically smaller client ID) as a, so every replica picks the
// same winner without communication.
//
// A deletion never destroys a concurrent insertion: the insertion survives,
// repositioned to the start of the deleted range. Overlapping deletions
// remove the overlap exactly once.
func Transform(a, b Operation) (aPrime, bPrime Operation, err error) {
	if err := a.Validate(); err != nil {
		return nil, nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	if a.BaseLen() != b.BaseLen() {
		return nil, nil, fmt.Errorf("ot: transform base mismatch: a consumes %d, b consumes %d: %w",
			a.BaseLen(), b.BaseLen(), ErrLengthMismatch)
	}

	ia, ib := &iter{op: a}, &iter{op: b}
	aPrime, bPrime = New(), New()
	for !ia.done() || !ib.done() {
		// a's insert goes first at equal positions; b' must retain past it.
		if ca := ia.peek(); ca != nil && ca.Kind == KindInsert {
			c := ia.takeAll()
			aPrime = aPrime.Insert(c.Text, c.Attrs)
			bPrime = bPrime.Retain(c.textLen(), nil)
			continue
		}
		if cb := ib.peek(); cb != nil && cb.Kind == KindInsert {
			c := ib.takeAll()
			aPrime = aPrime.Retain(c.textLen(), nil)
			bPrime = bPrime.Insert(c.Text, c.Attrs)
			continue
		}
		ca, cb := ia.peek(), ib.peek()
		if ca == nil || cb == nil {
			return nil, nil, fmt.Errorf("ot: transform ran out of components: %w", ErrLengthMismatch)
		}
		n := min(ia.remaining(), ib.remaining())
		switch {
		case ca.Kind == KindRetain && cb.Kind == KindRetain:
			// When both sides set the same attribute key on a span, the
			// priority side wins: b' drops the conflicting keys so both
			// application orders end with identical styles.
			x, y := ia.take(n), ib.take(n)
			aPrime = aPrime.Retain(n, x.Attrs)
			bPrime = bPrime.Retain(n, subtractAttrs(y.Attrs, x.Attrs))
		case ca.Kind == KindDelete && cb.Kind == KindDelete:
			// Both deleted the same span; it is already gone on each side.
			ia.take(n)
			ib.take(n)
		case ca.Kind == KindDelete && cb.Kind == KindRetain:
			ia.take(n)
			ib.take(n)
			aPrime = aPrime.Delete(n)
		case ca.Kind == KindRetain && cb.Kind == KindDelete:
			ia.take(n)
			ib.take(n)
			bPrime = bPrime.Delete(n)
		}
	}
	return aPrime, bPrime, nil
}

// subtractAttrs returns the keys of b not present in a. Returns nil when
// nothing is left.
func subtractAttrs(b, a Attributes) Attributes {
	if len(b) == 0 {
		return nil
	}
	out := make(Attributes, len(b))
	for k, v := range b {
		if _, taken := a[k]; !taken {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Bias controls how TransformPosition treats an insertion landing exactly
// at the position being remapped.
type Bias int

const (
	// BiasLeft keeps the position before text inserted exactly at it.
	BiasLeft Bias = iota
	// BiasRight moves the position past text inserted exactly at it.
	BiasRight
)

// TransformPosition remaps a single cursor or selection endpoint across an
// applied operation. Insertions before the position shift it right by the
// inserted length; insertions exactly at it follow bias; a deletion
// covering the position clamps it to the deletion start.
func TransformPosition(pos int, op Operation, bias Bias) int {
	idx := 0 // position in the base document
	out := pos
	for _, c := range op {
		if idx > pos {
			break
		}
		switch c.Kind {
		case KindRetain:
			idx += c.N
		case KindInsert:
			if idx < pos || (idx == pos && bias == BiasRight) {
				out += c.textLen()
			}
		case KindDelete:
			if idx < pos {
				out -= min(c.N, pos-idx)
			}
			idx += c.N
		}
	}
	if out < 0 {
		out = 0
	}
	return out
}
