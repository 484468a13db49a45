// Package ot implements the operation model and transform algebra for
// collaborative text editing. An Operation is an ordered sequence of
// components (retain, insert, delete) valid against a document of a
// specific rune length; Transform rebases two concurrent operations so
// that every replica converges on the same content.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrLengthMismatch is returned when an operation's consumed length does
// not equal the length of the document it is applied against.
var ErrLengthMismatch = errors.New("ot: operation length does not match document length")

// Kind identifies a component type.
type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Attributes are style attributes applied over a span, e.g. "bold": "true"
// or "color": "#cc0000". An empty-string value removes the attribute when
// composed or applied over existing content.
type Attributes map[string]string

// Equal reports whether two attribute sets carry the same keys and values.
// A nil map and an empty map are equal.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func (a Attributes) clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// composeAttrs layers b over a. Keys in b win; an empty-string value in b
// clears the key. Returns nil when the result is empty.
func composeAttrs(a, b Attributes) Attributes {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(Attributes, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v == "" {
			delete(out, k)
		} else {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Component is one element of an operation. Retain and Delete consume N
// runes of the base document; Insert adds Text without consuming anything.
type Component struct {
	Kind  Kind       `json:"kind"`
	N     int        `json:"n,omitempty"`
	Text  string     `json:"text,omitempty"`
	Attrs Attributes `json:"attrs,omitempty"`
}

func (c Component) textLen() int {
	return len([]rune(c.Text))
}

// Operation is an ordered sequence of components. The sum of retain and
// delete lengths must equal the rune length of the document it applies to.
type Operation []Component

// New returns an empty operation, the start of a builder chain:
//
//	op := ot.New().Retain(3, nil).Insert("x", nil).Delete(2)
func New() Operation {
	return Operation{}
}

// Retain appends a retain component, merging with a trailing retain that
// carries the same attributes. Zero and negative lengths are dropped.
func (op Operation) Retain(n int, attrs Attributes) Operation {
	if n <= 0 {
		return op
	}
	if l := len(op) - 1; l >= 0 && op[l].Kind == KindRetain && op[l].Attrs.Equal(attrs) {
		op[l].N += n
		return op
	}
	return append(op, Component{Kind: KindRetain, N: n, Attrs: attrs.clone()})
}

// Insert appends an insert component, merging with a trailing insert that
// carries the same attributes.
func (op Operation) Insert(text string, attrs Attributes) Operation {
	if text == "" {
		return op
	}
	if l := len(op) - 1; l >= 0 && op[l].Kind == KindInsert && op[l].Attrs.Equal(attrs) {
		op[l].Text += text
		return op
	}
	return append(op, Component{Kind: KindInsert, Text: text, Attrs: attrs.clone()})
}

// Delete appends a delete component, merging with a trailing delete.
func (op Operation) Delete(n int) Operation {
	if n <= 0 {
		return op
	}
	if l := len(op) - 1; l >= 0 && op[l].Kind == KindDelete {
		op[l].N += n
		return op
	}
	return append(op, Component{Kind: KindDelete, N: n})
}

// BaseLen is the rune length of the document this operation applies to:
// the sum of retain and delete lengths.
func (op Operation) BaseLen() int {
	n := 0
	for _, c := range op {
		switch c.Kind {
		case KindRetain, KindDelete:
			n += c.N
		}
	}
	return n
}

// TargetLen is the rune length of the document after applying this
// operation: retains plus inserts.
func (op Operation) TargetLen() int {
	n := 0
	for _, c := range op {
		switch c.Kind {
		case KindRetain:
			n += c.N
		case KindInsert:
			n += c.textLen()
		}
	}
	return n
}

// IsIdentity reports whether applying the operation leaves the document
// unchanged: no inserts, no deletes, no attribute changes.
func (op Operation) IsIdentity() bool {
	for _, c := range op {
		if c.Kind != KindRetain || len(c.Attrs) > 0 {
			return false
		}
	}
	return true
}

// Validate checks structural well-formedness: positive lengths, non-empty
// inserts, known kinds.
func (op Operation) Validate() error {
	for i, c := range op {
		switch c.Kind {
		case KindRetain, KindDelete:
			if c.N <= 0 {
				return fmt.Errorf("ot: component %d: %s length %d", i, c.Kind, c.N)
			}
		case KindInsert:
			if c.Text == "" {
				return fmt.Errorf("ot: component %d: empty insert", i)
			}
		default:
			return fmt.Errorf("ot: component %d: unknown kind %q", i, c.Kind)
		}
	}
	return nil
}

func (op Operation) String() string {
	b, _ := json.Marshal(op)
	return string(b)
}

// iter walks an operation component by component, splitting components on
// demand so callers can consume partial lengths.
type iter struct {
	op  Operation
	idx int
	// offset consumed within op[idx]: runes for retain/delete, runes of
	// text for insert.
	off int
}

func (it *iter) done() bool {
	return it.idx >= len(it.op)
}

func (it *iter) peek() *Component {
	if it.done() {
		return nil
	}
	return &it.op[it.idx]
}

// remaining returns the unconsumed span of the current component.
func (it *iter) remaining() int {
	c := it.peek()
	if c == nil {
		return 0
	}
	if c.Kind == KindInsert {
		return c.textLen() - it.off
	}
	return c.N - it.off
}

// take consumes up to n runes of the current component and returns the
// consumed slice as a component. For inserts, n indexes runes of the text.
func (it *iter) take(n int) Component {
	c := it.peek()
	rem := it.remaining()
	if n >= rem {
		n = rem
	}
	var out Component
	var total int
	if c.Kind == KindInsert {
		runes := []rune(c.Text)
		out = Component{Kind: KindInsert, Text: string(runes[it.off : it.off+n]), Attrs: c.Attrs}
		total = len(runes)
	} else {
		out = Component{Kind: c.Kind, N: n, Attrs: c.Attrs}
		total = c.N
	}
	it.off += n
	if it.off >= total {
		it.idx++
		it.off = 0
	}
	return out
}

// takeAll consumes the rest of the current component.
func (it *iter) takeAll() Component {
	return it.take(it.remaining())
}
