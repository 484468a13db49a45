package ot

import "strings"

// Run is a span of text whose characters all carry the same attributes.
type Run struct {
	Text  string     `json:"text"`
	Attrs Attributes `json:"attrs,omitempty"`
}

// Text is document content: a sequence of runes with per-run style
// attributes. The zero value is an empty document.
type Text struct {
	runs []Run
	n    int // rune length
}

// NewText returns unstyled content holding s.
func NewText(s string) *Text {
	t := &Text{}
	if s != "" {
		t.runs = []Run{{Text: s}}
		t.n = len([]rune(s))
	}
	return t
}

// FromRuns rebuilds content from styled runs, e.g. ones decoded from
// storage. Adjacent runs with equal attributes are merged.
func FromRuns(runs []Run) *Text {
	var b textBuilder
	for _, r := range runs {
		b.push(r.Text, r.Attrs)
	}
	return b.text()
}

// Len is the content length in runes.
func (t *Text) Len() int {
	return t.n
}

// String is the plain text, styles stripped.
func (t *Text) String() string {
	var b strings.Builder
	for _, r := range t.runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

// Runs returns a copy of the styled runs.
func (t *Text) Runs() []Run {
	out := make([]Run, len(t.runs))
	for i, r := range t.runs {
		out[i] = Run{Text: r.Text, Attrs: r.Attrs.clone()}
	}
	return out
}

// Clone returns an independent copy.
func (t *Text) Clone() *Text {
	return &Text{runs: t.Runs(), n: t.n}
}

// slice returns the runs covering the rune range [from, to).
func (t *Text) slice(from, to int) []Run {
	var out []Run
	pos := 0
	for _, r := range t.runs {
		runes := []rune(r.Text)
		start, end := pos, pos+len(runes)
		pos = end
		if end <= from {
			continue
		}
		if start >= to {
			break
		}
		lo, hi := max(start, from), min(end, to)
		out = append(out, Run{Text: string(runes[lo-start : hi-start]), Attrs: r.Attrs.clone()})
	}
	return out
}

// textBuilder accumulates runs, merging adjacent runs with equal attributes.
type textBuilder struct {
	runs []Run
	n    int
}

func (b *textBuilder) push(text string, attrs Attributes) {
	if text == "" {
		return
	}
	b.n += len([]rune(text))
	if l := len(b.runs) - 1; l >= 0 && b.runs[l].Attrs.Equal(attrs) {
		b.runs[l].Text += text
		return
	}
	b.runs = append(b.runs, Run{Text: text, Attrs: attrs.clone()})
}

func (b *textBuilder) text() *Text {
	return &Text{runs: b.runs, n: b.n}
}

// Apply runs op against t and returns the resulting content. It fails with
// ErrLengthMismatch unless op's consumed length equals t.Len().
func Apply(t *Text, op Operation) (*Text, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if op.BaseLen() != t.Len() {
		return nil, ErrLengthMismatch
	}
	var b textBuilder
	pos := 0
	for _, c := range op {
		switch c.Kind {
		case KindRetain:
			for _, r := range t.slice(pos, pos+c.N) {
				b.push(r.Text, composeAttrs(r.Attrs, c.Attrs))
			}
			pos += c.N
		case KindInsert:
			b.push(c.Text, c.Attrs)
		case KindDelete:
			pos += c.N
		}
	}
	return b.text(), nil
}

// ApplyString is Apply for unstyled content. Attribute-only retains are
// lost; callers that care about styles apply to a *Text.
func ApplyString(s string, op Operation) (string, error) {
	t, err := Apply(NewText(s), op)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}

// Invert produces the operation that undoes op given the content op was
// applied to. Applying op and then its inverse restores base exactly,
// attributes included.
func Invert(op Operation, base *Text) Operation {
	inv := New()
	pos := 0
	for _, c := range op {
		switch c.Kind {
		case KindRetain:
			if len(c.Attrs) == 0 {
				inv = inv.Retain(c.N, nil)
			} else {
				// Restore the prior value of every touched key, run by run.
				for _, r := range base.slice(pos, pos+c.N) {
					undo := make(Attributes, len(c.Attrs))
					for k := range c.Attrs {
						undo[k] = r.Attrs[k] // "" clears keys that were absent
					}
					inv = inv.Retain(len([]rune(r.Text)), undo)
				}
			}
			pos += c.N
		case KindInsert:
			inv = inv.Delete(c.textLen())
		case KindDelete:
			for _, r := range base.slice(pos, pos+c.N) {
				inv = inv.Insert(r.Text, r.Attrs)
			}
			pos += c.N
		}
	}
	return inv
}
