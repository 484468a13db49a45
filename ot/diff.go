package ot

// Diff computes a minimal edit script between two full-text snapshots.
// It strips the longest common prefix and suffix first and emits a single
// retain/insert/delete triple for the differing middle span, so the common
// single-contiguous-edit case costs O(min(len)) and never degenerates into
// per-character components. Identical inputs yield the identity operation.
func Diff(oldText, newText string) Operation {
	o, n := []rune(oldText), []rune(newText)

	prefix := 0
	for prefix < len(o) && prefix < len(n) && o[prefix] == n[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(o)-prefix && suffix < len(n)-prefix &&
		o[len(o)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	op := New().Retain(prefix, nil)
	if mid := n[prefix : len(n)-suffix]; len(mid) > 0 {
		op = op.Insert(string(mid), nil)
	}
	op = op.Delete(len(o) - prefix - suffix)
	return op.Retain(suffix, nil)
}
