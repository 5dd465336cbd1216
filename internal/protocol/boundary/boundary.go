// Package boundary finds fixed boundary tags inside a growing byte buffer.
//
// The search is Knuth-Morris-Pratt: the failure table is computed once per
// tag, so repeated scans over a receive buffer stay linear in the bytes
// examined even on inputs full of near matches.
package boundary

// Matcher searches text for one fixed pattern.
type Matcher struct {
	pattern []byte
	next    []int
}

// New precomputes the failure table for pattern. The pattern is copied.
func New(pattern []byte) *Matcher {
	p := make([]byte, len(pattern))
	copy(p, pattern)
	return &Matcher{pattern: p, next: shift(prefixTable(p))}
}

// Pattern returns a copy of the searched pattern.
func (m *Matcher) Pattern() []byte {
	out := make([]byte, len(m.pattern))
	copy(out, m.pattern)
	return out
}

// Len is the pattern length in bytes.
func (m *Matcher) Len() int {
	return len(m.pattern)
}

// Index returns the lowest index of the pattern in text, or -1.
func (m *Matcher) Index(text []byte) int {
	return m.IndexFrom(text, 0)
}

// IndexFrom returns the lowest index >= from at which the pattern occurs in
// text, or -1.
func (m *Matcher) IndexFrom(text []byte, from int) int {
	if from < 0 {
		from = 0
	}
	n := len(m.pattern)
	if n == 0 {
		if from > len(text) {
			return -1
		}
		return from
	}
	i, j := 0, from
	for j < len(text) {
		if text[j] == m.pattern[i] {
			if i == n-1 {
				return j - i
			}
			i++
			j++
			continue
		}
		i = m.next[i]
		if i == -1 {
			i = 0
			j++
		}
	}
	return -1
}

// Search is a one-shot helper for callers without a reusable Matcher.
func Search(pattern, text []byte) int {
	return New(pattern).Index(text)
}

// prefixTable returns, for each position, the length of the longest proper
// prefix of pattern[:i+1] that is also its suffix.
func prefixTable(pattern []byte) []int {
	table := make([]int, len(pattern))
	l := 0
	for i := 1; i < len(pattern); {
		switch {
		case pattern[i] == pattern[l]:
			l++
			table[i] = l
			i++
		case l > 0:
			l = table[l-1]
		default:
			table[i] = 0
			i++
		}
	}
	return table
}

// shift moves the table one slot right with -1 in front, so a mismatch at
// pattern position i falls back to next[i] directly.
func shift(table []int) []int {
	if len(table) == 0 {
		return table
	}
	for i := len(table) - 1; i > 0; i-- {
		table[i] = table[i-1]
	}
	table[0] = -1
	return table
}
