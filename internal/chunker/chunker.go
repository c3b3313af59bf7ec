// Package chunker splits document text into overlapping passages sized for
// embedding.
package chunker

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrInvalidConfig is returned for impossible size/overlap combinations.
var ErrInvalidConfig = errors.New("invalid chunker configuration")

// Span is one chunk of a document. Start and End are rune offsets into the
// original text, End exclusive.
type Span struct {
	Index int
	Start int
	End   int
	Text  string
}

// Len returns the span length in runes.
func (s Span) Len() int {
	return s.End - s.Start
}

// Chunker produces spans of at most Size runes with up to Overlap runes
// shared between consecutive spans.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. overlap must be in [0, size).
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidConfig, size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the maximum span length in runes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the maximum number of runes shared by consecutive spans.
func (c *Chunker) Overlap() int { return c.overlap }

// Split chunks text. Every rune of text is covered by at least one span,
// spans are in document order, and the result depends only on text and the
// chunker parameters. Empty text yields no spans.
//
// Cuts prefer, in order, a paragraph break, a line break, the end of a
// sentence and any whitespace, looked for in the second half of the window.
// The following span starts up to Overlap runes before the cut, nudged
// forward to the next word start when one lies inside the overlap.
func (c *Chunker) Split(text string) []Span {
	r := []rune(text)
	n := len(r)
	if n == 0 {
		return nil
	}

	var spans []Span
	start := 0
	for {
		end := start + c.size
		if end >= n {
			end = n
		} else {
			end = c.cut(r, start, end)
		}

		spans = append(spans, Span{
			Index: len(spans),
			Start: start,
			End:   end,
			Text:  string(r[start:end]),
		})
		if end == n {
			return spans
		}

		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		if c.overlap > 0 {
			if w := wordStart(r, next, end); w > 0 {
				next = w
			}
		}
		start = next
	}
}

// cut picks the end offset for a window [start, limit).
func (c *Chunker) cut(r []rune, start, limit int) int {
	lo := start + c.size/2
	if lo <= start {
		lo = start + 1
	}
	for _, at := range []func([]rune, int) bool{
		paragraphBreak,
		lineBreak,
		sentenceEnd,
		whitespace,
	} {
		if i := lastCut(r, lo, limit, at); i > 0 {
			return i
		}
	}
	return limit
}

// lastCut returns the largest i in [lo, hi] for which at(r, i) holds, or -1.
func lastCut(r []rune, lo, hi int, at func([]rune, int) bool) int {
	for i := hi; i >= lo; i-- {
		if at(r, i) {
			return i
		}
	}
	return -1
}

// The predicates below report whether cutting before r[i] is a boundary of
// the given kind.

func paragraphBreak(r []rune, i int) bool {
	return i >= 2 && r[i-1] == '\n' && r[i-2] == '\n'
}

func lineBreak(r []rune, i int) bool {
	return i >= 1 && r[i-1] == '\n'
}

func sentenceEnd(r []rune, i int) bool {
	if i < 2 || !unicode.IsSpace(r[i-1]) {
		return false
	}
	switch r[i-2] {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func whitespace(r []rune, i int) bool {
	return i >= 1 && unicode.IsSpace(r[i-1])
}

// wordStart returns the first i in [from, to) that begins a word, or -1.
func wordStart(r []rune, from, to int) int {
	for i := from; i < to; i++ {
		if i > 0 && unicode.IsSpace(r[i-1]) && !unicode.IsSpace(r[i]) {
			return i
		}
	}
	return -1
}

// Reconstruct reassembles the original text from spans produced by Split by
// dropping each span's overlap with its predecessor.
func Reconstruct(spans []Span) string {
	var out []rune
	prevEnd := 0
	for _, s := range spans {
		r := []rune(s.Text)
		skip := prevEnd - s.Start
		if skip < 0 {
			skip = 0
		}
		if skip < len(r) {
			out = append(out, r[skip:]...)
		}
		if s.End > prevEnd {
			prevEnd = s.End
		}
	}
	return string(out)
}
