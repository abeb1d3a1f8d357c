// Package textbuf defines the text buffer capability the synchronizer edits
// and an in-memory implementation of it.
package textbuf

// EditEvent describes one atomic mutation: OldLength bytes at Offset were
// replaced by NewLength bytes.
type EditEvent struct {
	Offset    int
	OldLength int
	NewLength int
}

// EditListener brackets every mutation. BeforeChange sees the old content,
// AfterChange the new one.
type EditListener interface {
	BeforeChange(buf TextBuffer, ev EditEvent)
	AfterChange(buf TextBuffer, ev EditEvent)
}

// TextBuffer is a line-addressable text. Lines are separated by '\n'; an
// empty text has one empty line. Offsets are byte offsets. Every edit is
// applied before the call returns.
type TextBuffer interface {
	Text() string
	Len() int
	LineCount() int
	// LineStartOffset returns the offset of the first byte of line.
	LineStartOffset(line int) int
	// LineEndOffset returns the offset just before the line separator.
	LineEndOffset(line int) int
	// LineNumber returns the line containing offset.
	LineNumber(offset int) int

	SetText(text string)
	Insert(offset int, text string)
	Replace(start, end int, text string)
	Delete(start, end int)

	// Listeners are matched by ==, so l should be a pointer or another
	// comparable value. A non-comparable l can be added but never removed.
	AddListener(l EditListener)
	RemoveListener(l EditListener)
}
