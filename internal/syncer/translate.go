package syncer

import (
	"strings"

	"github.com/beeender/ComradeNeovim/internal/change"
	"github.com/beeender/ComradeNeovim/internal/textbuf"
)

// EditKind classifies an offset edit.
type EditKind int

const (
	EditSetText EditKind = iota
	EditInsert
	EditDelete
	EditReplace
)

// Edit is an offset based mutation of a text buffer.
type Edit struct {
	Kind  EditKind
	Start int
	End   int
	Text  string
}

// Translate converts "replace lines [first, last) with lines" into an offset
// edit against the current content of buf. last == change.WholeBuffer
// replaces everything; an empty non-nil lines deletes the range.
func Translate(buf textbuf.TextBuffer, first, last int, lines []string) Edit {
	text := strings.Join(lines, "\n")
	if last == change.WholeBuffer {
		return Edit{Kind: EditSetText, Start: 0, End: buf.Len(), Text: text}
	}

	cur := buf.LineCount()
	if last > cur {
		last = cur
	}
	if first > last {
		first = last
	}

	// The separator in front of line first belongs to the edited span,
	// except for the first line which has none.
	var start int
	switch {
	case first == 0:
		start = 0
	case first == cur:
		start = buf.LineEndOffset(cur - 1)
	default:
		start = buf.LineStartOffset(first) - 1
	}

	switch {
	case len(lines) == 0:
		var end int
		switch {
		case last == cur:
			end = buf.LineEndOffset(last - 1)
		case first == 0:
			// No leading separator to remove: take the trailing one.
			end = buf.LineStartOffset(last)
		default:
			end = buf.LineStartOffset(last) - 1
		}
		return Edit{Kind: EditDelete, Start: start, End: end}

	case first == last:
		if first == 0 {
			text += "\n"
		} else {
			text = "\n" + text
		}
		return Edit{Kind: EditInsert, Start: start, End: start, Text: text}

	default:
		var end int
		if last == cur {
			end = buf.LineEndOffset(last - 1)
		} else {
			end = buf.LineEndOffset(last-1) + 1
		}
		if first != 0 {
			text = "\n" + text
		}
		if last < cur {
			text += "\n"
		}
		return Edit{Kind: EditReplace, Start: start, End: end, Text: text}
	}
}

// Apply performs e on buf.
func Apply(buf textbuf.TextBuffer, e Edit) {
	switch e.Kind {
	case EditSetText:
		buf.SetText(e.Text)
	case EditInsert:
		buf.Insert(e.Start, e.Text)
	case EditDelete:
		if e.End > e.Start {
			buf.Delete(e.Start, e.End)
		}
	case EditReplace:
		buf.Replace(e.Start, e.End, e.Text)
	}
}

// capture computes the line span of a local edit. begin runs before the
// mutation, finish after it.
type capture struct {
	active    bool
	startLine int
	endLine   int
}

func (c *capture) begin(buf textbuf.TextBuffer, ev textbuf.EditEvent) {
	c.active = true
	c.startLine = buf.LineNumber(ev.Offset)
	c.endLine = buf.LineNumber(ev.Offset+ev.OldLength) + 1
}

func (c *capture) finish(buf textbuf.TextBuffer, ev textbuf.EditEvent) (first, last int, lines []string, ok bool) {
	if !c.active {
		return 0, 0, nil, false
	}
	c.active = false

	afterEnd := buf.LineNumber(ev.Offset + ev.NewLength)
	text := buf.Text()
	span := text[buf.LineStartOffset(c.startLine):buf.LineEndOffset(afterEnd)]
	return c.startLine, c.endLine, strings.Split(span, "\n"), true
}
