// Package change holds the value types describing one text change.
package change

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beeender/ComradeNeovim/internal/nvimapi"
)

// WholeBuffer as LastLine replaces the entire buffer with Lines.
const WholeBuffer = -1

// ErrFragmented is returned for a lines event split over several
// notifications (more == true), which is not supported.
var ErrFragmented = errors.New("change: fragmented lines event is not supported")

// Source tells which side produced a change.
type Source int

const (
	Remote Source = iota
	Local
)

func (s Source) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

// Change replaces lines [FirstLine, LastLine) of Buffer with Lines.
//
// Lines == nil means the change carries no line data (a changedtick only
// event). A non-nil empty Lines deletes the range.
type Change struct {
	Buffer    nvimapi.BufferID
	FirstLine int
	LastLine  int
	Lines     []string
	Source    Source
	Tick      int64
}

// FromLinesEvent builds a remote change from nvim_buf_lines_event.
func FromLinesEvent(ev nvimapi.LinesEvent) (Change, error) {
	if ev.More {
		return Change{}, ErrFragmented
	}
	lines := ev.Lines
	if lines == nil {
		lines = []string{}
	}
	c := Change{
		Buffer:    ev.Buffer,
		FirstLine: ev.FirstLine,
		LastLine:  ev.LastLine,
		Lines:     lines,
		Source:    Remote,
		Tick:      ev.Changedtick,
	}
	return c, c.Validate()
}

// FromChangedtickEvent builds a remote change without line data.
func FromChangedtickEvent(ev nvimapi.ChangedtickEvent) Change {
	return Change{Buffer: ev.Buffer, Source: Remote, Tick: ev.Changedtick}
}

// NewLocal builds a change captured from a local edit.
func NewLocal(buffer nvimapi.BufferID, first, last int, lines []string, tick int64) Change {
	return Change{
		Buffer:    buffer,
		FirstLine: first,
		LastLine:  last,
		Lines:     lines,
		Source:    Local,
		Tick:      tick,
	}
}

// Validate checks the line range.
func (c Change) Validate() error {
	if c.FirstLine < 0 {
		return fmt.Errorf("change: negative first line %d", c.FirstLine)
	}
	if c.IsWholeBuffer() {
		return nil
	}
	if c.LastLine < c.FirstLine {
		return fmt.Errorf("change: last line %d before first line %d", c.LastLine, c.FirstLine)
	}
	return nil
}

func (c Change) HasLineData() bool { return c.Lines != nil }

func (c Change) IsWholeBuffer() bool { return c.LastLine == WholeBuffer }

func (c Change) IsDeletion() bool {
	return c.Lines != nil && len(c.Lines) == 0 && !c.IsWholeBuffer()
}

func (c Change) IsInsertion() bool {
	return len(c.Lines) > 0 && c.FirstLine == c.LastLine
}

// Text joins Lines with line separators.
func (c Change) Text() string {
	return strings.Join(c.Lines, "\n")
}

// Equal compares content and position, ignoring the source.
func (c Change) Equal(o Change) bool {
	if c.Buffer != o.Buffer || c.FirstLine != o.FirstLine || c.LastLine != o.LastLine || c.Tick != o.Tick {
		return false
	}
	if (c.Lines == nil) != (o.Lines == nil) || len(c.Lines) != len(o.Lines) {
		return false
	}
	for i := range c.Lines {
		if c.Lines[i] != o.Lines[i] {
			return false
		}
	}
	return true
}

func (c Change) String() string {
	if !c.HasLineData() {
		return fmt.Sprintf("%s change buf=%d tick=%d (no lines)", c.Source, c.Buffer, c.Tick)
	}
	return fmt.Sprintf("%s change buf=%d tick=%d [%d,%d) %d lines", c.Source, c.Buffer, c.Tick, c.FirstLine, c.LastLine, len(c.Lines))
}
