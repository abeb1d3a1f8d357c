package nvimapi

import (
	"errors"
	"fmt"

	"github.com/beeender/ComradeNeovim/internal/wire"
)

// ErrNoChangedtick is returned for a lines event whose changedtick is nil,
// which Neovim sends for preview-only changes.
var ErrNoChangedtick = errors.New("nvimapi: lines event without changedtick")

// LinesEvent is nvim_buf_lines_event.
type LinesEvent struct {
	Buffer      BufferID
	Changedtick int64
	FirstLine   int
	LastLine    int
	Lines       []string
	More        bool
}

// ChangedtickEvent is nvim_buf_changedtick_event.
type ChangedtickEvent struct {
	Buffer      BufferID
	Changedtick int64
}

// DetachEvent is nvim_buf_detach_event.
type DetachEvent struct {
	Buffer BufferID
}

// BufEnter is comrade_buf_enter: {id, path}.
type BufEnter struct {
	ID   BufferID
	Path string
}

// BufWrite is comrade_buf_write: {id}.
type BufWrite struct {
	ID BufferID
}

func ParseLinesEvent(args []any) (LinesEvent, error) {
	if len(args) != 6 {
		return LinesEvent{}, arity(EventBufLines, 6, args)
	}
	id, ok := ParseBufferID(args[0])
	if !ok {
		return LinesEvent{}, badField(EventBufLines, "buffer", args[0])
	}
	if args[1] == nil {
		return LinesEvent{}, ErrNoChangedtick
	}
	tick, ok := wire.Int(args[1])
	if !ok {
		return LinesEvent{}, badField(EventBufLines, "changedtick", args[1])
	}
	first, ok := wire.Int(args[2])
	if !ok {
		return LinesEvent{}, badField(EventBufLines, "firstline", args[2])
	}
	last, ok := wire.Int(args[3])
	if !ok {
		return LinesEvent{}, badField(EventBufLines, "lastline", args[3])
	}
	lines, ok := wire.Strings(args[4])
	if !ok {
		return LinesEvent{}, badField(EventBufLines, "linedata", args[4])
	}
	more, ok := wire.Bool(args[5])
	if !ok {
		return LinesEvent{}, badField(EventBufLines, "more", args[5])
	}
	return LinesEvent{
		Buffer:      id,
		Changedtick: tick,
		FirstLine:   int(first),
		LastLine:    int(last),
		Lines:       lines,
		More:        more,
	}, nil
}

func ParseChangedtickEvent(args []any) (ChangedtickEvent, error) {
	if len(args) != 2 {
		return ChangedtickEvent{}, arity(EventBufChangedtick, 2, args)
	}
	id, ok := ParseBufferID(args[0])
	if !ok {
		return ChangedtickEvent{}, badField(EventBufChangedtick, "buffer", args[0])
	}
	tick, ok := wire.Int(args[1])
	if !ok {
		return ChangedtickEvent{}, badField(EventBufChangedtick, "changedtick", args[1])
	}
	return ChangedtickEvent{Buffer: id, Changedtick: tick}, nil
}

func ParseDetachEvent(args []any) (DetachEvent, error) {
	if len(args) != 1 {
		return DetachEvent{}, arity(EventBufDetach, 1, args)
	}
	id, ok := ParseBufferID(args[0])
	if !ok {
		return DetachEvent{}, badField(EventBufDetach, "buffer", args[0])
	}
	return DetachEvent{Buffer: id}, nil
}

func ParseBufEnter(args []any) (BufEnter, error) {
	m, err := singleMap(EventBufEnter, args)
	if err != nil {
		return BufEnter{}, err
	}
	id, ok := ParseBufferID(m["id"])
	if !ok {
		return BufEnter{}, badField(EventBufEnter, "id", m["id"])
	}
	path, ok := wire.String(m["path"])
	if !ok {
		return BufEnter{}, badField(EventBufEnter, "path", m["path"])
	}
	return BufEnter{ID: id, Path: path}, nil
}

func ParseBufWrite(args []any) (BufWrite, error) {
	m, err := singleMap(EventBufWrite, args)
	if err != nil {
		return BufWrite{}, err
	}
	id, ok := ParseBufferID(m["id"])
	if !ok {
		return BufWrite{}, badField(EventBufWrite, "id", m["id"])
	}
	return BufWrite{ID: id}, nil
}

func singleMap(event string, args []any) (map[string]any, error) {
	if len(args) != 1 {
		return nil, arity(event, 1, args)
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, badField(event, "params", args[0])
	}
	return m, nil
}

func arity(event string, want int, args []any) error {
	return fmt.Errorf("nvimapi: %s: want %d arguments, got %d", event, want, len(args))
}

func badField(event, field string, v any) error {
	return fmt.Errorf("nvimapi: %s: invalid %s %T", event, field, v)
}
