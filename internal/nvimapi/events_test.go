package nvimapi

import (
	"errors"
	"testing"

	"github.com/neovim/go-client/nvim"
)

func TestParseLinesEvent(t *testing.T) {
	ev, err := ParseLinesEvent([]any{nvim.Buffer(2), int64(5), int64(1), uint64(3), []any{"x"}, false})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Buffer != 2 || ev.Changedtick != 5 || ev.FirstLine != 1 || ev.LastLine != 3 || ev.More {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(ev.Lines) != 1 || ev.Lines[0] != "x" {
		t.Fatalf("unexpected lines %v", ev.Lines)
	}
}

func TestParseLinesEventDeletionKeepsEmptyLines(t *testing.T) {
	ev, err := ParseLinesEvent([]any{nvim.Buffer(2), int64(5), int64(1), int64(3), []any{}, false})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Lines == nil || len(ev.Lines) != 0 {
		t.Fatalf("expected empty non-nil lines, got %#v", ev.Lines)
	}
}

func TestParseLinesEventErrors(t *testing.T) {
	if _, err := ParseLinesEvent([]any{nvim.Buffer(1)}); err == nil {
		t.Fatal("expected arity error")
	}
	_, err := ParseLinesEvent([]any{nvim.Buffer(1), nil, int64(0), int64(1), []any{}, false})
	if !errors.Is(err, ErrNoChangedtick) {
		t.Fatalf("expected ErrNoChangedtick, got %v", err)
	}
	if _, err := ParseLinesEvent([]any{nvim.Buffer(1), int64(1), "0", int64(1), []any{}, false}); err == nil {
		t.Fatal("expected field error")
	}
}

func TestParseSmallEvents(t *testing.T) {
	tick, err := ParseChangedtickEvent([]any{nvim.Buffer(4), int64(9)})
	if err != nil || tick.Buffer != 4 || tick.Changedtick != 9 {
		t.Fatalf("changedtick event: %+v %v", tick, err)
	}

	detach, err := ParseDetachEvent([]any{nvim.Buffer(4)})
	if err != nil || detach.Buffer != 4 {
		t.Fatalf("detach event: %+v %v", detach, err)
	}

	enter, err := ParseBufEnter([]any{map[string]any{"id": int64(4), "path": "/src/main.go"}})
	if err != nil || enter.ID != 4 || enter.Path != "/src/main.go" {
		t.Fatalf("buf enter: %+v %v", enter, err)
	}

	write, err := ParseBufWrite([]any{map[string]any{"id": uint64(4)}})
	if err != nil || write.ID != 4 {
		t.Fatalf("buf write: %+v %v", write, err)
	}

	if _, err := ParseBufEnter([]any{map[string]any{"id": int64(4)}}); err == nil {
		t.Fatal("expected error for missing path")
	}
}
