package textbuf

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Document is an in-memory TextBuffer, optionally backed by a file.
// Mutations must come from one goroutine; readers may snapshot concurrently.
type Document struct {
	mu         sync.RWMutex
	text       string
	lineStarts []int
	path       string
	eol        bool
	modified   bool
	listeners  []EditListener
}

func NewDocument(text string) *Document {
	d := &Document{}
	d.setLocked(text)
	return d
}

// Load reads path. A single trailing newline is kept aside and written back
// by Save, the way Neovim's 'eol' option works.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("textbuf: load %s: %w", path, err)
	}
	text := string(data)
	eol := strings.HasSuffix(text, "\n")
	if eol {
		text = strings.TrimSuffix(text, "\n")
	}
	d := NewDocument(text)
	d.path = path
	d.eol = eol
	return d, nil
}

// Save writes the document back to its path.
func (d *Document) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.path == "" {
		return fmt.Errorf("textbuf: document has no path")
	}
	data := d.text
	if d.eol {
		data += "\n"
	}
	if err := os.WriteFile(d.path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("textbuf: save %s: %w", d.path, err)
	}
	d.modified = false
	return nil
}

func (d *Document) Path() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path
}

// SetPath associates the document with a file; the next Save writes there.
func (d *Document) SetPath(path string) {
	d.mu.Lock()
	d.path = path
	d.mu.Unlock()
}

// Modified reports whether there are edits since the last Load or Save.
func (d *Document) Modified() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modified
}

func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text
}

func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.text)
}

func (d *Document) LineCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.lineStarts)
}

func (d *Document) LineStartOffset(line int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	line = clamp(line, 0, len(d.lineStarts)-1)
	return d.lineStarts[line]
}

func (d *Document) LineEndOffset(line int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	line = clamp(line, 0, len(d.lineStarts)-1)
	if line+1 < len(d.lineStarts) {
		return d.lineStarts[line+1] - 1
	}
	return len(d.text)
}

func (d *Document) LineNumber(offset int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	offset = clamp(offset, 0, len(d.text))
	// Last line whose start is <= offset.
	return sort.Search(len(d.lineStarts), func(i int) bool {
		return d.lineStarts[i] > offset
	}) - 1
}

func (d *Document) SetText(text string) {
	d.edit(0, d.Len(), text)
}

func (d *Document) Insert(offset int, text string) {
	d.edit(offset, offset, text)
}

func (d *Document) Replace(start, end int, text string) {
	d.edit(start, end, text)
}

func (d *Document) Delete(start, end int) {
	d.edit(start, end, "")
}

func (d *Document) AddListener(l EditListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Document) RemoveListener(l EditListener) {
	// Comparing a non-comparable dynamic type with == panics.
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.listeners {
		if existing == l {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Document) edit(start, end int, text string) {
	d.mu.RLock()
	size := len(d.text)
	listeners := append([]EditListener(nil), d.listeners...)
	d.mu.RUnlock()

	start = clamp(start, 0, size)
	end = clamp(end, start, size)
	ev := EditEvent{Offset: start, OldLength: end - start, NewLength: len(text)}

	for _, l := range listeners {
		l.BeforeChange(d, ev)
	}

	d.mu.Lock()
	d.setLocked(d.text[:start] + text + d.text[end:])
	d.modified = true
	d.mu.Unlock()

	for _, l := range listeners {
		l.AfterChange(d, ev)
	}
}

func (d *Document) setLocked(text string) {
	d.text = text
	d.lineStarts = d.lineStarts[:0]
	d.lineStarts = append(d.lineStarts, 0)
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			d.lineStarts = append(d.lineStarts, i+1)
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
