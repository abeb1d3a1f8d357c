package nvimapi

import (
	"context"
	"fmt"

	"github.com/beeender/ComradeNeovim/internal/wire"
)

// Call is one entry of an nvim_call_atomic batch.
type Call struct {
	Method string
	Args   []any
}

// AtomicError is the first error reported by nvim_call_atomic. Calls before
// Index succeeded; the rest were not executed.
type AtomicError struct {
	Index   int
	Kind    int64
	Message string
}

func (e *AtomicError) Error() string {
	return fmt.Sprintf("nvimapi: atomic call %d failed: %s", e.Index, e.Message)
}

// CallAtomic runs calls in one round trip. Results holds one entry per
// successful call. A remote failure inside the batch is returned as
// *AtomicError together with the partial results.
func (a *API) CallAtomic(ctx context.Context, calls []Call) ([]any, error) {
	batch := make([]any, len(calls))
	for i, c := range calls {
		args := c.Args
		if args == nil {
			args = []any{}
		}
		batch[i] = []any{c.Method, args}
	}

	res, err := a.c.Call(ctx, MethodCallAtomic, batch)
	if err != nil {
		return nil, err
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, unexpected(MethodCallAtomic, res)
	}
	results, _ := pair[0].([]any)
	if pair[1] == nil {
		return results, nil
	}
	return results, parseAtomicError(pair[1])
}

func parseAtomicError(v any) error {
	items, ok := v.([]any)
	if !ok || len(items) != 3 {
		return &AtomicError{Index: -1, Message: fmt.Sprint(v)}
	}
	index, _ := wire.Int(items[0])
	kind, _ := wire.Int(items[1])
	msg, ok := wire.String(items[2])
	if !ok {
		msg = fmt.Sprint(items[2])
	}
	return &AtomicError{Index: int(index), Kind: kind, Message: msg}
}

func SetBufferLinesCall(id BufferID, start, end int, strict bool, lines []string) Call {
	return Call{Method: MethodBufSetLines, Args: []any{id, start, end, strict, lines}}
}

func BufferChangedtickCall(id BufferID) Call {
	return Call{Method: MethodBufGetChangedtick, Args: []any{id}}
}

func CurrentBufferCall() Call {
	return Call{Method: MethodGetCurrentBuf}
}

func BufferLineCountCall(id BufferID) Call {
	return Call{Method: MethodBufLineCount, Args: []any{id}}
}

func AttachBufferCall(id BufferID, sendBuffer bool) Call {
	return Call{Method: MethodBufAttach, Args: []any{id, sendBuffer, map[string]any{}}}
}

func CallFunctionCall(name string, args ...any) Call {
	if args == nil {
		args = []any{}
	}
	return Call{Method: MethodCallFunction, Args: []any{name, args}}
}
