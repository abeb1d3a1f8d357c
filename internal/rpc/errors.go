package rpc

import (
	"errors"
	"fmt"

	"github.com/beeender/ComradeNeovim/internal/wire"
)

var (
	// ErrConnectionClosed fails every call that is pending or issued after the
	// connection went away.
	ErrConnectionClosed = errors.New("rpc: connection closed")
	// ErrReentrantCall is returned when a handler running on the dispatch loop
	// tries to wait for a response, which the same loop would have to deliver.
	ErrReentrantCall = errors.New("rpc: blocking call from the dispatch loop")
	// ErrRateLimited is returned to the remote when inbound requests arrive
	// faster than the configured limit.
	ErrRateLimited = errors.New("rpc: rate limit exceeded")
)

// RemoteError carries the non-nil error field of a response.
type RemoteError struct {
	Method string
	Data   any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed: %s", e.Method, RemoteMessage(e.Data))
}

// RemoteMessage extracts a readable message from a response error field.
// Neovim sends [code, message]; other peers may send a plain string.
func RemoteMessage(data any) string {
	if s, ok := wire.String(data); ok {
		return s
	}
	if items, ok := data.([]any); ok && len(items) == 2 {
		if s, ok := wire.String(items[1]); ok {
			return s
		}
	}
	if m, ok := data.(map[string]any); ok {
		if s, ok := wire.String(m["message"]); ok {
			return s
		}
	}
	return fmt.Sprint(data)
}

func closedError(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
}
