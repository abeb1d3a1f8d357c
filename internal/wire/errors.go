package wire

import (
	"errors"
	"fmt"
)

// ErrMalformed matches any *MalformedMessageError with errors.Is.
var ErrMalformed = errors.New("wire: malformed message")

// MalformedMessageError reports a well-framed msgpack value that is not a
// valid msgpack-RPC message. The stream is still aligned after it.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return "wire: malformed message: " + e.Reason
}

func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(format string, args ...any) error {
	return &MalformedMessageError{Reason: fmt.Sprintf(format, args...)}
}
