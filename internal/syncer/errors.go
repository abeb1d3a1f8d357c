package syncer

import (
	"errors"
	"fmt"

	"github.com/beeender/ComradeNeovim/internal/nvimapi"
)

var (
	// ErrFaulted rejects changes for a buffer that went out of sync until it
	// is reset.
	ErrFaulted = errors.New("syncer: buffer is faulted")
	// ErrUnsupportedFeature reports remote behaviour the synchronizer cannot
	// follow, such as fragmented lines events.
	ErrUnsupportedFeature = errors.New("syncer: unsupported feature")
)

// OutOfSyncError is raised when a changedtick does not follow the expected
// sequence.
type OutOfSyncError struct {
	Buffer   nvimapi.BufferID
	Path     string
	Expected int64
	Received int64
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("Buffer: %d '%s' is out of sync. Current changedtick is %d, the next changedtick should be %d, received %d.",
		int(e.Buffer), e.Path, e.Expected-1, e.Expected, e.Received)
}
