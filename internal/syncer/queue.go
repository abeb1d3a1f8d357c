package syncer

import (
	"sync"

	"github.com/beeender/ComradeNeovim/internal/change"
)

type queuedPush struct {
	change     change.Change
	generation uint64
}

// pushQueue keeps local changes in edit order for the push goroutine. put
// never blocks the dispatch context.
type pushQueue struct {
	mu     sync.Mutex
	items  []queuedPush
	closed bool
	ready  chan struct{}
}

func newPushQueue() *pushQueue {
	return &pushQueue{ready: make(chan struct{}, 1)}
}

func (q *pushQueue) put(item queuedPush) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

func (q *pushQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *pushQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// next blocks until an item is available or the queue is closed.
func (q *pushQueue) next() (queuedPush, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return queuedPush{}, false
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		<-q.ready
	}
}
