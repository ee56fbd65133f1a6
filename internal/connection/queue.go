package connection

import (
	"context"
	"sync"
	"time"
)

// Queue is a fixed-capacity FIFO of Messages with one reserved terminal slot.
//
// Put never blocks: beyond capacity it fails with ErrQueueFull. Fail stores a
// terminal sentinel that readers receive after draining the queued items; after
// that Get returns ErrQueueClosed.
type Queue struct {
	items  chan Message
	closed chan struct{}

	mu          sync.Mutex
	done        bool
	terminal    Message
	hasTerminal bool

	// Stats
	received int64
	rejected int64
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:  make(chan Message, capacity),
		closed: make(chan struct{}),
	}
}

// Put enqueues msg without blocking.
func (q *Queue) Put(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done {
		return ErrQueueClosed
	}

	select {
	case q.items <- msg:
		q.received++
		return nil
	default:
		q.rejected++
		return ErrQueueFull
	}
}

// Fail stores sentinel as the terminal message and closes the queue for writers.
// Only the first call has effect; it returns false if the queue was already closed.
func (q *Queue) Fail(sentinel Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done {
		return false
	}
	q.done = true
	q.terminal = sentinel
	q.hasTerminal = true
	close(q.closed)
	return true
}

// Close closes the queue for writers. Queued items can still be read.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done {
		return
	}
	q.done = true
	close(q.closed)
}

// Get dequeues the next message, waiting until timeout fires or ctx is done.
// A nil timeout waits without limit.
func (q *Queue) Get(ctx context.Context, timeout <-chan time.Time) (Message, error) {
	select {
	case msg := <-q.items:
		return msg, nil
	default:
	}

	select {
	case msg := <-q.items:
		return msg, nil
	case <-q.closed:
		select {
		case msg := <-q.items:
			return msg, nil
		default:
		}
		return q.takeTerminal()
	case <-timeout:
		return nil, ErrRecvTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) takeTerminal() (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.hasTerminal {
		return nil, ErrQueueClosed
	}
	q.hasTerminal = false
	return q.terminal, nil
}

// Closed reports whether the queue no longer accepts messages.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

// Len returns the number of queued messages, excluding the terminal sentinel.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Rejected returns how many Puts failed because the queue was full.
func (q *Queue) Rejected() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rejected
}
