package ipc

import (
	"io"
	"sync"
)

// queue is an unbounded FIFO of messages.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	ready  chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newQueue() *queue {
	return &queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *queue) push(msg []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, append([]byte(nil), msg...))
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue) pop() ([]byte, error) {
	for {
		q.mu.Lock()
		// what was queued before close is still delivered
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		}
	}
}

func (q *queue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

// QueueEnd is one side of an in-process transport. Both ends share the
// same pair of queues, so closing either end unblocks the other.
type QueueEnd struct {
	in  *queue
	out *queue
}

// NewQueuePair returns the supervisor end and the worker end.
func NewQueuePair() (*QueueEnd, *QueueEnd) {
	requests := newQueue()
	replies := newQueue()
	return &QueueEnd{in: replies, out: requests}, &QueueEnd{in: requests, out: replies}
}

func (e *QueueEnd) Send(msg []byte) error {
	return e.out.push(msg)
}

func (e *QueueEnd) Recv() ([]byte, error) {
	return e.in.pop()
}

func (e *QueueEnd) Close() error {
	e.in.close()
	e.out.close()
	return nil
}
