package outgoing

import (
	"sync"

	"chatrelay/protocol"
)

// Queue buffers messages addressed to accounts with no live session, FIFO
// per recipient. There is no ordering across recipients.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]protocol.Message
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string][]protocol.Message)}
}

// Enqueue appends m to its recipient's queue, creating the queue if absent.
func (q *Queue) Enqueue(m protocol.Message) {
	recipient := m.Head().Recipient
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[recipient] = append(q.pending[recipient], m)
}

// Pop removes and returns the oldest buffered message for name. It returns
// false once the queue is empty. A popped message the caller fails to
// deliver must be re-enqueued explicitly; the queue does not keep it.
func (q *Queue) Pop(name string) (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.pending[name]
	if len(pending) == 0 {
		delete(q.pending, name)
		return nil, false
	}

	m := pending[0]
	if len(pending) == 1 {
		delete(q.pending, name)
	} else {
		q.pending[name] = pending[1:]
	}
	return m, true
}

// Len reports how many messages are buffered for name.
func (q *Queue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[name])
}
