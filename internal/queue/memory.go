package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const memoryPollInterval = 10 * time.Millisecond

var _ Queue = (*Memory)(nil)

type memMessage struct {
	id       string
	body     []byte
	attempt  int
	deadline time.Time
}

// Memory is an in-process queue with SQS-like visibility semantics. It backs
// tests and single-process runs.
type Memory struct {
	visibility time.Duration
	wait       time.Duration

	mu       sync.Mutex
	seq      int
	pending  []*memMessage
	inflight map[string]*memMessage
	closed   bool
	wake     chan struct{}
}

// NewMemory creates a queue. Receive blocks for at most wait when empty.
func NewMemory(visibility, wait time.Duration) *Memory {
	return &Memory{
		visibility: visibility,
		wait:       wait,
		inflight:   make(map[string]*memMessage),
		wake:       make(chan struct{}, 1),
	}
}

func (q *Memory) Send(_ context.Context, body []byte) error {
	q.mu.Lock()
	q.seq++
	msg := &memMessage{id: strconv.Itoa(q.seq), body: append([]byte(nil), body...)}
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Memory) Receive(ctx context.Context) (*Delivery, error) {
	timeout := time.NewTimer(q.wait)
	defer timeout.Stop()
	for {
		if d := q.take(); d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, nil
		case <-q.wake:
		case <-time.After(memoryPollInterval):
		}
	}
}

// Len reports messages not yet acked, visible or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

func (q *Memory) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *Memory) take() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	now := time.Now()
	for id, m := range q.inflight {
		if now.After(m.deadline) {
			delete(q.inflight, id)
			q.pending = append(q.pending, m)
		}
	}
	if len(q.pending) == 0 {
		return nil
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	m.attempt++
	m.deadline = now.Add(q.visibility)
	q.inflight[m.id] = m

	// The attempt number acts as a receipt: settling a delivery that has
	// already expired and been handed out again is a no-op.
	attempt := m.attempt
	return &Delivery{
		ID:      m.id,
		Body:    m.body,
		Attempt: attempt,
		ack: func(context.Context) error {
			q.settle(m.id, attempt, false)
			return nil
		},
		nack: func(context.Context) error {
			q.settle(m.id, attempt, true)
			return nil
		},
	}
}

func (q *Memory) settle(id string, attempt int, requeue bool) {
	q.mu.Lock()
	m, ok := q.inflight[id]
	if !ok || m.attempt != attempt {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, id)
	if requeue {
		q.pending = append(q.pending, m)
	}
	q.mu.Unlock()
	if requeue {
		q.signal()
	}
}

func (q *Memory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
