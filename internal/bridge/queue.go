package bridge

import (
	"context"
	"sync"
)

// Inbound is one user message submitted by the control plane, together with
// the per-turn credentials and stream position the runner needs to execute it.
type Inbound struct {
	Message         string
	StreamToken     string
	PersistToken    string
	ResumeSessionID string
	// Watermark is the conversation's last persisted sequence number at
	// submit time; it seeds the runner's local counter.
	Watermark int64
}

// Queue is an unbounded FIFO of inbound messages. Submissions never block:
// messages arriving while a turn is running wait for the next one.
type Queue struct {
	mu     sync.Mutex
	items  []Inbound
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Push(in Inbound) {
	q.mu.Lock()
	q.items = append(q.items, in)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (Inbound, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			in := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return in, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Inbound{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
