package bus

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue is a channel-backed Queue used by tests and by single-process
// development mode. It keeps the Delivery contract of the Redis
// implementation (ack/nack/dead-letter, delivery counts) and adds redelivery
// injection so at-least-once behavior can be exercised deterministically.
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan memMsg
	dead   []DeadLetter
	closed bool
}

type memMsg struct {
	body  []byte
	cid   string
	count int64
}

type DeadLetter struct {
	Body          []byte
	CorrelationID string
	Reason        string
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan memMsg, capacity)}
}

func (q *MemoryQueue) Publish(ctx context.Context, body []byte, correlationID string) error {
	return q.enqueue(ctx, body, correlationID, 1)
}

// Redeliver injects a duplicate delivery of body, as the bus would after a
// lease lapse. The duplicate arrives with an elevated delivery count.
func (q *MemoryQueue) Redeliver(ctx context.Context, body []byte, correlationID string) error {
	return q.enqueue(ctx, body, correlationID, 2)
}

func (q *MemoryQueue) enqueue(ctx context.Context, body []byte, cid string, count int64) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	q.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	select {
	case q.ch <- memMsg{body: buf, cid: cid, count: count}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, fn func(ctx context.Context, d *Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-q.ch:
			fn(ctx, q.makeDelivery(m))
		}
	}
}

func (q *MemoryQueue) makeDelivery(m memMsg) *Delivery {
	return &Delivery{
		Body:          m.body,
		CorrelationID: m.cid,
		DeliveryCount: m.count,
		ack:           func(ctx context.Context) error { return nil },
		nack: func(ctx context.Context, reason string) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.dead = append(q.dead, DeadLetter{Body: m.body, CorrelationID: m.cid, Reason: reason})
			return nil
		},
		renew: func(ctx context.Context) error { return nil },
	}
}

func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len reports how many messages are waiting for delivery.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
