package bus

import "context"

// Queue is one logical at-least-once queue. Delivery is lease-based: a
// consumed message stays invisible to other consumers while the lease holds;
// the consumer must Ack before it expires or renew it. Bus-level retry is
// deliberately bounded (default: one delivery), so an expired lease or a Nack
// routes the message to the dead-letter destination instead of looping it —
// replay safety comes from deterministic IDs and the state store, not from
// the bus.
type Queue interface {
	// Publish enqueues a payload. Transient send failures are retried locally
	// with bounded backoff before surfacing.
	Publish(ctx context.Context, body []byte, correlationID string) error
	// Consume delivers messages to fn until ctx is cancelled. fn owns the
	// delivery lifecycle (Ack/Nack/Renew); Consume does not ack on its
	// behalf. fn may return immediately and finish the delivery from another
	// goroutine.
	Consume(ctx context.Context, fn func(ctx context.Context, d *Delivery))
	Close() error
}

// Delivery is one leased message.
type Delivery struct {
	Body          []byte
	CorrelationID string
	// DeliveryCount is 1 on first delivery and grows on redelivery.
	DeliveryCount int64

	ack   func(ctx context.Context) error
	nack  func(ctx context.Context, reason string) error
	renew func(ctx context.Context) error
}

// Ack acknowledges the message; it will not be delivered again.
func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack gives up on the message. It moves to the dead-letter destination and
// is acked on the source queue.
func (d *Delivery) Nack(ctx context.Context, reason string) error {
	if d == nil || d.nack == nil {
		return nil
	}
	return d.nack(ctx, reason)
}

// Renew extends the lease for a long-running handler. The processor enforces
// the total-runtime cap; Renew itself only resets the idle clock.
func (d *Delivery) Renew(ctx context.Context) error {
	if d == nil || d.renew == nil {
		return nil
	}
	return d.renew(ctx)
}
