package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueDeliversInOrder(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, []byte("a"), "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := q.Publish(ctx, []byte("b"), "c2"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan *Delivery, 2)
	go q.Consume(ctx, func(ctx context.Context, d *Delivery) {
		_ = d.Ack(ctx)
		got <- d
		if len(got) == 2 {
			cancel()
		}
	})

	first := waitDelivery(t, got)
	second := waitDelivery(t, got)
	if string(first.Body) != "a" || string(second.Body) != "b" {
		t.Fatalf("out of order: %q then %q", first.Body, second.Body)
	}
	if first.DeliveryCount != 1 {
		t.Fatalf("first delivery count should be 1, got %d", first.DeliveryCount)
	}
}

func TestMemoryQueueNackDeadLetters(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, []byte("poison"), "c1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	done := make(chan struct{})
	go q.Consume(ctx, func(ctx context.Context, d *Delivery) {
		_ = d.Nack(ctx, "cannot parse")
		close(done)
		cancel()
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery never arrived")
	}

	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if string(dead[0].Body) != "poison" || dead[0].Reason != "cannot parse" {
		t.Fatalf("unexpected dead letter: %+v", dead[0])
	}
}

func TestMemoryQueueRedeliverRaisesCount(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Redeliver(ctx, []byte("again"), "c1"); err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	got := make(chan *Delivery, 1)
	go q.Consume(ctx, func(ctx context.Context, d *Delivery) {
		got <- d
		cancel()
	})
	d := waitDelivery(t, got)
	if d.DeliveryCount != 2 {
		t.Fatalf("redelivery should report count 2, got %d", d.DeliveryCount)
	}
}

func waitDelivery(t *testing.T, ch chan *Delivery) *Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
		return nil
	}
}
