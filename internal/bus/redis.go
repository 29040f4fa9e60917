package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tilebase/coremachine/internal/platform/logger"
)

// Redis Streams implementation of Queue. Each logical queue is one stream
// consumed through a single consumer group; pending entries model the lease.
// A background sweeper re-enqueues entries whose lease lapsed and dead-letters
// entries that exhausted the delivery budget.

const (
	fieldBody          = "body"
	fieldCorrelationID = "correlation_id"
	fieldReason        = "reason"
	// fieldRedeliveries counts sweeper re-enqueues. XADD creates a fresh
	// entry with a fresh retry counter, so the budget has to ride along in
	// the payload.
	fieldRedeliveries = "redeliveries"

	deadLetterSuffix = ":deadletter"
	consumerGroup    = "coremachine"

	publishAttempts = 3
	publishBackoff  = 250 * time.Millisecond
)

type RedisQueueConfig struct {
	Stream           string
	LeaseDuration    time.Duration
	MaxDeliveryCount int64
	// Block is how long one XREADGROUP call waits for traffic.
	Block time.Duration
}

type redisQueue struct {
	log      *logger.Logger
	rdb      *goredis.Client
	cfg      RedisQueueConfig
	consumer string
}

// NewRedisClient dials Redis at addr and verifies the connection.
func NewRedisClient(addr string) (*goredis.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisQueue(log *logger.Logger, rdb *goredis.Client, cfg RedisQueueConfig) (Queue, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		return nil, errors.New("stream name required")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = 1
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	host, _ := os.Hostname()
	q := &redisQueue{
		log:      log.With("component", "RedisQueue", "stream", cfg.Stream),
		rdb:      rdb,
		cfg:      cfg,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *redisQueue) Publish(ctx context.Context, body []byte, correlationID string) error {
	return q.publish(ctx, body, correlationID, 0)
}

func (q *redisQueue) publish(ctx context.Context, body []byte, correlationID string, redeliveries int64) error {
	args := &goredis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{
			fieldBody:          string(body),
			fieldCorrelationID: correlationID,
			fieldRedeliveries:  redeliveries,
		},
	}
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = q.rdb.XAdd(ctx, args).Err(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.log.Warn("publish failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(publishBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", q.cfg.Stream, publishAttempts, err)
}

func (q *redisQueue) Consume(ctx context.Context, fn func(ctx context.Context, d *Delivery)) {
	go q.sweepExpiredLeases(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: q.consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			q.log.Warn("read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				fn(ctx, q.makeDelivery(ctx, msg))
			}
		}
	}
}

func (q *redisQueue) makeDelivery(ctx context.Context, msg goredis.XMessage) *Delivery {
	body, _ := msg.Values[fieldBody].(string)
	cid, _ := msg.Values[fieldCorrelationID].(string)
	count := redeliveriesOf(msg) + q.deliveryCount(ctx, msg.ID)
	id := msg.ID
	return &Delivery{
		Body:          []byte(body),
		CorrelationID: cid,
		DeliveryCount: count,
		ack: func(ctx context.Context) error {
			return q.rdb.XAck(ctx, q.cfg.Stream, consumerGroup, id).Err()
		},
		nack: func(ctx context.Context, reason string) error {
			return q.deadLetter(ctx, id, body, cid, reason)
		},
		renew: func(ctx context.Context) error {
			// Claiming to ourselves resets the pending-entry idle clock,
			// which is what the lease sweep keys on.
			return q.rdb.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   q.cfg.Stream,
				Group:    consumerGroup,
				Consumer: q.consumer,
				MinIdle:  0,
				Messages: []string{id},
			}).Err()
		},
	}
}

func (q *redisQueue) deliveryCount(ctx context.Context, msgID string) int64 {
	pending, err := q.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  consumerGroup,
		Start:  msgID,
		End:    msgID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func (q *redisQueue) deadLetter(ctx context.Context, msgID, body, cid, reason string) error {
	err := q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.cfg.Stream + deadLetterSuffix,
		Values: map[string]interface{}{
			fieldBody:          body,
			fieldCorrelationID: cid,
			fieldReason:        reason,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", msgID, err)
	}
	return q.rdb.XAck(ctx, q.cfg.Stream, consumerGroup, msgID).Err()
}

// sweepExpiredLeases scans pending entries whose idle time exceeds the lease.
// Entries still under the delivery budget are claimed and re-enqueued for
// another delivery; exhausted entries go to the dead-letter stream.
func (q *redisQueue) sweepExpiredLeases(ctx context.Context) {
	interval := q.cfg.LeaseDuration / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepOnce(ctx)
		}
	}
}

func (q *redisQueue) sweepOnce(ctx context.Context) {
	pending, err := q.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  consumerGroup,
		Idle:   q.cfg.LeaseDuration,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) && ctx.Err() == nil {
			q.log.Warn("lease sweep failed", "error", err)
		}
		return
	}
	for _, entry := range pending {
		claimed, err := q.rdb.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    consumerGroup,
			Consumer: q.consumer,
			MinIdle:  q.cfg.LeaseDuration,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			// Another sweeper won the claim.
			continue
		}
		msg := claimed[0]
		body, _ := msg.Values[fieldBody].(string)
		cid, _ := msg.Values[fieldCorrelationID].(string)
		delivered := redeliveriesOf(msg) + entry.RetryCount
		if delivered >= q.cfg.MaxDeliveryCount {
			q.log.Warn("lease expired, dead-lettering", "msg_id", entry.ID, "delivery_count", delivered)
			if err := q.deadLetter(ctx, entry.ID, body, cid, "lease expired"); err != nil {
				q.log.Warn("dead-letter failed", "msg_id", entry.ID, "error", err)
			}
			continue
		}
		// Re-enqueue as a fresh entry so any consumer can pick it up, then
		// retire the expired one.
		if err := q.publish(ctx, []byte(body), cid, delivered); err != nil {
			q.log.Warn("re-enqueue failed", "msg_id", entry.ID, "error", err)
			continue
		}
		_ = q.rdb.XAck(ctx, q.cfg.Stream, consumerGroup, entry.ID)
	}
}

func redeliveriesOf(msg goredis.XMessage) int64 {
	raw, _ := msg.Values[fieldRedeliveries].(string)
	if raw == "" {
		return 0
	}
	var n int64
	_, err := fmt.Sscanf(raw, "%d", &n)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (q *redisQueue) Close() error {
	return nil
}
