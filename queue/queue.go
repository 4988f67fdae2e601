// Package queue implements the job queue on Redis Streams. Each
// containerName gets its own stream, which gives strict submission-order
// delivery within a container while independent containers interleave
// freely. Delivery is at-least-once: a message stays pending until the
// consumer acknowledges it, and unacknowledged messages are reclaimed after
// the visibility timeout. Publishing is deduplicated by jobId within a
// bounded window, and messages that exceed the delivery-attempt bound are
// moved to a per-container dead-letter stream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/webrunner/types"
)

const (
	streamField = "job"
	group       = "dispatchers"
)

// Config holds queue tuning knobs.
type Config struct {
	// KeyPrefix namespaces every queue key in Redis.
	KeyPrefix string
	// DedupWindow bounds how long a published jobId suppresses duplicates.
	DedupWindow time.Duration
	// VisibilityTimeout is how long a delivered-but-unacknowledged message
	// stays invisible before another consumer may claim it.
	VisibilityTimeout time.Duration
	// MaxDeliveries is the delivery-attempt bound before dead-lettering.
	MaxDeliveries int
	// PollInterval is how long the consumer sleeps when the stream is idle.
	PollInterval time.Duration
}

// DefaultConfig returns sensible queue defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "webrunner:",
		DedupWindow:       5 * time.Minute,
		VisibilityTimeout: 5 * time.Minute,
		MaxDeliveries:     3,
		PollInterval:      200 * time.Millisecond,
	}
}

// Message is one queue delivery. Body is the serialized types.Job;
// DeliveryCount counts attempts including the current one.
type Message struct {
	ID            string
	Body          []byte
	DeliveryCount int64
}

// Handler processes one delivery. A nil return acknowledges the message; a
// non-nil return leaves it pending for redelivery after the visibility
// timeout.
type Handler func(ctx context.Context, msg Message) error

// Queue is a Redis-Streams-backed job queue.
type Queue struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a queue over an existing Redis client.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "webrunner:"
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Queue{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "queue")),
	}
}

// Ping checks queue backend connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) streamKey(container string) string {
	return q.cfg.KeyPrefix + "stream:" + container
}

func (q *Queue) deadKey(container string) string {
	return q.cfg.KeyPrefix + "dead:" + container
}

func (q *Queue) dedupKey(jobID string) string {
	return q.cfg.KeyPrefix + "dedup:" + jobID
}

// Publish enqueues a job on its container partition. Publishing the same
// jobId again within the dedup window is a no-op, so retried publishes
// never produce a second delivery.
func (q *Queue) Publish(ctx context.Context, job *types.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	ok, err := q.client.SetNX(ctx, q.dedupKey(job.JobID), 1, q.cfg.DedupWindow).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve dedup key for job %s: %w", job.JobID, err)
	}
	if !ok {
		q.logger.Debug("duplicate publish suppressed", zap.String("job_id", job.JobID))
		return nil
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(job.ContainerName),
		Values: map[string]interface{}{streamField: body},
	}).Result()
	if err != nil {
		// Free the dedup slot so the caller can retry the publish.
		q.client.Del(ctx, q.dedupKey(job.JobID))
		return fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}

	q.logger.Info("job published",
		zap.String("job_id", job.JobID),
		zap.String("container", job.ContainerName),
		zap.String("stream_id", id))
	return nil
}

// ensureGroup creates the consumer group if it does not exist yet.
func (q *Queue) ensureGroup(ctx context.Context, container string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey(container), group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group for %s: %w", container, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Consume runs the delivery loop for one container partition until ctx is
// cancelled. Messages are delivered strictly one at a time in stream order;
// the next message is not read until the handler for the previous one has
// returned. Reclaimed redeliveries are served before new messages so a
// crashed attempt cannot be overtaken within its partition.
func (q *Queue) Consume(ctx context.Context, container, consumer string, handler Handler) error {
	if err := q.ensureGroup(ctx, container); err != nil {
		return err
	}

	stream := q.streamKey(container)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, ok, err := q.next(ctx, stream, container, consumer)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			q.logger.Error("queue read failed", zap.String("container", container), zap.Error(err))
			ok = false
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		if err := handler(ctx, msg); err != nil {
			// Leave the message pending; it becomes redeliverable once the
			// visibility timeout elapses.
			q.logger.Warn("handler failed, message left pending",
				zap.String("container", container),
				zap.String("stream_id", msg.ID),
				zap.Int64("delivery", msg.DeliveryCount),
				zap.Error(err))
			continue
		}

		if err := q.Ack(ctx, container, msg.ID); err != nil {
			q.logger.Error("ack failed", zap.String("stream_id", msg.ID), zap.Error(err))
		}
	}
}

// next returns the next deliverable message: first any expired pending
// message (redelivery or dead-letter), then a fresh one.
func (q *Queue) next(ctx context.Context, stream, container, consumer string) (Message, bool, error) {
	if msg, ok, err := q.reclaim(ctx, stream, container, consumer); err != nil || ok {
		return msg, ok, err
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	for _, s := range res {
		for _, m := range s.Messages {
			return toMessage(m, 1), true, nil
		}
	}
	return Message{}, false, nil
}

// reclaim scans the pending-entries list for messages whose visibility
// timeout has expired. Messages past the delivery bound are dead-lettered
// and acknowledged; the rest are claimed for another attempt.
func (q *Queue) reclaim(ctx context.Context, stream, container, consumer string) (Message, bool, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  16,
	}).Result()
	if err != nil && err != redis.Nil {
		return Message{}, false, err
	}

	for _, p := range pending {
		if p.Idle < q.cfg.VisibilityTimeout {
			continue
		}

		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  q.cfg.VisibilityTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && err != redis.Nil {
			return Message{}, false, err
		}
		if len(claimed) == 0 {
			continue // another consumer won the claim
		}

		// RetryCount counts prior deliveries; the claim is one more.
		attempt := p.RetryCount + 1
		msg := toMessage(claimed[0], attempt)

		if attempt > int64(q.cfg.MaxDeliveries) {
			if err := q.deadLetter(ctx, container, msg); err != nil {
				return Message{}, false, err
			}
			continue
		}
		return msg, true, nil
	}
	return Message{}, false, nil
}

// deadLetter moves a poisoned message to the container's dead-letter stream
// and acknowledges the original so it is never redelivered again.
func (q *Queue) deadLetter(ctx context.Context, container string, msg Message) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadKey(container),
		Values: map[string]interface{}{
			streamField:  msg.Body,
			"origin_id":  msg.ID,
			"deliveries": msg.DeliveryCount,
			"failed_at":  time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", msg.ID, err)
	}
	if err := q.Ack(ctx, container, msg.ID); err != nil {
		return err
	}
	q.logger.Warn("message dead-lettered",
		zap.String("container", container),
		zap.String("stream_id", msg.ID),
		zap.Int64("deliveries", msg.DeliveryCount))
	return nil
}

// Ack acknowledges (deletes) a delivered message.
func (q *Queue) Ack(ctx context.Context, container, id string) error {
	if err := q.client.XAck(ctx, q.streamKey(container), group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", id, err)
	}
	return nil
}

// DeadLetters returns up to count entries from a container's dead-letter
// stream, oldest first. Intended for manual inspection.
func (q *Queue) DeadLetters(ctx context.Context, container string, count int64) ([]Message, error) {
	entries, err := q.client.XRangeN(ctx, q.deadKey(container), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter stream for %s: %w", container, err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, toMessage(e, 0))
	}
	return out, nil
}

func toMessage(m redis.XMessage, attempt int64) Message {
	var body []byte
	if v, ok := m.Values[streamField]; ok {
		switch t := v.(type) {
		case string:
			body = []byte(t)
		case []byte:
			body = t
		}
	}
	return Message{ID: m.ID, Body: body, DeliveryCount: attempt}
}

// ParseJob decodes a queue message body into a Job.
func ParseJob(msg Message) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job message %s: %w", msg.ID, err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}
