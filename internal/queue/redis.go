// Package queue distributes runs to worker processes through a Redis stream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/local/pagesift/internal/pipeline"
)

const (
	DefaultStream = "pagesift:runs"
	DefaultGroup  = "pagesift-workers"
)

// RedisQueue is a Redis Streams consumer group with a cancel set and a DLQ stream.
type RedisQueue struct {
	client *redis.Client

	Stream    string
	Group     string
	CancelKey string
	DLQStream string
	// CancelTTL bounds how long cancel markers are kept.
	CancelTTL time.Duration
}

// Message is one dequeued run.
type Message struct {
	ID  string
	Job pipeline.Job
	Raw []byte
}

// NewRedisQueue ensures the stream and consumer group exist.
func NewRedisQueue(ctx context.Context, c *redis.Client, stream, group string) (*RedisQueue, error) {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	q := &RedisQueue{
		client:    c,
		Stream:    stream,
		Group:     group,
		CancelKey: stream + ":cancelled",
		DLQStream: stream + ":dlq",
		CancelTTL: 24 * time.Hour,
	}
	if err := c.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	return q, nil
}

func isBusyGroupErr(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// Enqueue adds a job as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, job pipeline.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(payload)},
	}).Err()
}

// Dequeue blocks up to timeout for one message. A nil message means nothing arrived.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Message, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	return decode(res[0].Messages[0])
}

func decode(msg redis.XMessage) (*Message, error) {
	var raw []byte
	switch v := msg.Values["data"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	}
	m := &Message{ID: msg.ID, Raw: raw}
	if err := json.Unmarshal(raw, &m.Job); err != nil {
		return m, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	return m, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// CancelJob marks a run as cancelled. Workers poll this set.
func (q *RedisQueue) CancelJob(ctx context.Context, runID string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.CancelKey, runID)
	pipe.Expire(ctx, q.CancelKey, q.CancelTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) IsCancelled(ctx context.Context, runID string) (bool, error) {
	return q.client.SIsMember(ctx, q.CancelKey, runID).Result()
}

// AddDLQ pushes a failed payload to the DLQ stream with the reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, payload []byte, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQStream,
		Values: map[string]any{"data": string(payload), "reason": reason},
	}).Err()
}

// Depths returns the stream and DLQ lengths.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	dlen := pipe.XLen(ctx, q.DLQStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return xlen.Val(), dlen.Val(), nil
}
