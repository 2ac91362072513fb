package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long run records are kept.
const DefaultTTL = 7 * 24 * time.Hour

type RedisStore struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	c := redis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: c, keyNS: "run", ttl: DefaultTTL}, nil
}

func (s *RedisStore) statusKey(runID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, runID) }
func (s *RedisStore) batchKey(runID string) string  { return fmt.Sprintf("%s:%s:batches", s.keyNS, runID) }

func (s *RedisStore) SetStatus(ctx context.Context, runID string, st Status) error {
	m := map[string]any{
		"status":   st.Status,
		"progress": st.Progress,
		"message":  st.Message,
	}
	if st.Start != nil {
		m["start"] = st.Start.Format(time.RFC3339Nano)
	}
	if st.End != nil {
		m["end"] = st.End.Format(time.RFC3339Nano)
	}
	if st.Metadata != nil {
		b, err := json.Marshal(st.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		m["metadata"] = string(b)
	}
	key := s.statusKey(runID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, m)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetStatus(ctx context.Context, runID string) (Status, error) {
	res, err := s.client.HGetAll(ctx, s.statusKey(runID)).Result()
	if err != nil {
		return Status{}, err
	}
	if len(res) == 0 {
		return Status{}, ErrNotFound
	}
	st := Status{Status: res["status"], Message: res["message"]}
	st.Progress, _ = strconv.Atoi(res["progress"])
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.End = &t
		}
	}
	if v := res["metadata"]; v != "" {
		_ = json.Unmarshal([]byte(v), &st.Metadata)
	}
	return st, nil
}

// SaveBatch stores rec in a hash keyed by batch start, so a retried batch overwrites its record.
func (s *RedisStore) SaveBatch(ctx context.Context, runID string, rec BatchRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	key := s.batchKey(runID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(rec.Start), string(b))
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Batches(ctx context.Context, runID string) ([]BatchRecord, error) {
	res, err := s.client.HGetAll(ctx, s.batchKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]BatchRecord, 0, len(res))
	for _, v := range res {
		var rec BatchRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode batch record: %w", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Client exposes the connection for other Redis-backed components.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }
