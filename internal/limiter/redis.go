package limiter

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// NewRedisBreaker returns a breaker whose state is shared through Redis, so
// every process talking to the same backend sees the same cooldown.
func NewRedisBreaker(client *redis.Client, baseBackoff, maxBackoff time.Duration) *Breaker {
	return newBreaker(&redisStore{rdb: client}, baseBackoff, maxBackoff)
}

type redisStore struct {
	rdb *redis.Client
}

func (s *redisStore) get(ctx context.Context, key string) (breakerState, bool) {
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil || len(vals) == 0 {
		return breakerState{}, false
	}
	failures, _ := strconv.Atoi(vals["failures"])
	retryAt, _ := strconv.ParseInt(vals["retry_at"], 10, 64)
	return breakerState{State: vals["state"], RetryAt: time.Unix(retryAt, 0), Failures: failures}, true
}

// claimScript returns 1 when no breaker record exists, 0 while the cooldown or
// another trial's lease runs, and 2 after taking the half-open trial.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 1 end
local retry = tonumber(redis.call('HGET', KEYS[1], 'retry_at') or '0')
if tonumber(ARGV[1]) < retry then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'retry_at', ARGV[2])
return 2
`)

func (s *redisStore) claim(ctx context.Context, key string, now, lease time.Time) int {
	n, err := claimScript.Run(ctx, s.rdb, []string{key}, now.Unix(), lease.Unix(), stateHalfOpen).Int()
	if err != nil {
		// Breaker state is advisory; an unreachable Redis does not block calls.
		return claimClosed
	}
	return n
}

func (s *redisStore) put(ctx context.Context, key string, st breakerState, ttl time.Duration) {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":    st.State,
		"retry_at": st.RetryAt.Unix(),
		"failures": st.Failures,
	})
	pipe.Expire(ctx, key, ttl)
	_, _ = pipe.Exec(ctx)
}

func (s *redisStore) del(ctx context.Context, key string) {
	s.rdb.Del(ctx, key)
}
