package limiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	stateOpen     = "open"
	stateHalfOpen = "half_open"
)

// breakerState is one key's record.
type breakerState struct {
	State    string
	RetryAt  time.Time
	Failures int
}

// Results of breakerStore.claim.
const (
	claimDenied = iota
	claimClosed
	claimTrial
)

type breakerStore interface {
	get(ctx context.Context, key string) (breakerState, bool)
	// claim atomically lets one caller through once RetryAt has passed and
	// moves the record to half-open with RetryAt pushed out to lease.
	claim(ctx context.Context, key string, now, lease time.Time) int
	put(ctx context.Context, key string, st breakerState, ttl time.Duration)
	del(ctx context.Context, key string)
}

// Breaker opens per backend after a transient failure and stays open for a
// cooldown that doubles with each consecutive failure, up to a maximum.
// After the cooldown a single trial call is let through (half-open) and
// everything else is refused until the trial reports Success or Failure.
// A trial that never reports frees its slot after the base backoff.
type Breaker struct {
	store       breakerStore
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

// NewBreaker returns a process-local breaker.
func NewBreaker(baseBackoff, maxBackoff time.Duration) *Breaker {
	return newBreaker(&memoryStore{m: map[string]breakerState{}}, baseBackoff, maxBackoff)
}

func newBreaker(s breakerStore, baseBackoff, maxBackoff time.Duration) *Breaker {
	if baseBackoff <= 0 {
		baseBackoff = 30 * time.Second
	}
	if maxBackoff < baseBackoff {
		maxBackoff = 5 * time.Minute
	}
	return &Breaker{store: s, baseBackoff: baseBackoff, maxBackoff: maxBackoff, now: time.Now}
}

func breakerKey(backend, model string) string {
	return fmt.Sprintf("cb:%s:%s", strings.ToLower(backend), strings.ToLower(model))
}

// Allow reports whether a call to backend/model may proceed.
func (b *Breaker) Allow(ctx context.Context, backend, model string) bool {
	now := b.now()
	switch b.store.claim(ctx, breakerKey(backend, model), now, now.Add(b.baseBackoff)) {
	case claimClosed:
		return true
	case claimTrial:
		log.Info().Str("backend", backend).Str("model", model).Msg("circuit breaker half-open")
		return true
	}
	return false
}

// Failure opens the breaker and returns the cooldown.
func (b *Breaker) Failure(ctx context.Context, backend, model string) time.Duration {
	key := breakerKey(backend, model)
	st, _ := b.store.get(ctx, key)
	st.Failures++

	backoff := b.baseBackoff
	for i := 1; i < st.Failures; i++ {
		backoff *= 2
		if backoff >= b.maxBackoff {
			backoff = b.maxBackoff
			break
		}
	}
	st.State = stateOpen
	st.RetryAt = b.now().Add(backoff)
	b.store.put(ctx, key, st, b.maxBackoff*2)

	log.Warn().Str("backend", backend).Str("model", model).Dur("cooldown", backoff).
		Int("failures", st.Failures).Time("retry_at", st.RetryAt).Msg("circuit breaker opened")
	return backoff
}

// Success closes the breaker.
func (b *Breaker) Success(ctx context.Context, backend, model string) {
	key := breakerKey(backend, model)
	if _, ok := b.store.get(ctx, key); !ok {
		return
	}
	b.store.del(ctx, key)
	log.Info().Str("backend", backend).Str("model", model).Msg("circuit breaker closed")
}

type memoryStore struct {
	mu sync.Mutex
	m  map[string]breakerState
}

func (s *memoryStore) get(_ context.Context, key string) (breakerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[key]
	return st, ok
}

func (s *memoryStore) claim(_ context.Context, key string, now, lease time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[key]
	if !ok {
		return claimClosed
	}
	if now.Before(st.RetryAt) {
		return claimDenied
	}
	st.State, st.RetryAt = stateHalfOpen, lease
	s.m[key] = st
	return claimTrial
}

func (s *memoryStore) put(_ context.Context, key string, st breakerState, _ time.Duration) {
	s.mu.Lock()
	s.m[key] = st
	s.mu.Unlock()
}

func (s *memoryStore) del(_ context.Context, key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}
