// Package limiter guards classifier backends: a circuit breaker with
// exponential cooldown and a per-backend cap on calls in flight.
package limiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Inflight caps concurrent calls per key across every run in the process.
type Inflight struct {
	max int
	mu  sync.Mutex
	sem map[string]chan struct{}
}

// NewInflight returns a limiter allowing max calls per key. max <= 0 disables it.
func NewInflight(max int) *Inflight {
	return &Inflight{max: max, sem: map[string]chan struct{}{}}
}

// Acquire blocks until a slot for key is free or ctx is done.
func (l *Inflight) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.max <= 0 {
		return func() {}, nil
	}
	key = strings.ToLower(key)
	l.mu.Lock()
	ch, ok := l.sem[key]
	if !ok {
		ch = make(chan struct{}, l.max)
		l.sem[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	default:
	}
	start := time.Now()
	select {
	case ch <- struct{}{}:
		log.Debug().Str("backend", key).Dur("waited", time.Since(start)).Msg("inflight slot acquired")
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
