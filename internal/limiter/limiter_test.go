package limiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerBackoff(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(10*time.Second, 35*time.Second)
	b.now = func() time.Time { return now }

	if !b.Allow(ctx, "openai-vision", "gpt-4o") {
		t.Fatal("fresh breaker must allow")
	}
	for i, want := range []time.Duration{10 * time.Second, 20 * time.Second, 35 * time.Second, 35 * time.Second} {
		if got := b.Failure(ctx, "openai-vision", "gpt-4o"); got != want {
			t.Fatalf("failure %d cooldown = %v, want %v", i+1, got, want)
		}
	}
	if b.Allow(ctx, "openai-vision", "gpt-4o") {
		t.Fatal("open breaker allowed a call")
	}
	if !b.Allow(ctx, "openai-vision", "other-model") {
		t.Fatal("breaker is per backend and model")
	}

	now = now.Add(36 * time.Second)
	if !b.Allow(ctx, "openai-vision", "gpt-4o") {
		t.Fatal("half-open breaker must allow one call")
	}
	b.Success(ctx, "openai-vision", "gpt-4o")
	if got := b.Failure(ctx, "openai-vision", "gpt-4o"); got != 10*time.Second {
		t.Fatalf("cooldown after reset = %v, want base", got)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(10*time.Second, time.Minute)
	b.now = func() time.Time { return now }

	b.Failure(ctx, "anthropic-vision", "claude")
	now = now.Add(11 * time.Second)

	allowed := 0
	for i := 0; i < 5; i++ {
		if b.Allow(ctx, "anthropic-vision", "claude") {
			allowed++
		}
	}
	if allowed != 1 {
		t.Fatalf("calls allowed after cooldown = %d, want 1", allowed)
	}

	// A failed trial reopens with a longer cooldown.
	if got := b.Failure(ctx, "anthropic-vision", "claude"); got != 20*time.Second {
		t.Fatalf("cooldown after failed trial = %v", got)
	}
	if b.Allow(ctx, "anthropic-vision", "claude") {
		t.Fatal("reopened breaker allowed a call")
	}

	// A trial that never reports frees its slot after the base backoff.
	now = now.Add(21 * time.Second)
	if !b.Allow(ctx, "anthropic-vision", "claude") {
		t.Fatal("trial refused after cooldown")
	}
	if b.Allow(ctx, "anthropic-vision", "claude") {
		t.Fatal("second trial allowed while the first is in flight")
	}
	now = now.Add(11 * time.Second)
	if !b.Allow(ctx, "anthropic-vision", "claude") {
		t.Fatal("stale trial kept the breaker closed to callers")
	}

	b.Success(ctx, "anthropic-vision", "claude")
	for i := 0; i < 3; i++ {
		if !b.Allow(ctx, "anthropic-vision", "claude") {
			t.Fatal("closed breaker refused a call")
		}
	}
}

func TestInflight(t *testing.T) {
	l := NewInflight(1)
	release, err := l.Acquire(context.Background(), "keyword")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "KEYWORD"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second acquire err = %v, want deadline", err)
	}
	if r, err := l.Acquire(context.Background(), "other"); err != nil {
		t.Fatalf("other key blocked: %v", err)
	} else {
		r()
	}

	release()
	r, err := l.Acquire(context.Background(), "keyword")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	r()
}

func TestInflightDisabled(t *testing.T) {
	var l *Inflight
	for i := 0; i < 3; i++ {
		if _, err := l.Acquire(context.Background(), "x"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := NewInflight(0).Acquire(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
}
