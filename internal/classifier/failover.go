package classifier

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/limiter"
	"github.com/local/pagesift/internal/pages"
)

var errCircuitOpen = errors.New("circuit breaker open")

// Failover calls the primary backend unless its breaker is open and falls
// back to the secondary on transient failures.
type Failover struct {
	primary, secondary           Backend
	primaryModel, secondaryModel string
	breaker                      *limiter.Breaker
}

func NewFailover(primary Backend, primaryModel string, secondary Backend, secondaryModel string, br *limiter.Breaker) *Failover {
	return &Failover{primary: primary, secondary: secondary, primaryModel: primaryModel, secondaryModel: secondaryModel, breaker: br}
}

func (f *Failover) Name() string { return f.primary.Name() }

func (f *Failover) Needs() pages.Content { return f.primary.Needs() | f.secondary.Needs() }

// Supports requires both backends to handle the target.
func (f *Failover) Supports(t TargetSpec) error {
	for _, b := range []Backend{f.primary, f.secondary} {
		if tc, ok := b.(interface{ Supports(TargetSpec) error }); ok {
			if err := tc.Supports(t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Failover) Classify(ctx context.Context, b pages.Batch, t TargetSpec) (RawResult, error) {
	if f.breaker.Allow(ctx, f.primary.Name(), f.primaryModel) {
		raw, err := f.primary.Classify(ctx, b, t)
		if err == nil {
			f.breaker.Success(ctx, f.primary.Name(), f.primaryModel)
			return raw, nil
		}
		if ctx.Err() != nil || !errs.IsTransient(err) {
			return RawResult{}, err
		}
		f.breaker.Failure(ctx, f.primary.Name(), f.primaryModel)
		log.Warn().Err(err).Str("backend", f.primary.Name()).Str("fallback", f.secondary.Name()).
			Int("batch_start", b.Start).Msg("primary backend failed, using fallback")
	} else {
		log.Debug().Str("backend", f.primary.Name()).Str("fallback", f.secondary.Name()).Msg("primary circuit open, using fallback")
	}

	if !f.breaker.Allow(ctx, f.secondary.Name(), f.secondaryModel) {
		return RawResult{}, errs.Unavailable(f.secondary.Name(), errCircuitOpen)
	}
	raw, err := f.secondary.Classify(ctx, b, t)
	switch {
	case err == nil:
		f.breaker.Success(ctx, f.secondary.Name(), f.secondaryModel)
	case ctx.Err() == nil && errs.IsTransient(err):
		f.breaker.Failure(ctx, f.secondary.Name(), f.secondaryModel)
	}
	return raw, err
}

// limited holds an inflight slot for the duration of each call.
type limited struct {
	Backend
	lim *limiter.Inflight
}

// Limit wraps b so that calls respect lim. A nil lim returns b unchanged.
func Limit(b Backend, lim *limiter.Inflight) Backend {
	if lim == nil {
		return b
	}
	return &limited{Backend: b, lim: lim}
}

func (l *limited) Classify(ctx context.Context, b pages.Batch, t TargetSpec) (RawResult, error) {
	release, err := l.lim.Acquire(ctx, l.Name())
	if err != nil {
		return RawResult{}, err
	}
	defer release()
	return l.Backend.Classify(ctx, b, t)
}

func (l *limited) Supports(t TargetSpec) error {
	if tc, ok := l.Backend.(interface{ Supports(TargetSpec) error }); ok {
		return tc.Supports(t)
	}
	return nil
}
