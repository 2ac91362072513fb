// Package pipeline runs the batch, classify, validate, aggregate and extract flow for one document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/pagesift/internal/aggregate"
	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/extract"
	"github.com/local/pagesift/internal/metrics"
	"github.com/local/pagesift/internal/pages"
	"github.com/local/pagesift/internal/store"
	"github.com/local/pagesift/internal/verdict"
)

// Source yields rendered pages of an open document.
type Source interface {
	Path() string
	Total() int
	Render(ctx context.Context, r pages.Range, need pages.Content) (pages.Batch, error)
}

// Extractor writes the output document.
type Extractor interface {
	Extract(ctx context.Context, src string, set aggregate.MatchSet, dst string) (extract.Output, error)
}

// Reporter receives progress. store.Store satisfies it.
type Reporter interface {
	SetStatus(ctx context.Context, runID string, st store.Status) error
	SaveBatch(ctx context.Context, runID string, rec store.BatchRecord) error
}

// targetChecker is implemented by backends that cannot handle every target.
type targetChecker interface {
	Supports(classifier.TargetSpec) error
}

type Outcome string

const (
	OutcomeExtracted  Outcome = "extracted"
	OutcomeNoMatches  Outcome = "no_matches"
	OutcomeClassified Outcome = "classified"
)

// Batch outcomes recorded per batch.
const (
	batchOK          = "ok"
	batchDegraded    = "degraded"
	batchUnparseable = "unparseable"
)

// Options tune a run.
type Options struct {
	BatchSize   int
	Concurrency int
	// RetryBudget is the output token budget of the retry attempt.
	RetryBudget    int
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	// Output is the destination path or s3:// URL.
	Output string
	// DryRun classifies without writing an output document.
	DryRun bool
}

// Result summarises a finished run.
type Result struct {
	RunID      string                 `json:"run_id"`
	Outcome    Outcome                `json:"outcome"`
	TotalPages int                    `json:"total_pages"`
	Batches    int                    `json:"batches"`
	Degraded   int                    `json:"degraded_batches"`
	Matches    aggregate.MatchSet     `json:"matches"`
	Report     []aggregate.PageReport `json:"report"`
	Output     *extract.Output        `json:"output,omitempty"`
	Duration   time.Duration          `json:"duration"`
}

type Pipeline struct {
	backend   classifier.Backend
	extractor Extractor
	reporter  Reporter
	opts      Options
}

func New(backend classifier.Backend, extractor Extractor, opts Options) *Pipeline {
	return &Pipeline{backend: backend, extractor: extractor, opts: opts}
}

// WithReporter attaches a progress reporter.
func (p *Pipeline) WithReporter(r Reporter) *Pipeline {
	p.reporter = r
	return p
}

// Run classifies every page of src against target and extracts the matches.
// Backend failures degrade single batches; cancellation of ctx aborts the run
// with ctx.Err() and writes nothing.
func (p *Pipeline) Run(ctx context.Context, runID string, src Source, target classifier.TargetSpec) (Result, error) {
	started := time.Now()
	logger := log.With().Str("run_id", runID).Str("backend", p.backend.Name()).Logger()

	if err := p.validate(target); err != nil {
		return Result{}, err
	}
	total := src.Total()
	plan, err := pages.Plan(total, p.opts.BatchSize)
	if err != nil {
		return Result{}, err
	}

	res := Result{RunID: runID, TotalPages: total, Batches: len(plan)}
	p.report(ctx, runID, store.Status{
		Status:   store.StateProcessing,
		Message:  fmt.Sprintf("classifying %d pages in %d batches", total, len(plan)),
		Start:    &started,
		Metadata: map[string]any{"total_pages": total, "batches": len(plan), "target": target.Name},
	})
	logger.Info().Int("total_pages", total).Int("batches", len(plan)).Int("batch_size", p.opts.BatchSize).
		Str("target", target.Name).Msg("run started")

	agg := aggregate.New(total)
	var done, degraded atomic.Int64
	step := func(ctx context.Context, r pages.Range) error {
		ok, err := p.processBatch(ctx, logger, runID, src, r, target, agg)
		if err != nil {
			return err
		}
		if !ok {
			degraded.Add(1)
		}
		n := done.Add(1)
		p.report(ctx, runID, store.Status{
			Status:   store.StateProcessing,
			Progress: int(n * 100 / int64(len(plan))),
			Message:  fmt.Sprintf("batch %d/%d done", n, len(plan)),
			Start:    &started,
		})
		return nil
	}

	if err := p.runBatches(ctx, plan, step); err != nil || ctx.Err() != nil {
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = ctx.Err()
		}
		end := time.Now()
		p.report(context.WithoutCancel(ctx), runID, store.Status{Status: store.StateCancelled, Message: err.Error(), Start: &started, End: &end})
		metrics.IncRun("cancelled")
		logger.Warn().Err(err).Msg("run aborted")
		return Result{}, err
	}

	res.Degraded = int(degraded.Load())
	res.Matches = agg.Finalize()
	res.Report = agg.Report()
	metrics.AddMatches(len(res.Matches))

	switch {
	case p.opts.DryRun:
		res.Outcome = OutcomeClassified
	default:
		out, err := p.extractor.Extract(ctx, src.Path(), res.Matches, p.opts.Output)
		switch {
		case errors.Is(err, errs.ErrNoMatches):
			res.Outcome = OutcomeNoMatches
		case err != nil:
			end := time.Now()
			state := store.StateFailed
			if ctx.Err() != nil {
				state = store.StateCancelled
			}
			p.report(context.WithoutCancel(ctx), runID, store.Status{Status: state, Message: err.Error(), Start: &started, End: &end})
			metrics.IncRun(state)
			return Result{}, err
		default:
			res.Outcome = OutcomeExtracted
			res.Output = &out
		}
	}

	res.Duration = time.Since(started)
	end := time.Now()
	state := store.StateSuccess
	if res.Outcome == OutcomeNoMatches {
		state = store.StateNoMatches
	}
	p.report(ctx, runID, store.Status{
		Status:   state,
		Progress: 100,
		Message:  fmt.Sprintf("%d matching pages", len(res.Matches)),
		Start:    &started,
		End:      &end,
		Metadata: map[string]any{"matches": res.Matches, "degraded_batches": res.Degraded, "output": p.opts.Output},
	})
	metrics.IncRun(string(res.Outcome))
	logger.Info().Ints("pages", res.Matches).Str("outcome", string(res.Outcome)).Int("degraded_batches", res.Degraded).
		Dur("duration", res.Duration).Msg("run finished")
	return res, nil
}

func (p *Pipeline) validate(target classifier.TargetSpec) error {
	if p.opts.BatchSize <= 0 {
		return errs.Config("batch_size", "must be positive, got %d", p.opts.BatchSize)
	}
	if !p.opts.DryRun && p.opts.Output == "" {
		return errs.Config("output", "no output path")
	}
	if err := target.Validate(); err != nil {
		return err
	}
	if tc, ok := p.backend.(targetChecker); ok {
		return tc.Supports(target)
	}
	return nil
}

// runBatches runs step for every range, sequentially or on a bounded pool.
// Batch failures are absorbed by step; only cancellation stops the loop.
func (p *Pipeline) runBatches(ctx context.Context, plan []pages.Range, step func(context.Context, pages.Range) error) error {
	if p.opts.Concurrency <= 1 {
		for _, r := range plan {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := step(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, r := range plan {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return step(gctx, r) })
	}
	return g.Wait()
}

// processBatch classifies one range. It reports false when the batch
// contributed nothing because of a failure, and returns an error only on cancellation.
func (p *Pipeline) processBatch(ctx context.Context, logger zerolog.Logger, runID string, src Source, r pages.Range, target classifier.TargetSpec, agg *aggregate.Aggregator) (bool, error) {
	blog := logger.With().Int("batch_start", r.From).Int("batch_end", r.To).Logger()
	rec := store.BatchRecord{Start: r.From, End: r.To}

	b, err := src.Render(ctx, r, p.backend.Needs())
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		blog.Error().Err(err).Msg("render failed, batch contributes no matches")
		rec.Outcome, rec.Error = batchDegraded, err.Error()
		p.saveBatch(ctx, runID, rec)
		metrics.IncBatch(batchDegraded)
		return false, nil
	}

	raw, attempts, err := p.classify(ctx, blog, b, target)
	rec.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		blog.Error().Err(err).Str("kind", errs.Kind(err)).Int("attempts", attempts).
			Msg("backend failed, batch contributes no matches")
		rec.Outcome, rec.Error = batchDegraded, err.Error()
		p.saveBatch(ctx, runID, rec)
		metrics.IncBatch(batchDegraded)
		return false, nil
	}

	parsed, err := verdict.Parse(raw.Payload, b, verdict.Options{DefaultLabel: target.DefaultLabel(), Threshold: target.Threshold})
	if err != nil {
		blog.Error().Err(err).Str("payload", truncate(string(raw.Payload), 500)).Msg("unparseable batch result")
		rec.Outcome, rec.Error = batchUnparseable, err.Error()
		p.saveBatch(ctx, runID, rec)
		metrics.IncBatch(batchUnparseable)
		return false, nil
	}
	for _, d := range parsed.Dropped {
		blog.Warn().Str("page", d.Page).Int("entry", d.Index).Str("reason", d.Reason).Msg("dropped malformed verdict")
	}
	if len(parsed.Dropped) > 0 {
		metrics.IncDropped("malformed", len(parsed.Dropped))
	}

	agg.Add(parsed.Verdicts)
	rec.Outcome, rec.Verdicts, rec.Dropped = batchOK, parsed.Verdicts, len(parsed.Dropped)
	p.saveBatch(ctx, runID, rec)
	metrics.IncBatch(batchOK)
	blog.Info().Ints("pages", parsed.Pages()).Int("dropped", len(parsed.Dropped)).Int("skipped", parsed.Skipped).
		Str("model", raw.Model).Int("tokens_in", raw.TokensIn).Int("tokens_out", raw.TokensOut).Msg("batch classified")
	return true, nil
}

// classify calls the backend with one retry on transient failure. The retry
// runs with the reduced output budget. Each attempt has its own timeout.
func (p *Pipeline) classify(ctx context.Context, blog zerolog.Logger, b pages.Batch, target classifier.TargetSpec) (classifier.RawResult, int, error) {
	var (
		raw      classifier.RawResult
		attempts int
	)
	name := p.backend.Name()

	err := retry.Do(
		func() error {
			attempts++
			t := target
			if attempts > 1 {
				t = target.WithBudget(retryBudget(p.opts.RetryBudget, target.MaxTokens))
				metrics.IncRetry(name)
			}

			actx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
			defer cancel()

			start := time.Now()
			out, err := p.backend.Classify(actx, b, t)
			dur := time.Since(start)
			if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, errs.ErrBackendTimeout) {
				err = errs.Timeout(name, err)
			}
			metrics.ObserveBackend(name, firstNonEmpty(out.Model, "unknown"), errs.Kind(err), dur)
			if err != nil {
				return err
			}
			raw = out
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(p.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errs.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			blog.Warn().Err(err).Uint("attempt", n+1).Str("kind", errs.Kind(err)).Msg("backend call failed")
		}),
	)
	return raw, attempts, err
}

func (p *Pipeline) report(ctx context.Context, runID string, st store.Status) {
	if p.reporter == nil {
		return
	}
	if err := p.reporter.SetStatus(ctx, runID, st); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("status update failed")
	}
}

func (p *Pipeline) saveBatch(ctx context.Context, runID string, rec store.BatchRecord) {
	if p.reporter == nil {
		return
	}
	if err := p.reporter.SaveBatch(context.WithoutCancel(ctx), runID, rec); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Int("batch_start", rec.Start).Msg("batch record failed")
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// retryBudget keeps the retry budget below the first attempt's.
func retryBudget(configured, first int) int {
	if first > 0 && (configured <= 0 || configured >= first) {
		return first / 2
	}
	return configured
}
