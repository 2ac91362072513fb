package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/config"
	"github.com/local/pagesift/internal/document"
	"github.com/local/pagesift/internal/extract"
	"github.com/local/pagesift/internal/limiter"
	"github.com/local/pagesift/internal/storage"
)

// Job is one extraction request.
type Job struct {
	RunID  string `json:"run_id"`
	Input  string `json:"input"`
	Output string `json:"output"`
	// Target overrides the configured target when set.
	Target *classifier.TargetSpec `json:"target,omitempty"`
	// Threshold overrides the tuned target's threshold when set.
	Threshold *float64 `json:"threshold,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
	// Cleanup removes Input once the run has finished.
	Cleanup bool `json:"cleanup,omitempty"`
}

// Runner builds the per-run components from configuration and executes jobs.
type Runner struct {
	cfg      config.Config
	s3       *storage.S3Client
	reporter Reporter
	breaker  *limiter.Breaker
	inflight *limiter.Inflight
	// newBackend is swapped in tests.
	newBackend func(classifier.Options) (classifier.Backend, error)
}

// NewRunner returns a Runner. s3 and reporter may be nil. The breaker and
// inflight limiter it creates are shared by every job it executes.
func NewRunner(cfg config.Config, s3 *storage.S3Client, reporter Reporter) *Runner {
	r := &Runner{
		cfg:        cfg,
		s3:         s3,
		reporter:   reporter,
		breaker:    limiter.NewBreaker(cfg.Backend.BreakerBaseBackoff, cfg.Backend.BreakerMaxBackoff),
		newBackend: classifier.New,
	}
	if cfg.Backend.MaxInflight > 0 {
		r.inflight = limiter.NewInflight(cfg.Backend.MaxInflight)
	}
	return r
}

// WithBreaker replaces the process-local breaker, e.g. with a Redis-backed one.
func (r *Runner) WithBreaker(b *limiter.Breaker) *Runner {
	r.breaker = b
	return r
}

// Execute resolves the input, opens the document, builds the backend and runs
// the pipeline. Configuration problems are returned before any backend call.
func (r *Runner) Execute(ctx context.Context, job Job) (Result, error) {
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}
	if job.Output == "" {
		job.Output = r.cfg.Output.Path
	}
	if err := r.cfg.Validate(); err != nil {
		return Result{}, err
	}

	var (
		target classifier.TargetSpec
		err    error
	)
	if job.Target != nil {
		target, err = r.cfg.ApplyTuning(*job.Target)
	} else {
		target, err = r.cfg.ResolveTarget()
	}
	if err != nil {
		return Result{}, err
	}
	if job.Threshold != nil {
		target.Threshold = *job.Threshold
		if err := target.Validate(); err != nil {
			return Result{}, err
		}
	}

	var (
		dl storage.Downloader
		up extract.Uploader
	)
	if r.s3 != nil {
		dl, up = r.s3, r.s3
	}

	logger := log.With().Str("run_id", job.RunID).Logger()
	fetchStart := time.Now()
	path, cleanup, err := storage.Fetch(ctx, job.Input, dl, storage.Limits{MaxBytes: int64(r.cfg.Server.MaxUploadMB) << 20})
	if err != nil {
		return Result{}, err
	}
	defer cleanup()
	logger.Debug().Str("input", job.Input).Str("path", path).Dur("took", time.Since(fetchStart)).Msg("input resolved")

	doc, err := document.Open(path, document.Options{
		DPI:         r.cfg.Render.DPI,
		JPEGQuality: r.cfg.Render.JPEGQuality,
		Color:       document.ColorMode(r.cfg.Render.Color),
	})
	if err != nil {
		return Result{}, err
	}
	defer doc.Close()

	hasText := true
	if usesTextLayer(r.cfg.Backend) {
		pr := doc.HasTextLayer(r.cfg.Render.TextProbeThreshold)
		hasText = pr.HasText
		logger.Info().Bool("has_text", pr.HasText).Int("chars", pr.Chars).Ints("sampled", pr.SampledPages).
			Dur("took", pr.Duration).Msg("text layer probe")
	}

	opts := r.cfg.ClassifierOptions(hasText)
	opts.Breaker, opts.Inflight = r.breaker, r.inflight
	backend, err := r.newBackend(opts)
	if err != nil {
		return Result{}, err
	}
	logger.Info().Str("backend", backend.Name()).Str("target", config.Describe(target)).Msg("backend ready")

	p := New(backend, extract.New(up), Options{
		BatchSize:      r.cfg.Batch.Size,
		Concurrency:    r.cfg.Batch.Concurrency,
		RetryBudget:    r.cfg.RetryBudget(),
		RequestTimeout: r.cfg.Backend.RequestTimeout,
		RetryDelay:     r.cfg.Backend.RetryDelay,
		Output:         job.Output,
		DryRun:         job.DryRun,
	}).WithReporter(r.reporter)
	return p.Run(ctx, job.RunID, doc, target)
}

// usesTextLayer reports whether the primary or fallback backend reads the
// embedded text layer, which decides if the document needs probing.
func usesTextLayer(b config.BackendConfig) bool {
	for _, name := range []string{b.Name, b.Fallback} {
		switch name {
		case classifier.BackendKeyword:
			return true
		case classifier.BackendOpenAIText, classifier.BackendAnthropicText:
			if b.OCR == "" || b.OCR == classifier.OCRFitz {
				return true
			}
		}
	}
	return false
}
