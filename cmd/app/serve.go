package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/limiter"
	"github.com/local/pagesift/internal/pipeline"
	"github.com/local/pagesift/internal/queue"
	"github.com/local/pagesift/internal/server"
	"github.com/local/pagesift/internal/statuscheck"
	"github.com/local/pagesift/internal/storage"
	"github.com/local/pagesift/internal/store"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Start the HTTP API.

Endpoints:
  POST /extract          - start a run for a file_path/file_url
  POST /extract_upload   - start a run for an uploaded PDF (multipart "file")
  GET  /progress/{id}    - run status (?batches=1 adds per-batch verdicts)
  GET  /download/{id}    - extracted PDF of a finished run
  POST /cancel/{id}      - cancel an active run
  GET  /metrics, /health, /ready

Run state lives in Redis when REDIS_URL is set, in memory otherwise. With
Redis, runs go through a stream consumed by WORKERS in-process consumers and
any number of "pagesift worker" processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		s3 := openS3(ctx)
		runner := pipeline.NewRunner(cfg, s3, st)
		api := server.New(runner, st, server.Options{UploadDir: cfg.Server.UploadDir, MaxUploadMB: cfg.Server.MaxUploadMB}).
			WithReadiness(readiness(st, s3))

		workersDone := make(chan struct{})
		close(workersDone)
		if rs, ok := st.(*store.RedisStore); ok {
			runner.WithBreaker(limiter.NewRedisBreaker(rs.Client(), cfg.Backend.BreakerBaseBackoff, cfg.Backend.BreakerMaxBackoff))
			q, err := queue.NewRedisQueue(ctx, rs.Client(), cfg.Server.QueueStream, cfg.Server.QueueGroup)
			if err != nil {
				return err
			}
			api.WithDispatcher(queue.NewDispatcher(q))
			if cfg.Server.Workers > 0 {
				w := queue.NewWorker(queue.WorkerConfig{Concurrency: cfg.Server.Workers}, q, runner, st)
				workersDone = make(chan struct{})
				go func() {
					defer close(workersDone)
					_ = w.Run(ctx)
				}()
			}
			log.Info().Str("stream", q.Stream).Int("workers", cfg.Server.Workers).Msg("runs dispatched through redis queue")
		}
		mux := http.NewServeMux()
		api.RegisterRoutes(mux)

		srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() {
			log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("runs still active at shutdown")
		}
		select {
		case <-workersDone:
		case <-shutdownCtx.Done():
			log.Warn().Msg("queue workers still running at shutdown")
		}
		log.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "port to listen on (PORT)")
}

// readiness checks what the configured backends and stores depend on.
func readiness(st store.Store, s3 *storage.S3Client) *statuscheck.Checker {
	opts := statuscheck.Options{
		OpenAIKey:        cfg.Backend.OpenAIKey,
		OpenAIBaseURL:    cfg.Backend.OpenAIBaseURL,
		AnthropicKey:     cfg.Backend.AnthropicKey,
		AnthropicBaseURL: cfg.Backend.AnthropicBaseURL,
		TesseractBin:     cfg.Backend.TesseractBin,
	}
	if p, ok := st.(statuscheck.RedisPinger); ok {
		opts.Redis = p
		opts.Required = append(opts.Required, "redis")
	}
	if s3 != nil {
		opts.S3 = s3
		if bucket, _, err := storage.ParseURL(cfg.Output.Path); err == nil {
			opts.S3Bucket = bucket
			opts.Required = append(opts.Required, "s3")
		}
	}
	for _, name := range []string{cfg.Backend.Name, cfg.Backend.Fallback} {
		switch name {
		case classifier.BackendOpenAIVision, classifier.BackendOpenAIText:
			opts.Required = append(opts.Required, "openai")
		case classifier.BackendAnthropicVision, classifier.BackendAnthropicText:
			opts.Required = append(opts.Required, "anthropic")
		}
		if (name == classifier.BackendOpenAIText || name == classifier.BackendAnthropicText) && cfg.Backend.OCR == classifier.OCRTesseract {
			opts.Required = append(opts.Required, "tesseract")
		}
	}
	return statuscheck.New(opts)
}
