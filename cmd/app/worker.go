package main

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/limiter"
	"github.com/local/pagesift/internal/pipeline"
	"github.com/local/pagesift/internal/queue"
	"github.com/local/pagesift/internal/store"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued runs from Redis",
	Long: `Consume runs that "pagesift serve" queued in the Redis stream.

Requires REDIS_URL. Uploaded files are read from UPLOAD_DIR, which must be
shared with the API process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Server.RedisURL == "" {
			return errs.Config("REDIS_URL", "worker needs a redis queue")
		}
		if cmd.Flags().Changed("concurrency") {
			cfg.Server.Workers = workerConcurrency
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		rs, err := store.NewRedis(ctx, cfg.Server.RedisURL)
		if err != nil {
			return err
		}
		defer rs.Close()

		q, err := queue.NewRedisQueue(ctx, rs.Client(), cfg.Server.QueueStream, cfg.Server.QueueGroup)
		if err != nil {
			return err
		}
		runner := pipeline.NewRunner(cfg, openS3(ctx), rs).
			WithBreaker(limiter.NewRedisBreaker(rs.Client(), cfg.Backend.BreakerBaseBackoff, cfg.Backend.BreakerMaxBackoff))

		n := max(cfg.Server.Workers, 1)
		log.Info().Str("stream", q.Stream).Str("group", q.Group).Int("concurrency", n).Msg("worker consuming")
		err = queue.NewWorker(queue.WorkerConfig{Concurrency: n}, q, runner, rs).Run(ctx)
		if errors.Is(err, ctx.Err()) {
			log.Info().Msg("worker stopped")
			return nil
		}
		return err
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "concurrent runs (WORKERS)")
}
