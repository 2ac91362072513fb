package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/pagesift/internal/config"
	"github.com/local/pagesift/internal/errs"
	logpkg "github.com/local/pagesift/internal/logger"
	"github.com/local/pagesift/internal/metrics"
	"github.com/local/pagesift/internal/storage"
	"github.com/local/pagesift/internal/store"
)

var (
	envFiles []string
	logLevel string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pagesift",
	Short: "Extract the pages of a PDF that match a semantic target",
	Long: `pagesift classifies every page of a PDF against a target (object
categories, a section header, or a document condition) using a vision model,
OCR plus a text model, or a local keyword matcher, then writes a new PDF with
only the matching pages.

Configuration comes from the environment (and .env files); flags on each
command override it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		cfg = config.FromEnv()
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := logpkg.Init(logpkg.Options{
			Level:        cfg.Logging.Level,
			Pretty:       cfg.Logging.Pretty,
			Stderr:       true,
			File:         cfg.Logging.File,
			MaxSizeMB:    cfg.Logging.MaxSizeMB,
			MaxBackups:   cfg.Logging.MaxBackups,
			MaxAgeDays:   cfg.Logging.MaxAgeDays,
			Compress:     cfg.Logging.Compress,
			Service:      "pagesift",
			SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
			AxiomAPIKey:  cfg.Axiom.APIKey,
			AxiomOrgID:   cfg.Axiom.OrgID,
			AxiomDataset: cfg.Axiom.Dataset,
			AxiomFlush:   cfg.Axiom.FlushInterval,
		}); err != nil {
			return err
		}
		metrics.Init()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load (existing variables win)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(extractCmd, serveCmd, workerCmd, targetsCmd)
}

func closeLogger() { logpkg.Close() }

// exitCode maps configuration errors to 2 and everything else to 1.
func exitCode(err error) int {
	if errs.IsConfiguration(err) {
		return 2
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

// openStore connects to Redis when configured, otherwise keeps run state in memory.
func openStore(ctx context.Context) (store.Store, error) {
	if cfg.Server.RedisURL == "" {
		return store.NewMemory(), nil
	}
	return store.NewRedis(ctx, cfg.Server.RedisURL)
}

// openS3 builds an S3 client. A failure is logged and leaves S3 unavailable.
func openS3(ctx context.Context) *storage.S3Client {
	c, err := storage.NewS3Client(ctx, cfg.S3Options())
	if err != nil {
		log.Warn().Err(err).Msg("s3 unavailable")
		return nil
	}
	return c
}
