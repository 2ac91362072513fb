package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/pipeline"
	"github.com/local/pagesift/internal/storage"
)

var extractFlags struct {
	output        string
	backend       string
	ocr           string
	batchSize     int
	concurrency   int
	dpi           int
	color         string
	preset        string
	targetFile    string
	labels        []string
	sectionHeader string
	condition     string
	threshold     float64
	dryRun        bool
	jsonOut       bool
}

var extractCmd = &cobra.Command{
	Use:   "extract INPUT",
	Short: "Classify the pages of INPUT and write the matching ones to a new PDF",
	Long: `Classify every page of INPUT against the configured target and write a
PDF that contains only the matching pages, in their original order.

INPUT may be a local path, file://, http(s):// or s3://bucket/key. The output
may be a local path or an s3:// URL.

Examples:
  pagesift extract scan.pdf -o trees.pdf --labels tree
  pagesift extract book.pdf -o todo.pdf --preset more-to-do --backend openai-text
  pagesift extract s3://docs/ids.pdf -o s3://docs/out/ids.pdf --preset na-ids`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyExtractFlags(cmd)

		ctx := cmd.Context()
		var s3 *storage.S3Client
		if strings.HasPrefix(args[0], "s3://") || strings.HasPrefix(cfg.Output.Path, "s3://") {
			s3 = openS3(ctx)
		}
		var reporter pipeline.Reporter
		if cfg.Server.RedisURL != "" {
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			reporter = st
		}

		res, err := pipeline.NewRunner(cfg, s3, reporter).Execute(ctx, pipeline.Job{
			Input:  args[0],
			Output: cfg.Output.Path,
			DryRun: extractFlags.dryRun,
		})
		if err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

func init() {
	f := extractCmd.Flags()
	f.StringVarP(&extractFlags.output, "output", "o", "", "output PDF path or s3:// URL (OUTPUT_PATH)")
	f.StringVar(&extractFlags.backend, "backend", "", fmt.Sprintf("classifier backend: %s (BACKEND)", strings.Join(classifier.Names(), ", ")))
	f.StringVar(&extractFlags.ocr, "ocr", "", "OCR engine for text backends: fitz, tesseract, mistral (OCR_ENGINE)")
	f.IntVar(&extractFlags.batchSize, "batch-size", 0, "pages per backend call (BATCH_SIZE)")
	f.IntVar(&extractFlags.concurrency, "concurrency", 0, "batches in flight (CONCURRENCY)")
	f.IntVar(&extractFlags.dpi, "dpi", 0, "render resolution (RENDER_DPI)")
	f.StringVar(&extractFlags.color, "color", "", "render color mode: rgb or gray (COLOR_MODE)")
	f.StringVar(&extractFlags.preset, "preset", "", fmt.Sprintf("target preset: %s (TARGET_PRESET)", strings.Join(classifier.PresetNames(), ", ")))
	f.StringVar(&extractFlags.targetFile, "target-file", "", "YAML file with target definitions (TARGET_FILE)")
	f.StringSliceVar(&extractFlags.labels, "labels", nil, "labels to look for (TARGET_LABELS)")
	f.StringVar(&extractFlags.sectionHeader, "section-header", "", "section header to look for (TARGET_SECTION_HEADER)")
	f.StringVar(&extractFlags.condition, "condition", "", "condition a page must satisfy (TARGET_CONDITION)")
	f.Float64Var(&extractFlags.threshold, "threshold", 0, "minimum confidence in [0,1] (MATCH_THRESHOLD)")
	f.BoolVar(&extractFlags.dryRun, "dry-run", false, "classify only, write no output")
	f.BoolVar(&extractFlags.jsonOut, "json", false, "print the full result as JSON")
}

// applyExtractFlags copies explicitly set flags over the environment config.
func applyExtractFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("output") {
		cfg.Output.Path = extractFlags.output
	}
	if f.Changed("backend") {
		cfg.Backend.Name = extractFlags.backend
	}
	if f.Changed("ocr") {
		cfg.Backend.OCR = extractFlags.ocr
	}
	if f.Changed("batch-size") {
		cfg.Batch.Size = extractFlags.batchSize
	}
	if f.Changed("concurrency") {
		cfg.Batch.Concurrency = extractFlags.concurrency
	}
	if f.Changed("dpi") {
		cfg.Render.DPI = extractFlags.dpi
	}
	if f.Changed("color") {
		cfg.Render.Color = strings.ToLower(extractFlags.color)
	}
	if f.Changed("target-file") {
		cfg.Target.File = extractFlags.targetFile
	}
	if f.Changed("threshold") {
		cfg.Target.Threshold = extractFlags.threshold
	}
	// An inline target on the command line replaces any inline target from the environment.
	if f.Changed("preset") || f.Changed("labels") || f.Changed("section-header") || f.Changed("condition") {
		cfg.Target.Preset = extractFlags.preset
		cfg.Target.Labels = extractFlags.labels
		cfg.Target.SectionHeader = extractFlags.sectionHeader
		cfg.Target.Condition = extractFlags.condition
	}
}

func printResult(cmd *cobra.Command, res pipeline.Result) error {
	out := cmd.OutOrStdout()
	if extractFlags.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	switch res.Outcome {
	case pipeline.OutcomeNoMatches:
		fmt.Fprintln(out, "no matching pages")
	case pipeline.OutcomeClassified:
		fmt.Fprintf(out, "matching pages: %s\n", joinInts(res.Matches))
	default:
		fmt.Fprintf(out, "matching pages: %s\nwrote %s (%d pages)\n", joinInts(res.Matches), res.Output.Path, len(res.Output.Pages))
	}
	if res.Degraded > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d of %d batches contributed no verdicts\n", res.Degraded, res.Batches)
	}
	return nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
