package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/errs"
)

var managedKeys = []string{
	"BATCH_SIZE", "CONCURRENCY", "RENDER_DPI", "JPEG_QUALITY", "COLOR_MODE", "BACKEND", "OCR_ENGINE",
	"MAX_TOKENS", "RETRY_MAX_TOKENS", "TEMPERATURE", "REQUEST_TIMEOUT", "RETRY_DELAY",
	"TARGET_PRESET", "TARGET_FILE", "TARGET_LABELS", "TARGET_SECTION_HEADER", "TARGET_CONDITION",
	"MATCH_THRESHOLD", "IMAGE_DETAIL", "OUTPUT_PATH", "PORT", "REDIS_URL",
	"OPENAI_BASE_URL", "ANTHROPIC_BASE_URL", "MISTRAL_BASE_URL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedKeys {
		t.Setenv(k, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Batch.Size != 10 || cfg.Batch.Concurrency != 1 {
		t.Fatalf("batch = %+v", cfg.Batch)
	}
	if cfg.Render.DPI != 300 || cfg.Render.JPEGQuality != 85 || cfg.Render.Color != "rgb" {
		t.Fatalf("render = %+v", cfg.Render)
	}
	if cfg.Backend.Name != classifier.BackendOpenAIVision || cfg.Backend.OCR != classifier.OCRFitz {
		t.Fatalf("backend = %s/%s", cfg.Backend.Name, cfg.Backend.OCR)
	}
	if cfg.RetryBudget() != cfg.Backend.MaxTokens/2 {
		t.Fatalf("RetryBudget = %d", cfg.RetryBudget())
	}
	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %s", cfg.Server.Port)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BATCH_SIZE", "4")
	t.Setenv("CONCURRENCY", "3")
	t.Setenv("COLOR_MODE", "GRAY")
	t.Setenv("MAX_TOKENS", "1024")
	t.Setenv("RETRY_MAX_TOKENS", "300")
	t.Setenv("REQUEST_TIMEOUT", "45s")
	t.Setenv("TARGET_LABELS", "map, chart ,")

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Batch.Size != 4 || cfg.Batch.Concurrency != 3 || cfg.Render.Color != "gray" {
		t.Fatalf("cfg = %+v / %+v", cfg.Batch, cfg.Render)
	}
	if cfg.RetryBudget() != 300 || cfg.Backend.RequestTimeout != 45*time.Second {
		t.Fatalf("backend = %+v", cfg.Backend)
	}
	if strings.Join(cfg.Target.Labels, "|") != "map|chart" {
		t.Fatalf("labels = %q", cfg.Target.Labels)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	clearEnv(t)
	t.Setenv("BATCH_SIZE", "0")
	t.Setenv("RENDER_DPI", "lots")
	t.Setenv("COLOR_MODE", "sepia")
	t.Setenv("BACKEND", "clip")
	t.Setenv("REQUEST_TIMEOUT", "soon")

	err := FromEnv().Validate()
	if !errs.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	for _, field := range []string{"BATCH_SIZE", "RENDER_DPI", "COLOR_MODE", "BACKEND", "REQUEST_TIMEOUT"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error does not mention %s: %v", field, err)
		}
	}
}

func TestResolveTarget(t *testing.T) {
	clearEnv(t)
	cfg := FromEnv()
	tgt, err := cfg.ResolveTarget()
	if err != nil {
		t.Fatal(err)
	}
	if tgt.Name != DefaultPreset || tgt.MaxTokens != cfg.Backend.MaxTokens {
		t.Fatalf("default target = %+v", tgt)
	}

	cfg.Target.Preset = "more-to-do"
	cfg.Target.Threshold = 0.5
	tgt, err = cfg.ResolveTarget()
	if err != nil {
		t.Fatal(err)
	}
	if tgt.Kind != classifier.KindSectionHeader || tgt.Threshold != 0.5 {
		t.Fatalf("preset target = %+v", tgt)
	}

	cfg.Target.SectionHeader = "Summary"
	if tgt, _ = cfg.ResolveTarget(); tgt.SectionHeader != "Summary" {
		t.Fatalf("inline header ignored: %+v", tgt)
	}

	cfg.Target = TargetConfig{Preset: "bogus", Threshold: -1}
	if _, err := cfg.ResolveTarget(); !errs.IsConfiguration(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveTarget_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "targets.yaml")
	yaml := "targets:\n  - name: maps\n    labels: [map]\n  - name: receipts\n    kind: condition\n    condition: a receipt\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := FromEnv()
	cfg.Target.File = path
	tgt, err := cfg.ResolveTarget()
	if err != nil || tgt.Name != "maps" {
		t.Fatalf("first target = %+v, %v", tgt, err)
	}
	cfg.Target.Preset = "receipts"
	if tgt, err = cfg.ResolveTarget(); err != nil || tgt.Kind != classifier.KindCondition {
		t.Fatalf("named target = %+v, %v", tgt, err)
	}
	cfg.Target.Preset = "missing"
	if _, err := cfg.ResolveTarget(); !errs.IsConfiguration(err) {
		t.Fatalf("err = %v", err)
	}
	cfg.Target.File = filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := cfg.ResolveTarget(); !errs.IsConfiguration(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestClassifierOptions_BaseURLs(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_BASE_URL", "http://openai.local/v1")
	t.Setenv("ANTHROPIC_BASE_URL", "http://anthropic.local/v1")
	t.Setenv("MISTRAL_BASE_URL", "http://mistral.local/v1")
	o := FromEnv().ClassifierOptions(true)
	if o.OpenAIBaseURL != "http://openai.local/v1" || o.AnthropicBaseURL != "http://anthropic.local/v1" ||
		o.MistralBaseURL != "http://mistral.local/v1" {
		t.Fatalf("options = %+v", o)
	}
}

func TestApplyTuning(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_TOKENS", "4096")
	t.Setenv("TEMPERATURE", "0.5")
	t.Setenv("MATCH_THRESHOLD", "0.7")
	t.Setenv("IMAGE_DETAIL", "low")
	cfg := FromEnv()

	preset, _ := classifier.Preset("objects")
	got, err := cfg.ApplyTuning(preset)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxTokens != 4096 || got.Temperature != 0.5 || got.Threshold != 0.7 || got.Detail != "low" {
		t.Fatalf("tuned = %+v", got)
	}

	own := preset
	own.MaxTokens = 800
	if got, _ := cfg.ApplyTuning(own); got.MaxTokens != 800 {
		t.Fatalf("target max_tokens overwritten: %d", got.MaxTokens)
	}

	if _, err := cfg.ApplyTuning(classifier.TargetSpec{Name: "empty", Kind: classifier.KindLabels}); !errs.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BATCH_SIZE=7\nPORT=9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7000")
	// godotenv never overrides a variable that exists, even when empty.
	os.Unsetenv("BATCH_SIZE")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatal(err)
	}
	cfg := FromEnv()
	if cfg.Batch.Size != 7 || cfg.Server.Port != "7000" {
		t.Fatalf("batch=%d port=%s", cfg.Batch.Size, cfg.Server.Port)
	}
}
