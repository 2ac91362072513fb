// Package config loads run configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/storage"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// RenderConfig controls page rasterisation.
type RenderConfig struct {
	DPI                int
	JPEGQuality        int
	Color              string
	TextProbeThreshold int
}

// BatchConfig controls partitioning and parallelism.
type BatchConfig struct {
	Size        int
	Concurrency int
}

// BackendConfig selects the classifier and its tuning.
type BackendConfig struct {
	Name string
	OCR  string

	OpenAIKey        string
	OpenAIBaseURL    string
	OpenAIModel      string
	AnthropicKey     string
	AnthropicBaseURL string
	AnthropicModel   string
	MistralKey       string
	MistralBaseURL   string
	MistralModel     string
	TesseractBin     string
	TesseractLang    string
	MaxTextChars     int

	Temperature    float64
	MaxTokens      int
	RetryMaxTokens int
	RequestTimeout time.Duration
	RetryDelay     time.Duration

	Fallback           string
	BreakerBaseBackoff time.Duration
	BreakerMaxBackoff  time.Duration
	MaxInflight        int
}

// TargetConfig describes what to look for. File and the inline fields take
// precedence over Preset.
type TargetConfig struct {
	Preset        string
	File          string
	Labels        []string
	SectionHeader string
	Condition     string
	// Threshold < 0 keeps the target's own threshold.
	Threshold float64
	Detail    string
}

type OutputConfig struct {
	Path string

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3Endpoint         string
}

type ServerConfig struct {
	Port            string
	RedisURL        string
	ShutdownTimeout time.Duration
	UploadDir       string
	MaxUploadMB     int
	// Queue settings apply when RedisURL is set.
	QueueStream string
	QueueGroup  string
	// Workers is the number of queue consumers serve runs in-process.
	Workers int
}

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig
	Axiom   AxiomConfig
	Render  RenderConfig
	Batch   BatchConfig
	Backend BackendConfig
	Target  TargetConfig
	Output  OutputConfig
	Server  ServerConfig

	problems []error
}

// LoadDotEnv reads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv loads configuration from environment with defaults. Malformed
// numeric values are reported by Validate.
func FromEnv() Config {
	cfg := Config{}
	l := &loader{cfg: &cfg}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", ""),
		MaxSizeMB:  l.int("LOG_MAX_SIZE_MB", 100),
		MaxBackups: l.int("LOG_MAX_BACKUPS", 10),
		MaxAgeDays: l.int("LOG_MAX_AGE_DAYS", 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       getEnv("AXIOM_DATASET", "dev") + "_pagesift",
		FlushInterval: l.duration("AXIOM_FLUSH_INTERVAL", 10*time.Second),
	}

	cfg.Render = RenderConfig{
		DPI:                l.int("RENDER_DPI", 300),
		JPEGQuality:        l.int("JPEG_QUALITY", 85),
		Color:              strings.ToLower(getEnv("COLOR_MODE", "rgb")),
		TextProbeThreshold: l.int("TEXT_PROBE_THRESHOLD", 300),
	}

	cfg.Batch = BatchConfig{
		Size:        l.int("BATCH_SIZE", 10),
		Concurrency: l.int("CONCURRENCY", 1),
	}

	cfg.Backend = BackendConfig{
		Name:             getEnv("BACKEND", classifier.BackendOpenAIVision),
		OCR:              getEnv("OCR_ENGINE", classifier.OCRFitz),
		OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o"),
		AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
		MistralKey:       getEnv("MISTRAL_API_KEY", ""),
		MistralBaseURL:   getEnv("MISTRAL_BASE_URL", ""),
		MistralModel:     getEnv("MISTRAL_OCR_MODEL", "mistral-ocr-latest"),
		TesseractBin:     getEnv("TESSERACT_BIN", "tesseract"),
		TesseractLang:    getEnv("TESSERACT_LANG", "eng"),
		MaxTextChars:     l.int("MAX_TEXT_CHARS", classifier.DefaultMaxTextChars),
		Temperature:      l.float("TEMPERATURE", 0),
		MaxTokens:        l.int("MAX_TOKENS", 2048),
		RetryMaxTokens:   l.int("RETRY_MAX_TOKENS", 0),
		RequestTimeout:   l.duration("REQUEST_TIMEOUT", 120*time.Second),
		RetryDelay:       l.duration("RETRY_DELAY", 2*time.Second),

		Fallback:           getEnv("BACKEND_FALLBACK", ""),
		BreakerBaseBackoff: l.duration("BREAKER_BASE_BACKOFF", 30*time.Second),
		BreakerMaxBackoff:  l.duration("BREAKER_MAX_BACKOFF", 5*time.Minute),
		MaxInflight:        l.int("MAX_INFLIGHT", 0),
	}

	cfg.Target = TargetConfig{
		Preset:        getEnv("TARGET_PRESET", ""),
		File:          getEnv("TARGET_FILE", ""),
		Labels:        splitList(getEnv("TARGET_LABELS", "")),
		SectionHeader: getEnv("TARGET_SECTION_HEADER", ""),
		Condition:     getEnv("TARGET_CONDITION", ""),
		Threshold:     l.float("MATCH_THRESHOLD", -1),
		Detail:        getEnv("IMAGE_DETAIL", ""),
	}

	cfg.Output = OutputConfig{
		Path:               getEnv("OUTPUT_PATH", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
	}

	cfg.Server = ServerConfig{
		Port:            getEnv("PORT", "8080"),
		RedisURL:        getEnv("REDIS_URL", ""),
		ShutdownTimeout: l.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		UploadDir:       getEnv("UPLOAD_DIR", os.TempDir()),
		MaxUploadMB:     l.int("MAX_UPLOAD_MB", 100),
		QueueStream:     getEnv("QUEUE_STREAM", "pagesift:runs"),
		QueueGroup:      getEnv("QUEUE_GROUP", "pagesift-workers"),
		Workers:         l.int("WORKERS", 1),
	}

	return cfg
}

// RetryBudget is the output token budget for the single retry attempt.
func (c Config) RetryBudget() int {
	if c.Backend.RetryMaxTokens > 0 {
		return c.Backend.RetryMaxTokens
	}
	return c.Backend.MaxTokens / 2
}

// Validate reports every invalid setting as a ConfigurationError.
func (c Config) Validate() error {
	problems := append([]error(nil), c.problems...)
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			problems = append(problems, errs.Config(field, format, args...))
		}
	}

	check(c.Batch.Size > 0, "BATCH_SIZE", "must be positive, got %d", c.Batch.Size)
	check(c.Batch.Concurrency > 0, "CONCURRENCY", "must be positive, got %d", c.Batch.Concurrency)
	check(c.Render.DPI >= 36 && c.Render.DPI <= 1200, "RENDER_DPI", "must be within 36..1200, got %d", c.Render.DPI)
	check(c.Render.JPEGQuality >= 1 && c.Render.JPEGQuality <= 100, "JPEG_QUALITY", "must be within 1..100, got %d", c.Render.JPEGQuality)
	check(c.Render.Color == "rgb" || c.Render.Color == "gray", "COLOR_MODE", "must be rgb or gray, got %q", c.Render.Color)
	check(c.Backend.MaxTokens > 0, "MAX_TOKENS", "must be positive, got %d", c.Backend.MaxTokens)
	check(c.Backend.RetryMaxTokens >= 0, "RETRY_MAX_TOKENS", "must not be negative")
	check(c.Backend.Temperature >= 0 && c.Backend.Temperature <= 2, "TEMPERATURE", "must be within 0..2, got %v", c.Backend.Temperature)
	check(c.Backend.RequestTimeout > 0, "REQUEST_TIMEOUT", "must be positive")
	check(c.Backend.RetryDelay >= 0, "RETRY_DELAY", "must not be negative")
	check(c.Target.Threshold <= 1, "MATCH_THRESHOLD", "must be at most 1, got %v", c.Target.Threshold)

	known := false
	for _, n := range classifier.Names() {
		known = known || n == c.Backend.Name
	}
	check(known, "BACKEND", "unknown backend %q (want one of %s)", c.Backend.Name, strings.Join(classifier.Names(), ", "))
	if f := c.Backend.Fallback; f != "" {
		known = false
		for _, n := range classifier.Names() {
			known = known || n == f
		}
		check(known, "BACKEND_FALLBACK", "unknown backend %q", f)
		check(f != c.Backend.Name, "BACKEND_FALLBACK", "same as BACKEND")
	}
	check(c.Backend.MaxInflight >= 0, "MAX_INFLIGHT", "must not be negative")
	check(c.Server.Workers >= 0, "WORKERS", "must not be negative")

	return errors.Join(problems...)
}

// ClassifierOptions maps the backend settings onto classifier.New options.
func (c Config) ClassifierOptions(hasTextLayer bool) classifier.Options {
	b := c.Backend
	return classifier.Options{
		Backend:          b.Name,
		OCR:              b.OCR,
		OpenAIKey:        b.OpenAIKey,
		OpenAIBaseURL:    b.OpenAIBaseURL,
		OpenAIModel:      b.OpenAIModel,
		AnthropicKey:     b.AnthropicKey,
		AnthropicBaseURL: b.AnthropicBaseURL,
		AnthropicModel:   b.AnthropicModel,
		MistralKey:       b.MistralKey,
		MistralBaseURL:   b.MistralBaseURL,
		MistralModel:     b.MistralModel,
		TesseractBin:     b.TesseractBin,
		TesseractLang:    b.TesseractLang,
		MaxTextChars:     b.MaxTextChars,
		HasTextLayer:     hasTextLayer,
		Fallback:         b.Fallback,
	}
}

// loader wraps the parse helpers and remembers malformed values.
type loader struct{ cfg *Config }

func (l *loader) bad(key, val, kind string) {
	l.cfg.problems = append(l.cfg.problems, errs.Config(key, "%q is not a valid %s", val, kind))
}

func (l *loader) int(key string, def int) int {
	s := os.Getenv(key)
	n := parseInt(s, def)
	if s != "" && strconv.Itoa(n) != strings.TrimSpace(s) {
		l.bad(key, s, "integer")
	}
	return n
}

func (l *loader) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		l.bad(key, s, "number")
		return def
	}
	return f
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		l.bad(key, s, "duration")
		return def
	}
	return d
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}

// S3Options maps the AWS settings onto the storage client options.
func (c Config) S3Options() storage.S3Options {
	return storage.S3Options{
		Region:          c.Output.AWSRegion,
		AccessKeyID:     c.Output.AWSAccessKeyID,
		SecretAccessKey: c.Output.AWSSecretAccessKey,
		Endpoint:        c.Output.S3Endpoint,
	}
}
