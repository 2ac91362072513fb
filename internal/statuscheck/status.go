// Package statuscheck reports the readiness of the services a run depends on.
package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// BucketChecker is satisfied by *storage.S3Client.
type BucketChecker interface {
	HeadBucket(ctx context.Context, bucket string) error
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis         RedisPinger
	s3            BucketChecker
	s3Bucket      string
	httpClient    *http.Client
	openAIKey     string
	openAIBase    string
	anthropicKey  string
	anthropicBase string
	tesseractBin  string
	required      map[string]bool
}

// Options configures the Checker. Required names the subsystems ("redis",
// "s3", "openai", "anthropic", "tesseract") that must be OK for readiness.
type Options struct {
	Redis            RedisPinger
	S3               BucketChecker
	S3Bucket         string
	HTTPClient       *http.Client
	OpenAIKey        string
	OpenAIBaseURL    string
	AnthropicKey     string
	AnthropicBaseURL string
	TesseractBin     string
	Required         []string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK       bool   `json:"ok"`
	Required bool   `json:"required"`
	Message  string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Ready     bool   `json:"ready"`
	Redis     Status `json:"redis"`
	S3        Status `json:"s3"`
	OpenAI    Status `json:"openai"`
	Anthropic Status `json:"anthropic"`
	Tesseract Status `json:"tesseract"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req := make(map[string]bool, len(opts.Required))
	for _, r := range opts.Required {
		req[r] = true
	}
	return &Checker{
		redis:         opts.Redis,
		s3:            opts.S3,
		s3Bucket:      opts.S3Bucket,
		httpClient:    client,
		openAIKey:     strings.TrimSpace(opts.OpenAIKey),
		openAIBase:    strings.TrimRight(firstNonEmpty(opts.OpenAIBaseURL, "https://api.openai.com/v1"), "/"),
		anthropicKey:  strings.TrimSpace(opts.AnthropicKey),
		anthropicBase: strings.TrimRight(firstNonEmpty(opts.AnthropicBaseURL, "https://api.anthropic.com/v1"), "/"),
		tesseractBin:  opts.TesseractBin,
		required:      req,
	}
}

// Summary returns the current status snapshot. Subsystems that are not
// required are reported but not probed.
func (c *Checker) Summary(ctx context.Context) Summary {
	s := Summary{
		Redis:     c.mark(ctx, "redis", c.checkRedis),
		S3:        c.mark(ctx, "s3", c.checkS3),
		OpenAI:    c.mark(ctx, "openai", c.checkOpenAI),
		Anthropic: c.mark(ctx, "anthropic", c.checkAnthropic),
		Tesseract: c.mark(ctx, "tesseract", c.checkTesseract),
	}
	s.Ready = true
	for _, st := range []Status{s.Redis, s.S3, s.OpenAI, s.Anthropic, s.Tesseract} {
		if st.Required && !st.OK {
			s.Ready = false
		}
	}
	return s
}

func (c *Checker) mark(ctx context.Context, name string, check func(context.Context) Status) Status {
	if !c.required[name] {
		return Status{Message: "not required"}
	}
	st := check(ctx)
	st.Required = true
	return st
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
	if c.s3 == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	if c.s3Bucket == "" {
		return Status{OK: true, Message: "Client configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.s3.HeadBucket(ctx, c.s3Bucket); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkOpenAI(ctx context.Context) Status {
	if c.openAIKey == "" {
		return Status{OK: false, Message: "API key missing"}
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.openAIBase+"/models?limit=1", nil)
	req.Header.Set("Authorization", "Bearer "+c.openAIKey)
	return c.probe(req)
}

func (c *Checker) checkAnthropic(ctx context.Context) Status {
	if c.anthropicKey == "" {
		return Status{OK: false, Message: "API key missing"}
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.anthropicBase+"/models", nil)
	req.Header.Set("x-api-key", c.anthropicKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	return c.probe(req)
}

func (c *Checker) probe(req *http.Request) Status {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkTesseract(context.Context) Status {
	bin := firstNonEmpty(c.tesseractBin, "tesseract")
	path, err := exec.LookPath(bin)
	if err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: path}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
