package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	fitz "github.com/gen2brain/go-fitz"

	"github.com/local/pagesift/internal/aggregate"
	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/config"
	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/pages"
	"github.com/local/pagesift/internal/store"
	"github.com/local/pagesift/internal/testpdf"
)

func keywordEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BACKEND", classifier.BackendKeyword)
	t.Setenv("TARGET_LABELS", "tree")
	t.Setenv("TARGET_PRESET", "")
	t.Setenv("TARGET_FILE", "")
	t.Setenv("BATCH_SIZE", "4")
	t.Setenv("CONCURRENCY", "1")
	t.Setenv("RENDER_DPI", "72")
	t.Setenv("OUTPUT_PATH", "")
}

// tenPages writes a 10-page PDF where pages 3, 7 and 9 mention a tree.
func tenPages(t *testing.T) string {
	t.Helper()
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("marker-%02d plain page", i+1)
	}
	for _, n := range []int{3, 7, 9} {
		texts[n-1] = fmt.Sprintf("marker-%02d a tree on a hill", n)
	}
	path := filepath.Join(t.TempDir(), "in.pdf")
	if err := testpdf.Write(path, texts); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecute_KeywordRoundTrip(t *testing.T) {
	keywordEnv(t)
	src := tenPages(t)
	dst := filepath.Join(t.TempDir(), "out.pdf")
	st := store.NewMemory()

	res, err := NewRunner(config.FromEnv(), nil, st).Execute(context.Background(), Job{RunID: "e2e", Input: src, Output: dst})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if want := (aggregate.MatchSet{3, 7, 9}); !reflect.DeepEqual(res.Matches, want) {
		t.Fatalf("matches = %v, want %v", res.Matches, want)
	}
	if res.Outcome != OutcomeExtracted || res.Output == nil || res.Output.Path != dst {
		t.Fatalf("unexpected result %+v", res)
	}

	doc, err := fitz.New(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer doc.Close()
	if doc.NumPage() != 3 {
		t.Fatalf("output has %d pages, want 3", doc.NumPage())
	}
	for i, want := range []string{"marker-03", "marker-07", "marker-09"} {
		text, err := doc.Text(i)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(text, want) {
			t.Errorf("output page %d = %q, want %s", i+1, text, want)
		}
	}

	recs, _ := st.Batches(context.Background(), "e2e")
	if len(recs) != 3 {
		t.Fatalf("got %d batch records, want 3", len(recs))
	}
}

func TestExecute_NoMatchesWritesNothing(t *testing.T) {
	keywordEnv(t)
	t.Setenv("TARGET_LABELS", "submarine")
	dst := filepath.Join(t.TempDir(), "out.pdf")

	res, err := NewRunner(config.FromEnv(), nil, nil).Execute(context.Background(), Job{Input: tenPages(t), Output: dst})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeNoMatches || res.RunID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatal("output written for empty match set")
	}
}

func TestExecute_ConfigurationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		job  Job
	}{
		{"missing input", nil, Job{Input: "/does/not/exist.pdf", Output: "out.pdf"}},
		{"bad batch size", map[string]string{"BATCH_SIZE": "0"}, Job{Output: "out.pdf"}},
		{"unknown preset", map[string]string{"TARGET_LABELS": "", "TARGET_PRESET": "nope"}, Job{Output: "out.pdf"}},
		{"missing api key", map[string]string{"BACKEND": classifier.BackendOpenAIVision, "OPENAI_API_KEY": ""}, Job{Output: "out.pdf"}},
		{"s3 input without client", nil, Job{Input: "s3://bucket/in.pdf", Output: "out.pdf"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keywordEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if tc.job.Input == "" {
				tc.job.Input = tenPages(t)
			}
			_, err := NewRunner(config.FromEnv(), nil, nil).Execute(context.Background(), tc.job)
			if !errs.IsConfiguration(err) {
				t.Fatalf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestExecute_BackendSeesProbeResult(t *testing.T) {
	keywordEnv(t)
	t.Setenv("BACKEND", classifier.BackendOpenAIText)
	t.Setenv("OCR_ENGINE", classifier.OCRFitz)
	t.Setenv("TEXT_PROBE_THRESHOLD", "20")

	var got classifier.Options
	r := NewRunner(config.FromEnv(), nil, nil)
	r.newBackend = func(o classifier.Options) (classifier.Backend, error) {
		got = o
		return nil, errors.New("stop")
	}
	_, err := r.Execute(context.Background(), Job{Input: tenPages(t), DryRun: true})
	if err == nil || err.Error() != "stop" {
		t.Fatalf("err = %v", err)
	}
	if !got.HasTextLayer {
		t.Fatal("text layer not detected")
	}
}

// tuningRecorder fails the first attempt of the first batch and records the
// target each call received.
type tuningRecorder struct {
	mu    sync.Mutex
	calls []classifier.TargetSpec
}

func (b *tuningRecorder) Name() string         { return "recorder" }
func (b *tuningRecorder) Needs() pages.Content { return pages.ContentText }

func (b *tuningRecorder) Classify(_ context.Context, batch pages.Batch, t classifier.TargetSpec) (classifier.RawResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, t)
	first := len(b.calls) == 1
	b.mu.Unlock()
	if first && batch.Start == 1 {
		return classifier.RawResult{}, errs.Unavailable("recorder", errors.New("503"))
	}
	return classifier.RawResult{Payload: []byte(`{"matches":[]}`), Backend: "recorder", Model: "r-1"}, nil
}

func TestExecute_JobTargetGetsTuning(t *testing.T) {
	keywordEnv(t)
	t.Setenv("BATCH_SIZE", "10")
	t.Setenv("MAX_TOKENS", "4096")
	t.Setenv("RETRY_MAX_TOKENS", "")
	t.Setenv("TEMPERATURE", "0.3")
	t.Setenv("MATCH_THRESHOLD", "0.9")
	t.Setenv("IMAGE_DETAIL", "low")
	t.Setenv("RETRY_DELAY", "1ms")

	preset, _ := classifier.Preset("objects")
	rec := &tuningRecorder{}
	r := NewRunner(config.FromEnv(), nil, nil)
	r.newBackend = func(classifier.Options) (classifier.Backend, error) { return rec, nil }

	if _, err := r.Execute(context.Background(), Job{Input: tenPages(t), Target: &preset, DryRun: true}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rec.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(rec.calls))
	}
	first, retry := rec.calls[0], rec.calls[1]
	if first.MaxTokens != 4096 || first.Threshold != 0.9 || first.Detail != "low" || first.Temperature != 0.3 {
		t.Fatalf("first attempt target = %+v", first)
	}
	if retry.MaxTokens != 2048 {
		t.Fatalf("retry budget = %d, want 2048", retry.MaxTokens)
	}

	rec.calls = nil
	th := 0.4
	if _, err := r.Execute(context.Background(), Job{Input: tenPages(t), Target: &preset, Threshold: &th, DryRun: true}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.calls[0].Threshold != 0.4 {
		t.Fatalf("request threshold not applied: %+v", rec.calls[0])
	}
}

func TestRetryBudgetStaysBelowFirstAttempt(t *testing.T) {
	cases := []struct{ configured, first, want int }{
		{1024, 2048, 1024},
		{2048, 1024, 512},
		{0, 1024, 512},
		{2048, 0, 2048},
	}
	for _, tc := range cases {
		if got := retryBudget(tc.configured, tc.first); got != tc.want {
			t.Errorf("retryBudget(%d, %d) = %d, want %d", tc.configured, tc.first, got, tc.want)
		}
	}
}
