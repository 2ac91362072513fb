package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(batches.WithLabelValues("degraded"))
	IncBatch("degraded")
	if got := testutil.ToFloat64(batches.WithLabelValues("degraded")); got != before+1 {
		t.Fatalf("batches = %v, want %v", got, before+1)
	}

	ObserveBackend("keyword", "keyword", "success", 10*time.Millisecond)
	IncDropped("out_of_range", 2)
	IncRetry("openai-vision")
	AddMatches(3)
	IncRun("success")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"pagesift_backend_requests_total",
		"pagesift_verdicts_dropped_total",
		"pagesift_matched_pages_total",
		"pagesift_runs_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
