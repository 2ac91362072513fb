package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/local/pagesift/internal/aggregate"
	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/extract"
	"github.com/local/pagesift/internal/pages"
	"github.com/local/pagesift/internal/store"
)

type fakeSource struct {
	total     int
	renderErr map[int]error
}

func (s *fakeSource) Path() string { return "in.pdf" }
func (s *fakeSource) Total() int   { return s.total }

func (s *fakeSource) Render(ctx context.Context, r pages.Range, _ pages.Content) (pages.Batch, error) {
	if err := ctx.Err(); err != nil {
		return pages.Batch{}, err
	}
	if err := s.renderErr[r.From]; err != nil {
		return pages.Batch{}, err
	}
	b := pages.Batch{Start: r.From}
	for n := r.From; n <= r.To; n++ {
		b.Pages = append(b.Pages, pages.Page{Number: n, Text: fmt.Sprintf("page %d", n)})
	}
	return b, nil
}

type call struct {
	start     int
	maxTokens int
}

// fakeBackend answers per batch start. A batch with no entry returns no matches.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []call
	answer  func(ctx context.Context, b pages.Batch, attempt int) ([]byte, error)
	attempt map[int]int
}

func (f *fakeBackend) Name() string         { return "fake" }
func (f *fakeBackend) Needs() pages.Content { return pages.ContentText }

func (f *fakeBackend) Classify(ctx context.Context, b pages.Batch, t classifier.TargetSpec) (classifier.RawResult, error) {
	f.mu.Lock()
	if f.attempt == nil {
		f.attempt = make(map[int]int)
	}
	f.attempt[b.Start]++
	n := f.attempt[b.Start]
	f.calls = append(f.calls, call{start: b.Start, maxTokens: t.MaxTokens})
	f.mu.Unlock()

	payload, err := f.answer(ctx, b, n)
	if err != nil {
		return classifier.RawResult{}, err
	}
	return classifier.RawResult{Payload: payload, Backend: "fake", Model: "fake-1"}, nil
}

func (f *fakeBackend) attempts(start int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt[start]
}

type fakeExtractor struct {
	mu     sync.Mutex
	called int
	got    aggregate.MatchSet
}

func (e *fakeExtractor) Extract(_ context.Context, _ string, set aggregate.MatchSet, dst string) (extract.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.called++
	e.got = set
	if set.Empty() {
		return extract.Output{}, errs.ErrNoMatches
	}
	return extract.Output{Path: dst, Pages: set}, nil
}

func matches(pageNums ...int) []byte {
	s := `{"matches":[`
	for i, p := range pageNums {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf(`{"page":%d,"labels":["tree"]}`, p)
	}
	return []byte(s + "]}")
}

func target() classifier.TargetSpec {
	t, _ := classifier.Preset("objects")
	t.MaxTokens = 2048
	return t
}

func opts() Options {
	return Options{
		BatchSize:      4,
		Concurrency:    1,
		RetryBudget:    1024,
		RequestTimeout: time.Second,
		Output:         "out.pdf",
	}
}

func TestRunPartialFailure(t *testing.T) {
	be := &fakeBackend{answer: func(_ context.Context, b pages.Batch, _ int) ([]byte, error) {
		switch b.Start {
		case 1:
			return matches(2), nil
		case 5:
			return nil, errs.Unavailable("fake", errors.New("503"))
		default:
			return matches(10), nil
		}
	}}
	ex := &fakeExtractor{}
	st := store.NewMemory()

	res, err := New(be, ex, opts()).WithReporter(st).Run(context.Background(), "r1", &fakeSource{total: 10}, target())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := (aggregate.MatchSet{2, 10}); !reflect.DeepEqual(res.Matches, want) {
		t.Fatalf("matches = %v, want %v", res.Matches, want)
	}
	if res.Outcome != OutcomeExtracted || res.Degraded != 1 || res.Batches != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := be.attempts(5); got != 2 {
		t.Fatalf("failing batch attempted %d times, want 2", got)
	}
	if !reflect.DeepEqual(ex.got, res.Matches) {
		t.Fatalf("extractor got %v", ex.got)
	}

	recs, _ := st.Batches(context.Background(), "r1")
	if len(recs) != 3 || recs[1].Outcome != batchDegraded || recs[1].Attempts != 2 || recs[0].Outcome != batchOK {
		t.Fatalf("batch records = %+v", recs)
	}
	status, _ := st.GetStatus(context.Background(), "r1")
	if status.Status != store.StateSuccess || status.Progress != 100 {
		t.Fatalf("status = %+v", status)
	}
}

func TestRetryUsesReducedBudget(t *testing.T) {
	be := &fakeBackend{answer: func(_ context.Context, b pages.Batch, attempt int) ([]byte, error) {
		if attempt == 1 {
			return nil, errs.Timeout("fake", context.DeadlineExceeded)
		}
		return matches(b.Start), nil
	}}
	o := opts()
	o.BatchSize = 10

	res, err := New(be, &fakeExtractor{}, o).Run(context.Background(), "r2", &fakeSource{total: 3}, target())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Degraded != 0 || !reflect.DeepEqual(res.Matches, aggregate.MatchSet{1}) {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []call{{start: 1, maxTokens: 2048}, {start: 1, maxTokens: 1024}}
	if !reflect.DeepEqual(be.calls, want) {
		t.Fatalf("calls = %+v, want %+v", be.calls, want)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	be := &fakeBackend{answer: func(context.Context, pages.Batch, int) ([]byte, error) {
		return nil, &errs.HTTPError{StatusCode: 400, Body: "bad request", Provider: "fake"}
	}}
	res, err := New(be, &fakeExtractor{}, opts()).Run(context.Background(), "r3", &fakeSource{total: 2}, target())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if be.attempts(1) != 1 {
		t.Fatalf("attempts = %d, want 1", be.attempts(1))
	}
	if res.Outcome != OutcomeNoMatches || res.Degraded != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAttemptTimeout(t *testing.T) {
	be := &fakeBackend{answer: func(ctx context.Context, _ pages.Batch, _ int) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := opts()
	o.RequestTimeout = 20 * time.Millisecond

	res, err := New(be, &fakeExtractor{}, o).Run(context.Background(), "r4", &fakeSource{total: 1}, target())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if be.attempts(1) != 2 || res.Degraded != 1 {
		t.Fatalf("attempts = %d, degraded = %d", be.attempts(1), res.Degraded)
	}
}

func TestNoMatches(t *testing.T) {
	be := &fakeBackend{answer: func(context.Context, pages.Batch, int) ([]byte, error) {
		return []byte(`{"matches": []}`), nil
	}}
	ex := &fakeExtractor{}
	st := store.NewMemory()
	res, err := New(be, ex, opts()).WithReporter(st).Run(context.Background(), "r5", &fakeSource{total: 9}, target())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeNoMatches || !res.Matches.Empty() || res.Output != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	status, _ := st.GetStatus(context.Background(), "r5")
	if status.Status != store.StateNoMatches {
		t.Fatalf("status = %q", status.Status)
	}
}

func TestMalformedAndUnparseable(t *testing.T) {
	be := &fakeBackend{answer: func(_ context.Context, b pages.Batch, _ int) ([]byte, error) {
		if b.Start == 1 {
			return []byte(`{"matches":[{"page":2},{"page":"x"},{"page":99}]}`), nil
		}
		return []byte("I could not find anything, sorry."), nil
	}}
	st := store.NewMemory()
	res, err := New(be, &fakeExtractor{}, opts()).WithReporter(st).Run(context.Background(), "r6", &fakeSource{total: 8}, target())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.Matches, aggregate.MatchSet{2}) {
		t.Fatalf("matches = %v", res.Matches)
	}
	if res.Degraded != 1 {
		t.Fatalf("degraded = %d, want 1", res.Degraded)
	}
	if be.attempts(5) != 1 {
		t.Fatalf("unparseable batch retried")
	}
	recs, _ := st.Batches(context.Background(), "r6")
	if recs[0].Dropped != 2 || recs[1].Outcome != batchUnparseable {
		t.Fatalf("records = %+v", recs)
	}
}

func TestRenderFailureDegradesBatch(t *testing.T) {
	be := &fakeBackend{answer: func(_ context.Context, b pages.Batch, _ int) ([]byte, error) {
		return matches(b.Start), nil
	}}
	src := &fakeSource{total: 8, renderErr: map[int]error{1: errors.New("broken page")}}
	res, err := New(be, &fakeExtractor{}, opts()).Run(context.Background(), "r7", src, target())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.Matches, aggregate.MatchSet{5}) || res.Degraded != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCancellationWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	be := &fakeBackend{answer: func(ctx context.Context, b pages.Batch, _ int) ([]byte, error) {
		if b.Start == 5 {
			cancel()
			return nil, ctx.Err()
		}
		return matches(b.Start), nil
	}}
	ex := &fakeExtractor{}
	st := store.NewMemory()

	_, err := New(be, ex, opts()).WithReporter(st).Run(ctx, "r8", &fakeSource{total: 12}, target())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ex.called != 0 {
		t.Fatal("extractor called after cancellation")
	}
	if be.attempts(9) != 0 {
		t.Fatal("batch after cancellation was classified")
	}
	status, _ := st.GetStatus(context.Background(), "r8")
	if status.Status != store.StateCancelled {
		t.Fatalf("status = %q", status.Status)
	}
}

func TestConcurrencyGivesSameResult(t *testing.T) {
	answer := func(_ context.Context, b pages.Batch, _ int) ([]byte, error) {
		if b.Start%8 == 1 {
			return matches(b.Start, b.End()), nil
		}
		return matches(), nil
	}
	run := func(concurrency int) aggregate.MatchSet {
		o := opts()
		o.Concurrency = concurrency
		res, err := New(&fakeBackend{answer: answer}, &fakeExtractor{}, o).Run(context.Background(), "rc", &fakeSource{total: 30}, target())
		if err != nil {
			t.Fatalf("Run(concurrency=%d): %v", concurrency, err)
		}
		return res.Matches
	}
	seq, par := run(1), run(4)
	if !reflect.DeepEqual(seq, par) {
		t.Fatalf("sequential %v != concurrent %v", seq, par)
	}
	if want := (aggregate.MatchSet{1, 4, 9, 12, 17, 20, 25, 28}); !reflect.DeepEqual(seq, want) {
		t.Fatalf("matches = %v, want %v", seq, want)
	}
}

func TestDryRunSkipsExtraction(t *testing.T) {
	be := &fakeBackend{answer: func(context.Context, pages.Batch, int) ([]byte, error) { return matches(1), nil }}
	ex := &fakeExtractor{}
	o := opts()
	o.DryRun, o.Output = true, ""
	res, err := New(be, ex, o).Run(context.Background(), "r9", &fakeSource{total: 2}, target())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeClassified || ex.called != 0 {
		t.Fatalf("unexpected result %+v, extractor calls %d", res, ex.called)
	}
}

func TestUnsupportedTargetFailsBeforeWork(t *testing.T) {
	tgt := classifier.TargetSpec{Name: "cond", Kind: classifier.KindCondition, Condition: "is a passport"}
	_, err := New(classifier.NewKeyword(), &fakeExtractor{}, opts()).Run(context.Background(), "r10", &fakeSource{total: 2}, tgt)
	if !errs.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}

	o := opts()
	o.BatchSize = 0
	_, err = New(classifier.NewKeyword(), &fakeExtractor{}, o).Run(context.Background(), "r11", &fakeSource{total: 2}, target())
	if !errs.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}
