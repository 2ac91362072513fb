package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	fitz "github.com/gen2brain/go-fitz"

	"github.com/local/pagesift/internal/aggregate"
	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/testpdf"
)

func source(t *testing.T, n int) string {
	t.Helper()
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("marker-%02d", i+1)
	}
	path := filepath.Join(t.TempDir(), "src.pdf")
	if err := testpdf.Write(path, texts); err != nil {
		t.Fatal(err)
	}
	return path
}

func pageTexts(t *testing.T, path string) []string {
	t.Helper()
	doc, err := fitz.New(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer doc.Close()
	out := make([]string, doc.NumPage())
	for i := range out {
		text, err := doc.Text(i)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = strings.TrimSpace(text)
	}
	return out
}

func TestExtract_RoundTrip(t *testing.T) {
	src := source(t, 10)
	dst := filepath.Join(t.TempDir(), "nested", "out.pdf")

	out, err := New(nil).Extract(context.Background(), src, aggregate.MatchSet{3, 7, 9}, dst)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out.Path != dst || len(out.Pages) != 3 || out.Bytes == 0 {
		t.Fatalf("output = %+v", out)
	}

	got := pageTexts(t, dst)
	want := []string{"marker-03", "marker-07", "marker-09"}
	if len(got) != len(want) {
		t.Fatalf("output has %d pages, want %d", len(got), len(want))
	}
	for i := range want {
		if !strings.Contains(got[i], want[i]) {
			t.Fatalf("output page %d = %q, want %q", i+1, got[i], want[i])
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(dst), ".pagesift-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestExtract_NoMatches(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.pdf")
	_, err := New(nil).Extract(context.Background(), source(t, 2), nil, dst)
	if !errors.Is(err, errs.ErrNoMatches) {
		t.Fatalf("err = %v, want ErrNoMatches", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatal("output written for empty match set")
	}
}

func TestExtract_RejectsBadSets(t *testing.T) {
	src := source(t, 5)
	for _, set := range []aggregate.MatchSet{{0}, {6}, {3, 2}, {2, 2}} {
		dst := filepath.Join(t.TempDir(), "out.pdf")
		if _, err := New(nil).Extract(context.Background(), src, set, dst); err == nil {
			t.Errorf("Extract(%v) succeeded", set)
		}
		if _, err := os.Stat(dst); !os.IsNotExist(err) {
			t.Errorf("Extract(%v) wrote output", set)
		}
	}
}

func TestExtract_CancelledWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dst := filepath.Join(t.TempDir(), "out.pdf")
	if _, err := New(nil).Extract(ctx, source(t, 3), aggregate.MatchSet{1}, dst); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatal("output written after cancellation")
	}
}

type fakeUploader struct {
	url   string
	pages int
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, local, url string) error {
	f.url = url
	doc, err := fitz.New(local)
	if err != nil {
		return err
	}
	f.pages = doc.NumPage()
	doc.Close()
	return f.err
}

func TestExtract_Upload(t *testing.T) {
	up := &fakeUploader{}
	out, err := New(up).Extract(context.Background(), source(t, 4), aggregate.MatchSet{2, 4}, "s3://bucket/out.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if up.url != "s3://bucket/out.pdf" || up.pages != 2 || out.Path != up.url {
		t.Fatalf("upload = %+v, output = %+v", up, out)
	}

	if _, err := New(nil).Extract(context.Background(), source(t, 4), aggregate.MatchSet{1}, "s3://b/k.pdf"); !errs.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}

	up.err = errors.New("denied")
	if _, err := New(up).Extract(context.Background(), source(t, 4), aggregate.MatchSet{1}, "s3://b/k.pdf"); err == nil {
		t.Fatal("upload failure not reported")
	}
}
