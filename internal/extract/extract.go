// Package extract writes a new PDF containing only the selected pages.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/aggregate"
	"github.com/local/pagesift/internal/errs"
)

// Uploader publishes a finished local file to a remote URL such as s3://bucket/key.
type Uploader interface {
	Upload(ctx context.Context, localPath, url string) error
}

// Output describes a written document.
type Output struct {
	Path  string `json:"path"`
	Pages []int  `json:"pages"`
	Bytes int64  `json:"bytes"`
}

type Extractor struct {
	uploader Uploader
	conf     *model.Configuration
}

// New returns an Extractor. uploader may be nil when only local outputs are used.
func New(uploader Uploader) *Extractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Extractor{uploader: uploader, conf: conf}
}

// Extract copies the pages of set from src into dst, in ascending order.
// An empty set returns errs.ErrNoMatches and writes nothing. The destination
// is only ever replaced by a complete, verified file.
func (e *Extractor) Extract(ctx context.Context, src string, set aggregate.MatchSet, dst string) (Output, error) {
	if set.Empty() {
		return Output{}, errs.ErrNoMatches
	}
	total, err := api.PageCountFile(src)
	if err != nil {
		return Output{}, fmt.Errorf("pdf page count failed: %w", err)
	}
	if err := checkSet(set, total); err != nil {
		return Output{}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	remote := strings.HasPrefix(dst, "s3://")
	if remote && e.uploader == nil {
		return Output{}, errs.Config("output", "no uploader configured for %s", dst)
	}

	tmpDir := os.TempDir()
	if !remote {
		tmpDir = filepath.Dir(dst)
		if err := os.MkdirAll(tmpDir, 0o755); err != nil {
			return Output{}, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.CreateTemp(tmpDir, ".pagesift-*.pdf")
	if err != nil {
		return Output{}, err
	}
	tmp := f.Name()
	f.Close()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmp)
		}
	}()

	if err := api.TrimFile(src, tmp, []string{selection(set)}, e.conf); err != nil {
		return Output{}, fmt.Errorf("extract pages: %w", err)
	}

	got, err := api.PageCountFile(tmp)
	if err != nil {
		return Output{}, fmt.Errorf("verify output: %w", err)
	}
	if got != len(set) {
		return Output{}, fmt.Errorf("verify output: %d pages written, want %d", got, len(set))
	}
	st, err := os.Stat(tmp)
	if err != nil {
		return Output{}, err
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	if remote {
		if err := e.uploader.Upload(ctx, tmp, dst); err != nil {
			return Output{}, fmt.Errorf("upload output: %w", err)
		}
	} else if err := os.Rename(tmp, dst); err != nil {
		return Output{}, fmt.Errorf("commit output: %w", err)
	} else {
		committed = true
	}

	log.Info().Str("output", dst).Int("pages", len(set)).Int64("bytes", st.Size()).Msg("wrote extracted document")
	return Output{Path: dst, Pages: append([]int(nil), set...), Bytes: st.Size()}, nil
}

func checkSet(set aggregate.MatchSet, total int) error {
	for i, p := range set {
		if p < 1 || p > total {
			return fmt.Errorf("page %d outside document of %d pages", p, total)
		}
		if i > 0 && p <= set[i-1] {
			return fmt.Errorf("page set not strictly ascending at %d", p)
		}
	}
	return nil
}

func selection(set aggregate.MatchSet) string {
	parts := make([]string, len(set))
	for i, p := range set {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
