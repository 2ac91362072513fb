// Package document opens a PDF and produces rendered pages on demand.
package document

import (
	"context"
	"fmt"
	"sync"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/filetype"
	"github.com/local/pagesift/internal/pages"
)

// ColorMode defines the color mode for rendering.
type ColorMode string

const (
	ColorRGB  ColorMode = "rgb"
	ColorGray ColorMode = "gray"
)

// Options control rasterisation.
type Options struct {
	DPI         int
	JPEGQuality int
	Color       ColorMode
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = 300
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 85
	}
	if o.Color == "" {
		o.Color = ColorRGB
	}
	return o
}

// Document is an open PDF. Rendering is serialised because MuPDF handles
// are not safe for concurrent use.
type Document struct {
	path  string
	opts  Options
	total int

	mu  sync.Mutex
	doc *fitz.Document
}

// Open validates path as a PDF and opens it. Unreadable or non-PDF input is a
// configuration error.
func Open(path string, opts Options) (*Document, error) {
	if err := filetype.RequirePDF(path); err != nil {
		return nil, err
	}
	doc, err := fitz.New(path)
	if err != nil {
		return nil, errs.Config("input", "cannot open %s: %v", path, err)
	}

	total, err := api.PageCountFile(path)
	if err != nil {
		// pdfcpu is stricter than MuPDF about damaged files.
		log.Warn().Err(err).Str("file", path).Msg("pdfcpu page count failed, using MuPDF count")
		total = doc.NumPage()
	}

	return &Document{path: path, opts: opts.withDefaults(), total: total, doc: doc}, nil
}

// Path is the local file backing the document.
func (d *Document) Path() string { return d.path }

// Total is the page count N.
func (d *Document) Total() int { return d.total }

// Render produces the pages of r with the requested content.
func (d *Document) Render(ctx context.Context, r pages.Range, need pages.Content) (pages.Batch, error) {
	if r.From < 1 || r.To > d.total || r.From > r.To {
		return pages.Batch{}, fmt.Errorf("range %s outside document of %d pages", r, d.total)
	}
	b := pages.Batch{Start: r.From, Pages: make([]pages.Page, 0, r.Len())}
	for n := r.From; n <= r.To; n++ {
		if err := ctx.Err(); err != nil {
			return pages.Batch{}, err
		}
		p, err := d.page(n, need)
		if err != nil {
			return pages.Batch{}, err
		}
		b.Pages = append(b.Pages, p)
	}
	return b, nil
}

// Pages renders the whole document.
func (d *Document) Pages(ctx context.Context, need pages.Content) ([]pages.Page, error) {
	if d.total == 0 {
		return nil, nil
	}
	b, err := d.Render(ctx, pages.Range{From: 1, To: d.total}, need)
	return b.Pages, err
}

func (d *Document) page(n int, need pages.Content) (pages.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := pages.Page{Number: n}
	if need.Has(pages.ContentImage) {
		img, err := d.doc.ImageDPI(n-1, float64(d.opts.DPI))
		if err != nil {
			return pages.Page{}, fmt.Errorf("failed to render page %d: %w", n, err)
		}
		jpg, err := encodeJPEG(img, d.opts.Color, d.opts.JPEGQuality)
		if err != nil {
			return pages.Page{}, fmt.Errorf("page %d: %w", n, err)
		}
		p.Image, p.ImageMIME = jpg, "image/jpeg"
		log.Debug().Int("page", n).Int("jpeg_size", len(jpg)).Int("dpi", d.opts.DPI).Msg("rendered page")
	}
	if need.Has(pages.ContentText) {
		text, err := d.doc.Text(n - 1)
		if err != nil {
			return pages.Page{}, fmt.Errorf("failed to extract text from page %d: %w", n, err)
		}
		p.Text = cleanText(text)
	}
	return p, nil
}

func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil
	}
	err := d.doc.Close()
	d.doc = nil
	return err
}
