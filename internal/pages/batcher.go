package pages

import (
	"fmt"

	"github.com/local/pagesift/internal/errs"
)

// Range is an inclusive page interval [From, To].
type Range struct {
	From int
	To   int
}

func (r Range) Len() int { return r.To - r.From + 1 }

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.From, r.To) }

// Plan partitions pages 1..total into ceil(total/size) contiguous ranges.
func Plan(total, size int) ([]Range, error) {
	if size <= 0 {
		return nil, errs.Config("batch_size", "must be positive, got %d", size)
	}
	if total < 0 {
		return nil, errs.Config("total_pages", "must not be negative, got %d", total)
	}
	out := make([]Range, 0, (total+size-1)/size)
	for from := 1; from <= total; from += size {
		to := from + size - 1
		if to > total {
			to = total
		}
		out = append(out, Range{From: from, To: to})
	}
	return out, nil
}

// Split groups an ordered page sequence into batches of at most size pages.
// Page numbers are carried over unchanged; the sequence must be contiguous and start at 1.
func Split(pages []Page, size int) ([]Batch, error) {
	ranges, err := Plan(len(pages), size)
	if err != nil {
		return nil, err
	}
	for i, p := range pages {
		if p.Number != i+1 {
			return nil, errs.Config("pages", "page at position %d has number %d", i+1, p.Number)
		}
	}
	out := make([]Batch, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, Batch{Start: r.From, Pages: pages[r.From-1 : r.To]})
	}
	return out, nil
}
