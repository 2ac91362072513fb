package pages

import (
	"testing"

	"github.com/local/pagesift/internal/errs"
)

func TestPlan_PartitionsRange(t *testing.T) {
	for total := 0; total <= 35; total++ {
		for size := 1; size <= 12; size++ {
			ranges, err := Plan(total, size)
			if err != nil {
				t.Fatalf("Plan(%d, %d): %v", total, size, err)
			}
			want := (total + size - 1) / size
			if len(ranges) != want {
				t.Fatalf("Plan(%d, %d): got %d ranges, want %d", total, size, len(ranges), want)
			}
			next := 1
			for i, r := range ranges {
				if r.From != next {
					t.Fatalf("Plan(%d, %d) range %d starts at %d, want %d", total, size, i, r.From, next)
				}
				if r.Len() < 1 || r.Len() > size {
					t.Fatalf("Plan(%d, %d) range %d has length %d", total, size, i, r.Len())
				}
				if i < len(ranges)-1 && r.Len() != size {
					t.Fatalf("Plan(%d, %d) non-final range %d is short: %d", total, size, i, r.Len())
				}
				next = r.To + 1
			}
			if next != total+1 {
				t.Fatalf("Plan(%d, %d) covers up to %d", total, size, next-1)
			}
		}
	}
}

func TestPlan_RejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1, -10} {
		if _, err := Plan(10, size); !errs.IsConfiguration(err) {
			t.Errorf("Plan(10, %d): expected configuration error, got %v", size, err)
		}
	}
}

func TestSplit(t *testing.T) {
	pages := make([]Page, 23)
	for i := range pages {
		pages[i] = Page{Number: i + 1, Text: "p"}
	}

	batches, err := Split(pages, 10)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}

	wantStarts := []int{1, 11, 21}
	wantLens := []int{10, 10, 3}
	for i, b := range batches {
		if b.Start != wantStarts[i] || b.Len() != wantLens[i] {
			t.Errorf("batch %d: start=%d len=%d, want start=%d len=%d", i, b.Start, b.Len(), wantStarts[i], wantLens[i])
		}
		for j, p := range b.Pages {
			if p.Number != b.Start+j {
				t.Errorf("batch %d page %d has number %d", i, j, p.Number)
			}
		}
	}
	if batches[2].End() != 23 {
		t.Errorf("last batch ends at %d, want 23", batches[2].End())
	}
}

func TestSplit_RejectsGaps(t *testing.T) {
	pages := []Page{{Number: 1}, {Number: 3}}
	if _, err := Split(pages, 5); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBatchContains(t *testing.T) {
	b := Batch{Start: 11, Pages: make([]Page, 5)}
	tests := []struct {
		page int
		want bool
	}{
		{10, false},
		{11, true},
		{15, true},
		{16, false},
	}
	for _, tt := range tests {
		if got := b.Contains(tt.page); got != tt.want {
			t.Errorf("Contains(%d) = %v, want %v", tt.page, got, tt.want)
		}
	}
}
