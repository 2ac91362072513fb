// Package verdict turns loosely structured classifier output into validated per-page verdicts.
package verdict

import (
	"sort"

	"github.com/local/pagesift/internal/errs"
)

// Verdict is one claim that a page matches the target. A page may carry several.
type Verdict struct {
	Page       int            `json:"page"`
	Label      string         `json:"label"`
	Evidence   string         `json:"evidence,omitempty"`
	Confidence string         `json:"confidence,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Result is the outcome of parsing one batch.
type Result struct {
	Verdicts []Verdict
	// Dropped lists entries rejected as malformed or out of range.
	Dropped []*errs.MalformedVerdict
	// Skipped counts well-formed entries that were explicit non-matches or under threshold.
	Skipped int
}

// Pages returns the distinct page numbers named by the verdicts, ascending.
func (r Result) Pages() []int {
	seen := make(map[int]struct{}, len(r.Verdicts))
	out := make([]int, 0, len(r.Verdicts))
	for _, v := range r.Verdicts {
		if _, ok := seen[v.Page]; ok {
			continue
		}
		seen[v.Page] = struct{}{}
		out = append(out, v.Page)
	}
	sort.Ints(out)
	return out
}
