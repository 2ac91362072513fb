// Package aggregate merges per-batch verdicts into the final set of matching pages.
package aggregate

import (
	"sort"
	"sync"

	"github.com/local/pagesift/internal/verdict"
)

// MatchSet is the deduplicated, ascending list of matching page numbers.
type MatchSet []int

func (m MatchSet) Empty() bool { return len(m) == 0 }

// Contains reports whether page n is in the set.
func (m MatchSet) Contains(n int) bool {
	i := sort.SearchInts(m, n)
	return i < len(m) && m[i] == n
}

// Aggregator collects verdicts from any number of batches. It is safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	total  int
	labels map[int]map[string]struct{}
	// evidence keeps the lexically smallest evidence per page for reporting.
	evidence map[int]string
	ignored  int
}

func New(total int) *Aggregator {
	return &Aggregator{
		total:    total,
		labels:   make(map[int]map[string]struct{}),
		evidence: make(map[int]string),
	}
}

// Add records verdicts. Pages outside 1..total are ignored.
func (a *Aggregator) Add(vs []verdict.Verdict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range vs {
		if v.Page < 1 || v.Page > a.total {
			a.ignored++
			continue
		}
		set, ok := a.labels[v.Page]
		if !ok {
			set = make(map[string]struct{})
			a.labels[v.Page] = set
		}
		if v.Label != "" {
			set[v.Label] = struct{}{}
		}
		if v.Evidence != "" {
			if cur, seen := a.evidence[v.Page]; !seen || v.Evidence < cur {
				a.evidence[v.Page] = v.Evidence
			}
		}
	}
}

// Finalize returns the ascending match set. It may be called more than once.
func (a *Aggregator) Finalize() MatchSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(MatchSet, 0, len(a.labels))
	for p := range a.labels {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Labels returns the sorted labels recorded for page n.
func (a *Aggregator) Labels(n int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.labels[n]
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// PageReport is the per-page summary of a finished run.
type PageReport struct {
	Page     int      `json:"page"`
	Labels   []string `json:"labels"`
	Evidence string   `json:"evidence,omitempty"`
}

// Report lists every matching page with its labels, ascending.
func (a *Aggregator) Report() []PageReport {
	set := a.Finalize()
	out := make([]PageReport, 0, len(set))
	for _, p := range set {
		a.mu.Lock()
		ev := a.evidence[p]
		a.mu.Unlock()
		out = append(out, PageReport{Page: p, Labels: a.Labels(p), Evidence: ev})
	}
	return out
}

// Ignored counts verdicts rejected for falling outside the document.
func (a *Aggregator) Ignored() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ignored
}
