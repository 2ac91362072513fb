package document

import (
	"math/rand"
	"regexp"
	"sort"
	"time"
)

// DefaultProbeThreshold is the number of visible characters across the
// sampled pages above which a document counts as having a text layer.
const DefaultProbeThreshold = 300

// Probe records a text-layer check.
type Probe struct {
	TotalPages   int           `json:"total_pages"`
	SampledPages []int         `json:"sampled_pages"`
	Chars        int           `json:"chars"`
	Threshold    int           `json:"threshold"`
	HasText      bool          `json:"has_text"`
	Duration     time.Duration `json:"duration"`
}

var whitespace = regexp.MustCompile(`\s+`)

// HasTextLayer samples up to five pages and counts non-whitespace runes.
// A threshold <= 0 selects DefaultProbeThreshold.
func (d *Document) HasTextLayer(threshold int) Probe {
	if threshold <= 0 {
		threshold = DefaultProbeThreshold
	}
	start := time.Now()
	pr := Probe{TotalPages: d.total, Threshold: threshold}
	pr.SampledPages = sampleIndices(d.total, rand.New(rand.NewSource(time.Now().UnixNano())))

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, idx := range pr.SampledPages {
		text, err := d.doc.Text(idx)
		if err != nil {
			continue
		}
		pr.Chars += len([]rune(whitespace.ReplaceAllString(text, "")))
		if pr.Chars >= threshold {
			break
		}
	}
	pr.HasText = pr.Chars >= threshold
	pr.Duration = time.Since(start)
	return pr
}

// sampleIndices returns 0-based page indices: all pages when there are at
// most five, otherwise first, middle, last and two random others.
func sampleIndices(total int, rnd *rand.Rand) []int {
	if total <= 0 {
		return []int{}
	}
	if total <= 5 {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	set := map[int]struct{}{0: {}, total / 2: {}, total - 1: {}}
	for len(set) < 5 {
		set[rnd.Intn(total)] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
