package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/pages"
)

// KeywordBackend is a local classifier that matches target keywords against
// page text. It needs no network and is deterministic.
type KeywordBackend struct{}

func NewKeyword() *KeywordBackend { return &KeywordBackend{} }

func (*KeywordBackend) Name() string         { return "keyword" }
func (*KeywordBackend) Needs() pages.Content { return pages.ContentText }

// Supports rejects targets the keyword matcher cannot express.
func (*KeywordBackend) Supports(t TargetSpec) error {
	if t.Kind == KindCondition && len(t.Keywords) == 0 {
		return errs.Config("target.keywords", "keyword backend needs keywords for condition target %q", t.Name)
	}
	return nil
}

type keywordMatch struct {
	Page     int      `json:"page"`
	Labels   []string `json:"labels"`
	Evidence string   `json:"evidence,omitempty"`
	Score    string   `json:"score"`
}

func (k *KeywordBackend) Classify(ctx context.Context, b pages.Batch, t TargetSpec) (RawResult, error) {
	if err := k.Supports(t); err != nil {
		return RawResult{}, err
	}
	matches := []keywordMatch{}
	for _, p := range b.Pages {
		if err := ctx.Err(); err != nil {
			return RawResult{}, err
		}
		if m, ok := matchPage(p, t); ok {
			matches = append(matches, m)
		}
	}
	payload, err := json.Marshal(map[string]any{"matches": matches})
	if err != nil {
		return RawResult{}, fmt.Errorf("marshal keyword matches: %w", err)
	}
	return RawResult{Payload: payload, Backend: k.Name(), Model: "keyword"}, nil
}

func matchPage(p pages.Page, t TargetSpec) (keywordMatch, bool) {
	text := strings.ToLower(p.Text)
	if strings.TrimSpace(text) == "" {
		return keywordMatch{}, false
	}

	switch t.Kind {
	case KindSectionHeader:
		header := strings.ToLower(strings.TrimRight(strings.TrimSpace(t.SectionHeader), "!.:?"))
		idx := strings.Index(text, header)
		if header == "" || idx < 0 {
			return keywordMatch{}, false
		}
		return keywordMatch{
			Page:     p.Number,
			Labels:   []string{t.SectionHeader},
			Evidence: snippet(p.Text, idx, 120),
			Score:    "1",
		}, true

	case KindCondition:
		var hits []string
		for _, kws := range t.Keywords {
			for _, kw := range kws {
				if strings.Contains(text, strings.ToLower(kw)) {
					hits = append(hits, kw)
				}
			}
		}
		if len(hits) == 0 {
			return keywordMatch{}, false
		}
		return keywordMatch{
			Page:     p.Number,
			Labels:   []string{t.DefaultLabel()},
			Evidence: "matched: " + strings.Join(hits, ", "),
			Score:    "1",
		}, true

	default:
		var labels, hits []string
		for _, l := range t.Labels {
			for _, kw := range t.KeywordsFor(l) {
				if containsWord(text, kw) {
					labels = append(labels, l)
					hits = append(hits, kw)
					break
				}
			}
		}
		if len(labels) == 0 {
			return keywordMatch{}, false
		}
		// A keyword hit is certain for every label it names.
		return keywordMatch{
			Page:     p.Number,
			Labels:   labels,
			Evidence: "matched: " + strings.Join(hits, ", "),
			Score:    "1",
		}, true
	}
}

// containsWord reports whether kw occurs in text at the start of a word,
// so "trees" matches "tree" but "street" does not.
func containsWord(text, kw string) bool {
	for off := 0; ; {
		i := strings.Index(text[off:], kw)
		if i < 0 {
			return false
		}
		start := off + i
		if start == 0 || !isWordByte(text[start-1]) {
			return true
		}
		off = start + 1
	}
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func snippet(text string, byteIdx, max int) string {
	lower := strings.ToLower(text)
	if len(lower) != len(text) {
		// Lowercasing changed byte offsets; fall back to the head of the page.
		byteIdx = 0
	}
	s := text[byteIdx:]
	return strings.Join(strings.Fields(truncateRunes(s, max)), " ")
}
