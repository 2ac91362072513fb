package verdict

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/pages"
)

// envelopeSchema accepts {"matches": [...]} or a bare array of entries.
// Entries themselves are checked one by one so a bad entry never sinks the batch.
const envelopeSchema = `{
  "oneOf": [
    {
      "type": "object",
      "required": ["matches"],
      "properties": {"matches": {"type": ["array", "null"]}}
    },
    {"type": "array"}
  ]
}`

var envelope = jsonschema.MustCompileString("envelope.json", envelopeSchema)

var (
	pageKeys       = []string{"page", "page_number", "page_num", "pageNumber"}
	labelKeys      = []string{"label", "category", "labels", "categories", "objects_detected", "doc_type", "section_detected", "country_detected"}
	evidenceKeys   = []string{"evidence", "description", "snippet_found", "snippet", "reason"}
	confidenceKeys = []string{"confidence", "score"}
	matchKeys      = []string{"match", "matched", "is_match"}
)

// Options tunes parsing for a target.
type Options struct {
	// DefaultLabel is used when an entry names no label.
	DefaultLabel string
	// Threshold drops entries whose numeric confidence is below it. Zero disables.
	Threshold float64
}

// Parse validates raw backend output for batch b and returns canonical verdicts.
// An error is returned only when the payload is not structured data at all;
// individual bad entries are reported in Result.Dropped.
func Parse(payload []byte, b pages.Batch, opts Options) (Result, error) {
	doc, err := decodeLenient(string(payload))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errs.ErrUnparseable, err)
	}
	if err := envelope.Validate(doc); err != nil {
		return Result{}, fmt.Errorf("%w: %v", errs.ErrUnparseable, err)
	}

	var entries []any
	switch t := doc.(type) {
	case []any:
		entries = t
	case map[string]any:
		entries, _ = t["matches"].([]any)
	}

	var res Result
	for i, raw := range entries {
		vs, skip, bad := parseEntry(i, raw, b, opts)
		switch {
		case bad != nil:
			res.Dropped = append(res.Dropped, bad)
		case skip:
			res.Skipped++
		default:
			res.Verdicts = append(res.Verdicts, vs...)
		}
	}
	return res, nil
}

func parseEntry(idx int, raw any, b pages.Batch, opts Options) ([]Verdict, bool, *errs.MalformedVerdict) {
	var entry map[string]any
	switch t := raw.(type) {
	case map[string]any:
		entry = t
	case json.Number, string:
		entry = map[string]any{"page": t}
	default:
		return nil, false, &errs.MalformedVerdict{Index: idx, Reason: fmt.Sprintf("entry is %T, not an object", raw)}
	}

	pageKey, pageVal := firstKey(entry, pageKeys)
	if pageKey == "" {
		return nil, false, &errs.MalformedVerdict{Index: idx, Reason: "missing page field"}
	}
	page, err := parsePage(pageVal)
	if err != nil {
		return nil, false, &errs.MalformedVerdict{Index: idx, Page: fmt.Sprint(pageVal), Reason: err.Error()}
	}
	if !b.Contains(page) {
		return nil, false, &errs.MalformedVerdict{
			Index:  idx,
			Page:   strconv.Itoa(page),
			Reason: fmt.Sprintf("outside batch range %d-%d", b.Start, b.End()),
		}
	}

	consumed := map[string]struct{}{pageKey: {}}

	if k, v := firstKey(entry, matchKeys); k != "" {
		consumed[k] = struct{}{}
		if m, ok := v.(bool); ok && !m {
			return nil, true, nil
		}
	}

	confidence := ""
	if k, v := firstKey(entry, confidenceKeys); k != "" {
		consumed[k] = struct{}{}
		confidence = stringify(v)
		if opts.Threshold > 0 {
			if score, ok := parseScore(v); ok && score < opts.Threshold {
				return nil, true, nil
			}
		}
	}

	evidence := ""
	if k, v := firstKey(entry, evidenceKeys); k != "" {
		consumed[k] = struct{}{}
		evidence = stringify(v)
	}

	var labels []string
	if k, v := firstKey(entry, labelKeys); k != "" {
		consumed[k] = struct{}{}
		labels = labelList(v)
	}
	if len(labels) == 0 {
		labels = []string{opts.DefaultLabel}
	}

	var extra map[string]any
	for k, v := range entry {
		if _, ok := consumed[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}

	out := make([]Verdict, 0, len(labels))
	for _, l := range labels {
		out = append(out, Verdict{
			Page:       page,
			Label:      l,
			Evidence:   evidence,
			Confidence: confidence,
			Extra:      maps.Clone(extra),
		})
	}
	return out, false, nil
}

func firstKey(m map[string]any, keys []string) (string, any) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return k, v
		}
	}
	return "", nil
}

func parsePage(v any) (int, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), nil
		}
		f, err := t.Float64()
		if err != nil || f != float64(int64(f)) {
			return 0, fmt.Errorf("page %q is not an integer", t.String())
		}
		return int(f), nil
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("page %v is not an integer", t)
		}
		return int(t), nil
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		s = strings.TrimPrefix(s, "page")
		s = strings.TrimPrefix(s, "p.")
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("page %q is not numeric", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("page has type %T", v)
	}
}

// parseScore reads a numeric confidence: 0.42, "0.42", "42%", 42.
func parseScore(v any) (float64, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0, false
	}
	pct := strings.HasSuffix(s, "%")
	f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
	if err != nil {
		return 0, false
	}
	if pct || f > 1 {
		f /= 100
	}
	return f, true
}

func labelList(v any) []string {
	var raw []any
	switch t := v.(type) {
	case []any:
		raw = t
	default:
		raw = []any{t}
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s := strings.TrimSpace(stringify(r))
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
