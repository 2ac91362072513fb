package classifier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/local/pagesift/internal/pages"
)

const systemPrompt = "You are a document analyst. You inspect pages of a PDF and report, " +
	"with high precision, which pages satisfy the user's target. You answer with JSON only."

// SystemPrompt returns the system message for target t.
func SystemPrompt(t TargetSpec) string {
	if t.Description != "" {
		return systemPrompt + " Context: " + t.Description + "."
	}
	return systemPrompt
}

// Instructions builds the user instruction block for target t over batch b.
func Instructions(t TargetSpec, b pages.Batch) string {
	var sb strings.Builder
	sb.WriteString("Analyze the provided pages.\n")
	switch t.Kind {
	case KindLabels:
		fmt.Fprintf(&sb, "Your goal: return the page numbers that contain any of: %s.\n", strings.Join(t.Labels, ", "))
	case KindSectionHeader:
		fmt.Fprintf(&sb, "Your goal: return the page numbers that contain the section header '%s'.\n", t.SectionHeader)
	case KindCondition:
		fmt.Fprintf(&sb, "Your goal: return the page numbers where this holds: %s\n", t.Condition)
	}

	sb.WriteString("RULES:\n")
	n := 1
	for _, r := range t.Rules {
		fmt.Fprintf(&sb, "%d. %s\n", n, r)
		n++
	}
	fmt.Fprintf(&sb, "%d. Each page is preceded by a '--- PAGE n ---' marker. Use that number exactly. "+
		"This batch covers pages %d to %d only.\n", n, b.Start, b.End())
	n++
	fmt.Fprintf(&sb, "%d. Omit pages that do not match.\n", n)

	sb.WriteString("Return a JSON object with a 'matches' list. Each match must look like this:\n")
	sb.WriteString(matchShape(t))
	sb.WriteString("\nIf nothing matches, return {\"matches\": []}.")
	return sb.String()
}

func matchShape(t TargetSpec) string {
	keys := make([]string, 0, len(t.Fields))
	for k := range t.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{`"page": <int>`}
	if len(keys) == 0 {
		parts = append(parts, `"label": <string>`, `"evidence": <short reason>`)
	}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%q: <%s>", k, t.Fields[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// PageMarker labels a page inside a multi-page request.
func PageMarker(n int) string { return fmt.Sprintf("--- PAGE %d ---", n) }
