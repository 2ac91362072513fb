package classifier

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/local/pagesift/internal/errs"
)

// Kind describes how a target is expressed.
type Kind string

const (
	KindLabels        Kind = "labels"
	KindSectionHeader Kind = "section_header"
	KindCondition     Kind = "condition"
)

// TargetSpec is what the run is looking for.
type TargetSpec struct {
	Name          string              `yaml:"name"`
	Kind          Kind                `yaml:"kind"`
	Description   string              `yaml:"description,omitempty"`
	Labels        []string            `yaml:"labels,omitempty"`
	Keywords      map[string][]string `yaml:"keywords,omitempty"`
	SectionHeader string              `yaml:"section_header,omitempty"`
	Condition     string              `yaml:"condition,omitempty"`
	Rules         []string            `yaml:"rules,omitempty"`
	// Fields names the per-match fields the model is asked to return besides page.
	Fields    map[string]string `yaml:"fields,omitempty"`
	Threshold float64           `yaml:"threshold,omitempty"`

	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	// Detail is the vision detail hint ("high", "low", "auto").
	Detail string `yaml:"detail,omitempty"`
}

// DefaultLabel is the label assigned to matches that carry none.
func (t TargetSpec) DefaultLabel() string {
	switch t.Kind {
	case KindSectionHeader:
		return t.SectionHeader
	case KindLabels:
		if len(t.Labels) == 1 {
			return t.Labels[0]
		}
	}
	if t.Name != "" {
		return t.Name
	}
	return "match"
}

// WithBudget returns a copy of t with a different output token budget.
func (t TargetSpec) WithBudget(maxTokens int) TargetSpec {
	t.MaxTokens = maxTokens
	return t
}

// KeywordsFor returns the keywords that indicate label l. A label is always its own keyword.
func (t TargetSpec) KeywordsFor(l string) []string {
	out := []string{strings.ToLower(l)}
	for _, k := range t.Keywords[l] {
		out = append(out, strings.ToLower(k))
	}
	return out
}

// Validate checks the target is usable.
func (t TargetSpec) Validate() error {
	switch t.Kind {
	case KindLabels:
		if len(t.Labels) == 0 {
			return errs.Config("target.labels", "target %q of kind labels has no labels", t.Name)
		}
	case KindSectionHeader:
		if strings.TrimSpace(t.SectionHeader) == "" {
			return errs.Config("target.section_header", "target %q has an empty section header", t.Name)
		}
	case KindCondition:
		if strings.TrimSpace(t.Condition) == "" {
			return errs.Config("target.condition", "target %q has an empty condition", t.Name)
		}
	default:
		return errs.Config("target.kind", "unknown target kind %q", t.Kind)
	}
	if t.Threshold < 0 || t.Threshold > 1 {
		return errs.Config("target.threshold", "threshold %v outside [0,1]", t.Threshold)
	}
	if t.MaxTokens < 0 {
		return errs.Config("target.max_tokens", "must not be negative")
	}
	return nil
}

var presets = map[string]TargetSpec{
	"objects": {
		Name:        "objects",
		Kind:        KindLabels,
		Description: "Textbook illustrations showing hills, trees or houses",
		Labels:      []string{"hill", "tree", "house"},
		Keywords: map[string][]string{
			"hill":  {"mountain", "slope"},
			"tree":  {"forest", "oak"},
			"house": {"building", "home", "cottage"},
		},
		Rules: []string{
			"Only count objects that are drawn or photographed, not mentioned in text.",
		},
		Fields: map[string]string{
			"objects_detected": "list of detected objects from the target labels",
			"description":      "short description of where the object appears on the page",
		},
		Threshold: 0.20,
		Detail:    "high",
	},
	"more-to-do": {
		Name:          "more-to-do",
		Kind:          KindSectionHeader,
		SectionHeader: "More to do!",
		Rules: []string{
			"Look for the text 'More to do' or 'More to do!'. It usually appears in a distinct bubble, box, or sidebar.",
			"Distinguish carefully from similar phrases in running text.",
		},
		Fields: map[string]string{
			"section_detected": "the header text as printed",
			"snippet_found":    "a short snippet of the text under the header",
			"confidence":       "high, medium or low",
		},
		Detail: "high",
	},
	"na-ids": {
		Name:      "na-ids",
		Kind:      KindCondition,
		Condition: "The page shows a North American government ID (USA, Canada, Mexico).",
		Rules: []string{
			"Read the country or state name on the card first.",
			"Exclude IDs from countries on other continents.",
			"IDs include passports, driving licenses, visas, green cards and other government IDs.",
			"Exclude everything other than IDs.",
		},
		Keywords: map[string][]string{
			"na-ids": {"passport", "driver license", "driver's license", "permanent resident", "united states of america", "canada", "mexico"},
		},
		Fields: map[string]string{
			"country_detected": "country or state printed on the document",
			"doc_type":         "passport, driving license, visa, green card, or other",
		},
		Detail: "high",
	},
}

// Preset returns a built-in target by name.
func Preset(name string) (TargetSpec, bool) {
	t, ok := presets[name]
	return t, ok
}

// PresetNames lists built-in targets, sorted.
func PresetNames() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type targetFile struct {
	Targets []TargetSpec `yaml:"targets"`
}

// ParseTargets reads target definitions from YAML. Both a single target
// document and a {targets: [...]} list are accepted.
func ParseTargets(data []byte) ([]TargetSpec, error) {
	var tf targetFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	if len(tf.Targets) == 0 {
		var single TargetSpec
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse target: %w", err)
		}
		if single.Kind == "" && single.Name == "" {
			return nil, errs.Config("target_file", "no targets defined")
		}
		tf.Targets = []TargetSpec{single}
	}
	for i := range tf.Targets {
		if tf.Targets[i].Kind == "" {
			tf.Targets[i].Kind = KindLabels
		}
		if err := tf.Targets[i].Validate(); err != nil {
			return nil, err
		}
	}
	return tf.Targets, nil
}
