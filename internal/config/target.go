package config

import (
	"fmt"
	"os"

	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/errs"
)

// DefaultPreset is used when no target is configured at all.
const DefaultPreset = "objects"

// ResolveTarget builds the TargetSpec for the run. Precedence: TARGET_FILE,
// then inline labels, section header or condition, then TARGET_PRESET.
// Generation settings from the backend config are applied on top.
func (c Config) ResolveTarget() (classifier.TargetSpec, error) {
	t, err := c.baseTarget()
	if err != nil {
		return classifier.TargetSpec{}, err
	}
	return c.ApplyTuning(t)
}

// ApplyTuning overlays MATCH_THRESHOLD and IMAGE_DETAIL on t and fills
// MaxTokens and Temperature from the backend config where t leaves them unset.
func (c Config) ApplyTuning(t classifier.TargetSpec) (classifier.TargetSpec, error) {
	if c.Target.Threshold >= 0 {
		t.Threshold = c.Target.Threshold
	}
	if c.Target.Detail != "" {
		t.Detail = c.Target.Detail
	}
	if t.MaxTokens == 0 {
		t.MaxTokens = c.Backend.MaxTokens
	}
	if t.Temperature == 0 {
		t.Temperature = c.Backend.Temperature
	}
	if err := t.Validate(); err != nil {
		return classifier.TargetSpec{}, err
	}
	return t, nil
}

func (c Config) baseTarget() (classifier.TargetSpec, error) {
	tc := c.Target
	switch {
	case tc.File != "":
		data, err := os.ReadFile(tc.File)
		if err != nil {
			return classifier.TargetSpec{}, errs.Config("TARGET_FILE", "%v", err)
		}
		targets, err := classifier.ParseTargets(data)
		if err != nil {
			if errs.IsConfiguration(err) {
				return classifier.TargetSpec{}, err
			}
			return classifier.TargetSpec{}, errs.Config("TARGET_FILE", "%v", err)
		}
		if tc.Preset == "" {
			return targets[0], nil
		}
		for _, t := range targets {
			if t.Name == tc.Preset {
				return t, nil
			}
		}
		return classifier.TargetSpec{}, errs.Config("TARGET_PRESET", "target %q not found in %s", tc.Preset, tc.File)

	case len(tc.Labels) > 0:
		return classifier.TargetSpec{Name: "labels", Kind: classifier.KindLabels, Labels: tc.Labels}, nil
	case tc.SectionHeader != "":
		return classifier.TargetSpec{Name: "section", Kind: classifier.KindSectionHeader, SectionHeader: tc.SectionHeader}, nil
	case tc.Condition != "":
		return classifier.TargetSpec{Name: "condition", Kind: classifier.KindCondition, Condition: tc.Condition}, nil
	}

	name := tc.Preset
	if name == "" {
		name = DefaultPreset
	}
	t, ok := classifier.Preset(name)
	if !ok {
		return classifier.TargetSpec{}, errs.Config("TARGET_PRESET", "unknown preset %q (have %v)", name, classifier.PresetNames())
	}
	return t, nil
}

// Describe is a one-line summary for logs.
func Describe(t classifier.TargetSpec) string {
	switch t.Kind {
	case classifier.KindLabels:
		return fmt.Sprintf("%s: labels %v", t.Name, t.Labels)
	case classifier.KindSectionHeader:
		return fmt.Sprintf("%s: section %q", t.Name, t.SectionHeader)
	default:
		return fmt.Sprintf("%s: %s", t.Name, t.Condition)
	}
}
