package verdict

import (
	"errors"
	"reflect"
	"testing"

	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/pages"
)

func batch(start, n int) pages.Batch {
	b := pages.Batch{Start: start}
	for i := 0; i < n; i++ {
		b.Pages = append(b.Pages, pages.Page{Number: start + i})
	}
	return b
}

func TestParse_Envelopes(t *testing.T) {
	b := batch(1, 10)
	cases := []struct {
		name    string
		payload string
		want    []int
	}{
		{"object", `{"matches":[{"page":3},{"page":7}]}`, []int{3, 7}},
		{"bare array", `[{"page":9}]`, []int{9}},
		{"bare numbers", `[2, "4"]`, []int{2, 4}},
		{"null matches", `{"matches":null}`, []int{}},
		{"empty", `{"matches":[]}`, []int{}},
		{"fenced", "```json\n{\"matches\":[{\"page\":5}]}\n```", []int{5}},
		{"prose", "Here you go:\n{\"matches\":[{\"page\":6}]}\nHope that helps.", []int{6}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Parse([]byte(tc.payload), b, Options{DefaultLabel: "match"})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := res.Pages(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("pages = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParse_Unparseable(t *testing.T) {
	for _, payload := range []string{"", "no json here", `{"pages":[1,2]}`, `"just a string"`} {
		_, err := Parse([]byte(payload), batch(1, 5), Options{})
		if !errors.Is(err, errs.ErrUnparseable) {
			t.Fatalf("Parse(%q) err = %v, want ErrUnparseable", payload, err)
		}
	}
}

func TestParse_PageForms(t *testing.T) {
	b := batch(11, 10)
	payload := `{"matches":[
		{"page": 12},
		{"page_number": 13.0},
		{"page_num": "14"},
		{"pageNumber": "Page 15"},
		{"page": 16.5},
		{"page": "sixteen"},
		{"page": 21},
		{"page": 10},
		{"label": "tree"},
		"garbage",
		true
	]}`
	res, err := Parse([]byte(payload), b, Options{DefaultLabel: "match"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := res.Pages(), []int{12, 13, 14, 15}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pages = %v, want %v", got, want)
	}
	if len(res.Dropped) != 7 {
		t.Fatalf("dropped = %d, want 7: %v", len(res.Dropped), res.Dropped)
	}
	for _, d := range res.Dropped {
		if d.Error() == "" {
			t.Fatal("empty drop reason")
		}
	}
}

func TestParse_OutOfRangeDropped(t *testing.T) {
	// Model hallucinates page 15 in a 10-page batch.
	res, err := Parse([]byte(`{"matches":[{"page":15},{"page":4}]}`), batch(1, 10), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Pages(); !reflect.DeepEqual(got, []int{4}) {
		t.Fatalf("pages = %v, want [4]", got)
	}
	if len(res.Dropped) != 1 || res.Dropped[0].Page != "15" {
		t.Fatalf("dropped = %+v", res.Dropped)
	}
}

func TestParse_LabelsAndFields(t *testing.T) {
	payload := `{"matches":[
		{"page":1,"objects_detected":["tree","house","Tree"],"description":"a cottage under an oak"},
		{"page":2,"country_detected":"Canada","doc_type":"passport","confidence":"high"},
		{"page":3,"section_detected":"More to do","snippet_found":"More to do: call Bob","confidence":0.9},
		{"page":4}
	]}`
	res, err := Parse([]byte(payload), batch(1, 4), Options{DefaultLabel: "match"})
	if err != nil {
		t.Fatal(err)
	}
	want := []Verdict{
		{Page: 1, Label: "tree", Evidence: "a cottage under an oak"},
		{Page: 1, Label: "house", Evidence: "a cottage under an oak"},
		{Page: 2, Label: "passport", Confidence: "high", Extra: map[string]any{"country_detected": "Canada"}},
		{Page: 3, Label: "More to do", Evidence: "More to do: call Bob", Confidence: "0.9"},
		{Page: 4, Label: "match"},
	}
	if !reflect.DeepEqual(res.Verdicts, want) {
		t.Fatalf("verdicts =\n%+v\nwant\n%+v", res.Verdicts, want)
	}
}

func TestParse_SkipsNonMatchesAndLowConfidence(t *testing.T) {
	payload := `[
		{"page":1,"match":false},
		{"page":2,"match":true},
		{"page":3,"confidence":0.1},
		{"page":4,"confidence":"15%"},
		{"page":5,"score":80},
		{"page":6,"confidence":"medium"}
	]`
	res, err := Parse([]byte(payload), batch(1, 6), Options{Threshold: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Pages(); !reflect.DeepEqual(got, []int{2, 5, 6}) {
		t.Fatalf("pages = %v, want [2 5 6]", got)
	}
	if res.Skipped != 3 {
		t.Fatalf("skipped = %d, want 3", res.Skipped)
	}
	if len(res.Dropped) != 0 {
		t.Fatalf("dropped = %v", res.Dropped)
	}
}

func TestParse_ThresholdDisabled(t *testing.T) {
	res, err := Parse([]byte(`[{"page":1,"confidence":0.01}]`), batch(1, 1), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Verdicts) != 1 {
		t.Fatalf("verdicts = %v", res.Verdicts)
	}
}
