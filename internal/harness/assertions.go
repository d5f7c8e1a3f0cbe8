package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/vouch/internal/dsl"
	"github.com/roach88/vouch/internal/model"
)

// AssertionError is one expectation that did not hold.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// check returns every expectation the result violates.
func check(exp Expectation, r *Result) []error {
	var failures []error
	if err := assertFailure(exp, r); err != nil {
		failures = append(failures, err)
	}
	if r.Report == nil {
		return failures
	}
	if err := assertOutcome(exp, r); err != nil {
		failures = append(failures, err)
	}
	if err := assertErrors(exp, r); err != nil {
		failures = append(failures, err)
	}
	return append(failures, assertVerdicts(exp, r)...)
}

func assertFailure(exp Expectation, r *Result) error {
	got := model.KindOf(r.Err)
	switch {
	case exp.Failure == "" && r.Err != nil:
		return &AssertionError{Type: "failure", Expected: "no campaign error", Actual: r.Err.Error()}
	case exp.Failure != "" && r.Err == nil:
		return &AssertionError{Type: "failure", Expected: string(exp.Failure), Actual: "no campaign error"}
	case exp.Failure != "" && got != exp.Failure:
		return &AssertionError{Type: "failure", Expected: string(exp.Failure), Actual: r.Err.Error()}
	}
	return nil
}

func assertOutcome(exp Expectation, r *Result) error {
	if exp.Outcome == "" || r.Report.Outcome == exp.Outcome {
		return nil
	}
	return &AssertionError{Type: "outcome", Expected: string(exp.Outcome), Actual: string(r.Report.Outcome)}
}

// assertErrors compares error kinds as a multiset. No expected errors
// means the report must have none.
func assertErrors(exp Expectation, r *Result) error {
	want := make([]string, len(exp.Errors))
	for i, k := range exp.Errors {
		want[i] = string(k)
	}
	got := make([]string, len(r.Report.Errors))
	for i, e := range r.Report.Errors {
		got[i] = string(e.Kind)
	}
	sort.Strings(want)
	sort.Strings(got)
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{Type: "errors", Expected: listOrNone(want), Actual: listOrNone(got)}
}

// assertVerdicts checks the leaf decision recorded for each template
// entry.
func assertVerdicts(exp Expectation, r *Result) []error {
	templates := make([]string, 0, len(exp.Verdicts))
	for t := range exp.Verdicts {
		templates = append(templates, t)
	}
	sort.Strings(templates)

	var failures []error
	for _, t := range templates {
		want := exp.Verdicts[t]
		i := slices.IndexFunc(r.Report.Decisions, func(d dsl.Decision) bool {
			return d.Logic == dsl.LogicLeaf && d.Template == t
		})
		if i < 0 {
			failures = append(failures, &AssertionError{Type: "verdict " + t, Expected: string(want), Actual: "no decision"})
			continue
		}
		if got := r.Report.Decisions[i].Outcome; got != want {
			failures = append(failures, &AssertionError{Type: "verdict " + t, Expected: string(want), Actual: string(got)})
		}
	}
	return failures
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return "[" + strings.Join(items, " ") + "]"
}
