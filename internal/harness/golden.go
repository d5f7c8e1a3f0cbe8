package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/vouch/internal/dsl"
	"github.com/roach88/vouch/internal/model"
)

// Snapshot renders the run as canonical JSON with a trailing newline.
// Times, claim IDs and result IDs are left out and elements appear by
// scenario name, so the snapshot is stable across runs and concurrency.
func Snapshot(r *Result) ([]byte, error) {
	snap := map[string]any{"scenario": r.Scenario}
	if r.Err != nil {
		snap["failure"] = string(model.KindOf(r.Err))
	}

	if r.Report != nil {
		decisions := make([]any, len(r.Report.Decisions))
		for i, d := range r.Report.Decisions {
			eid := d.ID
			if d.Logic == dsl.LogicLeaf {
				eid = r.elementName(d.ID)
			}
			decisions[i] = map[string]any{
				"eid":      eid,
				"result":   string(d.Outcome),
				"template": d.Template,
				"logic":    string(d.Logic),
			}
		}

		ecrv := make([]any, len(r.Report.ECRV))
		for i, e := range r.Report.ECRV {
			ecrv[i] = map[string]any{
				"template": e.Template,
				"e":        r.elementName(e.Element),
				"rule":     e.Rule,
				"v":        string(e.Verdict),
			}
		}

		errs := make([]any, len(r.Report.Errors))
		for i, e := range r.Report.Errors {
			entry := map[string]any{
				"kind":     string(e.Kind),
				"template": e.Template,
			}
			if e.Rule != "" {
				entry["rule"] = e.Rule
			}
			errs[i] = entry
		}

		snap["outcome"] = string(r.Report.Outcome)
		snap["decisions"] = decisions
		snap["ecrv"] = ecrv
		snap["errors"] = errs
	}

	data, err := model.MarshalCanonical(snap)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (r *Result) elementName(id string) string {
	if name, ok := r.names[id]; ok {
		return name
	}
	return id
}

// AssertGolden compares the run's snapshot with
// testdata/golden/<scenario>.golden.
func AssertGolden(t *testing.T, r *Result) {
	t.Helper()

	data, err := Snapshot(r)
	if err != nil {
		t.Fatalf("snapshot %s: %v", r.Scenario, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, r.Scenario, data)
}
