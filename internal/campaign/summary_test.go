package campaign

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vouch/internal/dsl"
	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/testutil"
)

func summaryReport() *Report {
	at := func(s int) *time.Time {
		t := testutil.Epoch.Add(time.Duration(s) * time.Second)
		return &t
	}
	return &Report{
		ReportID: "report-1",
		Created:  testutil.Epoch,
		Opened:   at(1),
		Closed:   at(5),
		Session:  "session-1",
		Outcome:  model.Indeterminate,
		Errors: []ErrorEntry{{
			Time:     *at(2),
			Kind:     model.KindEndpointUnreachable,
			Template: "E2/P2",
			Element:  "elem-2",
			Policy:   "pol-2",
			Message:  "ENDPOINT_UNREACHABLE: http://e2/tpm2/quote returned 503 Service Unavailable",
		}},
		ECRV: []ECRV{{
			Template: "E1/P1", Element: "elem-1", Claim: "claim-1", Result: "result-1",
			Rule: "tpm2/quote/magic", Verdict: model.Pass,
		}},
		Decisions: []dsl.Decision{
			{ID: "elem-1", Outcome: model.Pass, Template: "E1/P1", Logic: dsl.LogicLeaf},
			{ID: "elem-2", Outcome: model.Indeterminate, Template: "E2/P2", Logic: dsl.LogicLeaf},
			{ID: "decision", Outcome: model.Indeterminate, Template: "decision", Logic: dsl.LogicAnd},
		},
	}
}

func TestWriteSummary_Golden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, summaryReport(), SummaryOptions{Errors: true}))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "summary", buf.Bytes())
}

func TestWriteSummary_WithoutErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, summaryReport(), SummaryOptions{}))

	out := buf.String()
	assert.NotContains(t, out, "**** Errors *****")
	assert.Contains(t, out, "1 items, 1 errors, 3 decisions, outcome indeterminate")
}

func TestWriteSummary_Color(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, summaryReport(), SummaryOptions{Color: true}))

	out := buf.String()
	assert.Contains(t, out, "\x1b[")
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "elem-1") {
			assert.Contains(t, line, "pass")
			assert.Contains(t, line, "leaf")
		}
	}
}

func TestWriteSummary_MissingTimes(t *testing.T) {
	r := &Report{Session: "", Outcome: model.Indeterminate}
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, r, SummaryOptions{}))
	assert.Contains(t, buf.String(), "Timing: - -> - -> -")
}
