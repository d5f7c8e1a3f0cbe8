package harness

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(file)
			require.NoError(t, err)
			assert.Equal(t, name, s.Name, "scenario name should match its file")

			result, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "expectations failed:\n%s", strings.Join(result.Errors, "\n"))

			AssertGolden(t, result)
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "pcrs-define.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	a, err := Snapshot(first)
	require.NoError(t, err)
	b, err := Snapshot(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, first.Report.Session, second.Report.Session)
}

const mismatchScenario = `
name: mismatch
elements:
  - {name: E1}
policies:
  - {name: P1, intent: tpm2/quote}
expected_values:
  - {element: E1, policy: P1, evs: {}}
measurements:
  E1: {quote: {magic: "00000000"}}
template: |
  attest: "E1/P1": {element: "E1", policy: "P1", rules: ["tpm2/quote/magic"]}
evaluation: |
  decision: "E1/P1"
expect:
  outcome: pass
  errors: [NO_BASELINE]
  verdicts:
    E1/P1: pass
    E9/P9: fail
`

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s, err := ParseScenario([]byte(mismatchScenario))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, result.Report)

	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"assertion failed: outcome: expected pass, got fail",
		"assertion failed: errors: expected [NO_BASELINE], got none",
		"assertion failed: verdict E1/P1: expected pass, got fail",
		"assertion failed: verdict E9/P9: expected fail, got no decision",
	}, result.Errors)
}

func TestRun_UnexpectedCampaignError(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: surprise
elements: [{name: E1}]
policies: [{name: P1, intent: tpm2/quote}]
template: |
  attest: "E1/P9": {element: "E1", policy: "P9", rules: ["null/pass"]}
evaluation: |
  decision: "E1/P9"
expect:
  outcome: pass
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.Nil(t, result.Report)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "failure: expected no campaign error")
	assert.Contains(t, result.Errors[0], "unresolved policy P9")
}

func TestRun_SetupError(t *testing.T) {
	s := &Scenario{
		Name:           "broken",
		ExpectedValues: []BaselineStep{{Element: "ghost", Policy: "ghost"}},
		Template:       `attest: "x": {element: "x", policy: "x", rules: ["null/pass"]}`,
		Evaluation:     `decision: "x"`,
		Expect:         Expectation{Outcome: "pass"},
	}

	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected value ghost/ghost")
}

func TestRun_WithLogger(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "and-pass-fail.yaml"))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	_, err = Run(context.Background(), s, WithLogger(logger))
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "campaign started")
	assert.Contains(t, buf.String(), "campaign finished")
}
