package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vouch/internal/model"
)

const minimalScenario = `
name: minimal
elements: [{name: E1}]
policies:
  - {name: P1, intent: tpm2/pcrs, parameters: {pcrs: [0, 7]}}
expected_values:
  - {element: E1, policy: P1, evs: {firmwareVersion: 538513443}}
measurements:
  E1: {quote: {firmwareVersion: 538513443}}
template: |
  attest: "E1/P1": {element: "E1", policy: "P1", rules: ["null/pass"]}
evaluation: |
  decision: "E1/P1"
expect:
  outcome: pass
`

func TestParseScenario_NormalisesNumbers(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, []any{json.Number("0"), json.Number("7")}, s.Policies[0].Parameters["pcrs"])
	assert.Equal(t, json.Number("538513443"), s.ExpectedValues[0].Baseline["firmwareVersion"])
	quote := s.Measurements["E1"]["quote"].(map[string]any)
	assert.Equal(t, json.Number("538513443"), quote["firmwareVersion"])
	assert.Equal(t, model.Pass, s.Expect.Outcome)
}

func TestParseScenario_UnknownKey(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "flow_token: abc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow_token")
}

func TestScenario_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Scenario)
		want   string
	}{
		{"missing name", func(s *Scenario) { s.Name = "" }, "name is required"},
		{"missing template", func(s *Scenario) { s.Template = "" }, "template is required"},
		{"missing evaluation", func(s *Scenario) { s.Evaluation = "" }, "evaluation is required"},
		{"unnamed element", func(s *Scenario) { s.Elements = append(s.Elements, ElementStep{}) }, "elements[1]: name is required"},
		{"duplicate element", func(s *Scenario) { s.Elements = append(s.Elements, ElementStep{Name: "E1"}) }, `elements[1]: duplicate name "E1"`},
		{"duplicate policy", func(s *Scenario) { s.Policies = append(s.Policies, PolicyStep{Name: "P1"}) }, `policies[1]: duplicate name "P1"`},
		{"baseline element", func(s *Scenario) { s.ExpectedValues[0].Element = "E9" }, `expected_values[0]: unknown element "E9"`},
		{"baseline policy", func(s *Scenario) { s.ExpectedValues[0].Policy = "P9" }, `expected_values[0]: unknown policy "P9"`},
		{"measurement element", func(s *Scenario) { s.Measurements["E9"] = map[string]any{} }, `measurements: unknown element "E9"`},
		{"unreachable element", func(s *Scenario) { s.Unreachable = []string{"E9"} }, `unreachable: unknown element "E9"`},
		{"garbled element", func(s *Scenario) { s.Garbled = []string{"E9"} }, `garbled: unknown element "E9"`},
		{"negative concurrency", func(s *Scenario) { s.Settings.Concurrency = -1 }, "settings.concurrency must not be negative"},
		{"leaf verdict", func(s *Scenario) { s.Settings.LeafErrorVerdict = model.Pass }, "settings.leaf_error_verdict must be fail or indeterminate"},
		{"no expectation", func(s *Scenario) { s.Expect = Expectation{} }, "expect: outcome or failure is required"},
		{"bad outcome", func(s *Scenario) { s.Expect.Outcome = "maybe" }, `expect.outcome: invalid outcome "maybe"`},
		{"bad verdict", func(s *Scenario) { s.Expect.Verdicts = map[string]model.Outcome{"E1/P1": "maybe"} }, `expect.verdicts[E1/P1]: invalid outcome "maybe"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseScenario([]byte(minimalScenario))
			require.NoError(t, err)
			tt.mutate(s)

			err = s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestScenario_ValidateReportsAllErrors(t *testing.T) {
	err := (&Scenario{}).Validate()
	require.Error(t, err)
	for _, want := range []string{"name is required", "template is required", "evaluation is required", "expect: outcome or failure is required"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)

	_, err = LoadScenario(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: bad\n"), 0o644))
	_, err = LoadScenario(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
}
