package harness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vouch/internal/model"
)

// ProtocolScripted is the protocol of elements whose measurements come
// from the scenario. It is the default for scenario elements.
const ProtocolScripted = "scripted"

// Scenario defines one campaign run and its expected result.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	Settings Settings `yaml:"settings,omitempty"`

	// Records registered before the campaign runs, in order.
	Elements       []ElementStep  `yaml:"elements"`
	Policies       []PolicyStep   `yaml:"policies"`
	ExpectedValues []BaselineStep `yaml:"expected_values,omitempty"`

	// Measurements maps an element name to the payload it returns.
	Measurements map[string]map[string]any `yaml:"measurements,omitempty"`

	// Unreachable and Garbled name elements whose collection fails.
	Unreachable []string `yaml:"unreachable,omitempty"`
	Garbled     []string `yaml:"garbled,omitempty"`

	// Template and Evaluation are the campaign's CUE documents.
	Template   string `yaml:"template"`
	Evaluation string `yaml:"evaluation"`

	Expect Expectation `yaml:"expect"`
}

// Settings tune the engine for one scenario.
type Settings struct {
	Concurrency      int           `yaml:"concurrency,omitempty"`
	LeafErrorVerdict model.Outcome `yaml:"leaf_error_verdict,omitempty"`
}

// ElementStep registers an element. Protocol defaults to scripted and the
// item ID is generated unless set. Archived elements are not found by
// name, so templates refer to them by item ID.
type ElementStep struct {
	ItemID   string   `yaml:"itemid,omitempty"`
	Name     string   `yaml:"name"`
	Types    []string `yaml:"type,omitempty"`
	Protocol string   `yaml:"protocol,omitempty"`
	Endpoint string   `yaml:"endpoint,omitempty"`
	Archived bool     `yaml:"archived,omitempty"`
}

// PolicyStep registers a policy.
type PolicyStep struct {
	Name       string         `yaml:"name"`
	Intent     string         `yaml:"intent"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
}

// BaselineStep registers an expected value for an element and policy,
// both given by name.
type BaselineStep struct {
	Element  string         `yaml:"element"`
	Policy   string         `yaml:"policy"`
	Baseline map[string]any `yaml:"evs"`
}

// Expectation is what the campaign must produce.
//
// Failure expects RunCampaign itself to fail with that kind; the other
// fields are then checked only if a report came back.
type Expectation struct {
	Outcome  model.Outcome            `yaml:"outcome,omitempty"`
	Failure  model.ErrorKind          `yaml:"failure,omitempty"`
	Errors   []model.ErrorKind        `yaml:"errors,omitempty"`
	Verdicts map[string]model.Outcome `yaml:"verdicts,omitempty"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario. Unknown keys are
// rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	var err error
	for i := range s.Policies {
		if s.Policies[i].Parameters, err = normalise(s.Policies[i].Parameters); err != nil {
			return nil, fmt.Errorf("policy %q parameters: %w", s.Policies[i].Name, err)
		}
	}
	for i := range s.ExpectedValues {
		if s.ExpectedValues[i].Baseline, err = normalise(s.ExpectedValues[i].Baseline); err != nil {
			return nil, fmt.Errorf("expected value %s/%s: %w", s.ExpectedValues[i].Element, s.ExpectedValues[i].Policy, err)
		}
	}
	for name, m := range s.Measurements {
		if s.Measurements[name], err = normalise(m); err != nil {
			return nil, fmt.Errorf("measurement %q: %w", name, err)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// normalise turns YAML scalars into the JSON numbers the stores use.
func normalise(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return model.DecodeObject(data)
}

// Validate reports every problem with the scenario.
func (s *Scenario) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.Template == "" {
		errs = append(errs, errors.New("template is required"))
	}
	if s.Evaluation == "" {
		errs = append(errs, errors.New("evaluation is required"))
	}

	elements := map[string]bool{}
	for i, e := range s.Elements {
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Errorf("elements[%d]: name is required", i))
		case elements[e.Name]:
			errs = append(errs, fmt.Errorf("elements[%d]: duplicate name %q", i, e.Name))
		}
		elements[e.Name] = true
	}
	policies := map[string]bool{}
	for i, p := range s.Policies {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("policies[%d]: name is required", i))
		case policies[p.Name]:
			errs = append(errs, fmt.Errorf("policies[%d]: duplicate name %q", i, p.Name))
		}
		policies[p.Name] = true
	}
	for i, ev := range s.ExpectedValues {
		if !elements[ev.Element] {
			errs = append(errs, fmt.Errorf("expected_values[%d]: unknown element %q", i, ev.Element))
		}
		if !policies[ev.Policy] {
			errs = append(errs, fmt.Errorf("expected_values[%d]: unknown policy %q", i, ev.Policy))
		}
	}

	for name := range s.Measurements {
		if !elements[name] {
			errs = append(errs, fmt.Errorf("measurements: unknown element %q", name))
		}
	}
	for _, name := range s.Unreachable {
		if !elements[name] {
			errs = append(errs, fmt.Errorf("unreachable: unknown element %q", name))
		}
	}
	for _, name := range s.Garbled {
		if !elements[name] {
			errs = append(errs, fmt.Errorf("garbled: unknown element %q", name))
		}
	}

	if s.Settings.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("settings.concurrency must not be negative, got %d", s.Settings.Concurrency))
	}
	if v := s.Settings.LeafErrorVerdict; v != "" && v != model.Fail && v != model.Indeterminate {
		errs = append(errs, fmt.Errorf("settings.leaf_error_verdict must be fail or indeterminate, got %q", v))
	}

	if s.Expect.Outcome == "" && s.Expect.Failure == "" {
		errs = append(errs, errors.New("expect: outcome or failure is required"))
	}
	if o := s.Expect.Outcome; o != "" && !o.Valid() {
		errs = append(errs, fmt.Errorf("expect.outcome: invalid outcome %q", o))
	}
	for template, o := range s.Expect.Verdicts {
		if !o.Valid() {
			errs = append(errs, fmt.Errorf("expect.verdicts[%s]: invalid outcome %q", template, o))
		}
	}
	return errors.Join(errs...)
}
