package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/vouch/internal/engine"
	"github.com/roach88/vouch/internal/model"
)

// Fixture is a YAML file of records to register. Expected values name
// their element and policy by name or item ID; names are resolved against
// records registered earlier in the same file first.
type Fixture struct {
	Elements       []model.Element   `yaml:"elements"`
	Policies       []model.Policy    `yaml:"policies"`
	ExpectedValues []FixtureBaseline `yaml:"expectedvalues"`
}

// FixtureBaseline is an expected value whose references may be names.
type FixtureBaseline struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Element     string         `yaml:"element"`
	Policy      string         `yaml:"policy"`
	Baseline    map[string]any `yaml:"evs"`
}

// LoadSummary lists the item IDs a load created.
type LoadSummary struct {
	Elements       map[string]string `json:"elements"`
	Policies       map[string]string `json:"policies"`
	ExpectedValues []string          `json:"expectedvalues"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <fixture.yaml>",
		Short: "Register elements, policies and expected values from YAML",
		Long: `Register elements, policies and expected values from a YAML file.

Example fixture:
  elements:
    - name: web01
      type: [tpm2.0]
      protocol: http
      endpoint: http://web01:8530
  policies:
    - name: tpm-quote
      intent: tpm2/quote
      parameters: {pcrs: [0, 1, 2, 7]}
  expectedvalues:
    - name: web01 quote
      element: web01
      policy: tpm-quote
      evs: {firmwareVersion: 538513443904988160}`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fx, err := ReadFixture(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read fixture", err)
			}
			return withEnv(cmd, rootOpts, func(e *env) error {
				summary, err := LoadFixture(commandContext(cmd), e.engine, fx)
				if err != nil {
					return e.out.Fail("failed to load fixture", err, summary)
				}
				return e.out.Emit(summary, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "loaded %d elements, %d policies, %d expected values\n",
						len(summary.Elements), len(summary.Policies), len(summary.ExpectedValues))
					return err
				})
			})
		},
	}
}

// ReadFixture parses a fixture file. Maps are normalised through JSON so
// numbers reach the repository as they would from the REST API.
func ReadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fx Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range fx.Policies {
		if fx.Policies[i].Parameters, err = normalise(fx.Policies[i].Parameters); err != nil {
			return nil, fmt.Errorf("policy %q parameters: %w", fx.Policies[i].Name, err)
		}
	}
	for i := range fx.ExpectedValues {
		if fx.ExpectedValues[i].Baseline, err = normalise(fx.ExpectedValues[i].Baseline); err != nil {
			return nil, fmt.Errorf("expected value %q: %w", fx.ExpectedValues[i].Name, err)
		}
	}
	return &fx, nil
}

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

// LoadFixture registers fx through the engine, stopping at the first
// error. The summary covers what was registered before it.
func LoadFixture(ctx context.Context, eng *engine.Engine, fx *Fixture) (*LoadSummary, error) {
	summary := &LoadSummary{Elements: map[string]string{}, Policies: map[string]string{}, ExpectedValues: []string{}}

	for _, el := range fx.Elements {
		added, err := eng.AddElement(ctx, el)
		if err != nil {
			return summary, fmt.Errorf("element %q: %w", el.Name, err)
		}
		summary.Elements[added.Name] = added.ItemID
	}
	for _, p := range fx.Policies {
		added, err := eng.AddPolicy(ctx, p)
		if err != nil {
			return summary, fmt.Errorf("policy %q: %w", p.Name, err)
		}
		summary.Policies[added.Name] = added.ItemID
	}

	for _, b := range fx.ExpectedValues {
		elementID, ok := summary.Elements[b.Element]
		if !ok {
			el, err := resolveElement(ctx, eng, b.Element)
			if err != nil {
				return summary, fmt.Errorf("expected value %q: %w", b.Name, err)
			}
			elementID = el.ItemID
		}
		policyID, ok := summary.Policies[b.Policy]
		if !ok {
			p, err := resolvePolicy(ctx, eng, b.Policy)
			if err != nil {
				return summary, fmt.Errorf("expected value %q: %w", b.Name, err)
			}
			policyID = p.ItemID
		}

		added, err := eng.AddExpectedValue(ctx, model.ExpectedValue{
			Name:        b.Name,
			Description: b.Description,
			ElementID:   elementID,
			PolicyID:    policyID,
			Baseline:    b.Baseline,
		})
		if err != nil {
			return summary, fmt.Errorf("expected value %q: %w", b.Name, err)
		}
		summary.ExpectedValues = append(summary.ExpectedValues, added.ItemID)
	}
	return summary, nil
}
