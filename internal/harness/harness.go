package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/vouch/internal/attest"
	"github.com/roach88/vouch/internal/campaign"
	"github.com/roach88/vouch/internal/engine"
	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/store"
	"github.com/roach88/vouch/internal/testutil"
)

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string

	// Report is nil when the campaign failed before opening its session.
	Report *campaign.Report

	// Err is the error RunCampaign returned, if any.
	Err error

	// Pass is true when every expectation held.
	Pass   bool
	Errors []string

	// names maps element item IDs back to scenario names.
	names map[string]string
}

// Option configures a run.
type Option func(*runner)

type runner struct {
	logger *slog.Logger
}

// WithLogger routes engine logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) {
		r.logger = l
	}
}

// Run executes the scenario against a fresh in-memory store and checks its
// expectations. An error means the scenario could not be set up; campaign
// failures are recorded in the result instead.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	r := &runner{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(r)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	engOpts := []engine.EngineOption{
		engine.WithClock(testutil.NewStepClock()),
		engine.WithIDGenerator(model.NewSequenceGenerator("id")),
		engine.WithCollector(ProtocolScripted, scripted(s)),
		engine.WithLogger(r.logger),
	}
	if s.Settings.Concurrency > 0 {
		engOpts = append(engOpts, engine.WithCampaignConcurrency(s.Settings.Concurrency))
	}
	if s.Settings.LeafErrorVerdict != "" {
		engOpts = append(engOpts, engine.WithLeafErrorVerdict(s.Settings.LeafErrorVerdict))
	}
	eng, err := engine.New(st, engOpts...)
	if err != nil {
		return nil, err
	}

	names, err := register(ctx, eng, s)
	if err != nil {
		return nil, err
	}

	report, err := eng.RunCampaign(ctx,
		engine.Document{Name: s.Name + "/template.cue", Source: []byte(s.Template)},
		engine.Document{Name: s.Name + "/evaluation.cue", Source: []byte(s.Evaluation)})

	result := &Result{Scenario: s.Name, Report: report, Err: err, names: names}
	for _, failure := range check(s.Expect, result) {
		result.Errors = append(result.Errors, failure.Error())
	}
	result.Pass = len(result.Errors) == 0
	return result, nil
}

// register adds the scenario's records in order and returns element item
// IDs mapped to names.
func register(ctx context.Context, eng *engine.Engine, s *Scenario) (map[string]string, error) {
	names := map[string]string{}
	elementIDs := map[string]string{}
	for _, step := range s.Elements {
		protocol := step.Protocol
		if protocol == "" {
			protocol = ProtocolScripted
		}
		el, err := eng.AddElement(ctx, model.Element{
			ItemID:   step.ItemID,
			Name:     step.Name,
			Types:    step.Types,
			Protocol: protocol,
			Endpoint: step.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("element %q: %w", step.Name, err)
		}
		if step.Archived {
			if err := eng.ArchiveElement(ctx, el.ItemID); err != nil {
				return nil, fmt.Errorf("archive element %q: %w", step.Name, err)
			}
		}
		names[el.ItemID] = step.Name
		elementIDs[step.Name] = el.ItemID
	}

	policyIDs := map[string]string{}
	for _, step := range s.Policies {
		p, err := eng.AddPolicy(ctx, model.Policy{
			Name:       step.Name,
			Intent:     step.Intent,
			Parameters: step.Parameters,
		})
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", step.Name, err)
		}
		policyIDs[step.Name] = p.ItemID
	}

	for _, step := range s.ExpectedValues {
		_, err := eng.AddExpectedValue(ctx, model.ExpectedValue{
			Name:      step.Element + "/" + step.Policy,
			ElementID: elementIDs[step.Element],
			PolicyID:  policyIDs[step.Policy],
			Baseline:  step.Baseline,
		})
		if err != nil {
			return nil, fmt.Errorf("expected value %s/%s: %w", step.Element, step.Policy, err)
		}
	}
	return names, nil
}

// scripted answers collection requests from the scenario.
func scripted(s *Scenario) attest.Collector {
	return attest.CollectorFunc(func(_ context.Context, req attest.CollectRequest) (map[string]any, error) {
		name := req.Element.Name
		switch {
		case slices.Contains(s.Unreachable, name):
			return nil, model.NewError(model.KindEndpointUnreachable, "%s did not answer", name)
		case slices.Contains(s.Garbled, name):
			return nil, model.NewError(model.KindInvalidMeasurement, "%s returned an unreadable measurement", name)
		}
		m, ok := s.Measurements[name]
		if !ok {
			return nil, model.NewError(model.KindEndpointUnreachable, "no measurement scripted for %s", name)
		}
		return m, nil
	})
}
