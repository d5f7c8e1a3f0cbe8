// Package campaign runs a compiled DSL program: it attests and verifies
// every referenced template entry under one session, evaluates the
// decision tree and assembles a Report.
//
// Leaf failures are recorded in the report and never abort the run.
// Structural problems, including element or policy references that do
// not resolve, are reported before the session is opened.
package campaign

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/vouch/internal/attest"
	"github.com/roach88/vouch/internal/dsl"
	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/verify"
)

// Resolver looks up elements and policies by ID or name.
type Resolver interface {
	GetElement(ctx context.Context, id string) (model.Element, error)
	GetElementByName(ctx context.Context, name string) (model.Element, error)
	GetPolicy(ctx context.Context, id string) (model.Policy, error)
	GetPolicyByName(ctx context.Context, name string) (model.Policy, error)
}

// Sessions opens and closes the campaign's session.
type Sessions interface {
	Open(ctx context.Context) (string, error)
	Close(ctx context.Context, id string) error
}

// Attester records claims.
type Attester interface {
	Attest(ctx context.Context, req attest.Request) (model.Claim, error)
}

// Verifier records results.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (model.Result, error)
}

// Executor runs campaigns.
//
// Thread-safety: Executor is safe for concurrent use; each Run uses its
// own session.
type Executor struct {
	resolver    Resolver
	sessions    Sessions
	attester    Attester
	verifier    Verifier
	concurrency int
	leafError   model.Outcome
	clock       model.Clock
	ids         model.IDGenerator
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency sets how many leaves are attested at once. Values below
// one mean sequential.
func WithConcurrency(n int) Option {
	return func(x *Executor) {
		x.concurrency = max(n, 1)
	}
}

// WithLeafErrorVerdict sets the verdict used for a leaf, or one of its
// rules, that failed with an error. It must be Fail or Indeterminate.
func WithLeafErrorVerdict(o model.Outcome) Option {
	return func(x *Executor) {
		x.leafError = o
	}
}

// WithClock sets the clock used for report timestamps.
func WithClock(c model.Clock) Option {
	return func(x *Executor) {
		x.clock = c
	}
}

// WithIDGenerator sets the report ID generator.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(x *Executor) {
		x.ids = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) {
		x.logger = l
	}
}

// New creates an Executor.
func New(resolver Resolver, sessions Sessions, attester Attester, verifier Verifier, opts ...Option) *Executor {
	x := &Executor{
		resolver:    resolver,
		sessions:    sessions,
		attester:    attester,
		verifier:    verifier,
		concurrency: 1,
		leafError:   model.Indeterminate,
		clock:       model.SystemClock{},
		ids:         model.UUIDv7Generator{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// leaf is one resolved template entry.
type leaf struct {
	entry   dsl.Entry
	element model.Element
	policy  model.Policy
}

// leafRun is what one leaf contributed to the report.
type leafRun struct {
	verdict model.Outcome
	errors  []ErrorEntry
	ecrv    []ECRV
}

// Run executes the program.
//
// A structural or storage error during resolution returns a nil report.
// Once the session is open a report is always returned; a storage error
// opening or closing the session is returned alongside it.
func (x *Executor) Run(ctx context.Context, prog *dsl.Program) (*Report, error) {
	leaves, err := x.resolve(ctx, prog.Entries())
	if err != nil {
		return nil, err
	}

	report := &Report{
		ReportID: x.ids.Generate(),
		Created:  x.clock.Now(),
		Instructions: Instructions{
			Template:   prog.Template.Source,
			Evaluation: prog.Evaluation.Source,
		},
		Outcome:   model.Indeterminate,
		Errors:    []ErrorEntry{},
		ECRV:      []ECRV{},
		Decisions: []dsl.Decision{},
	}

	sid, err := x.sessions.Open(ctx)
	if err != nil {
		return report, err
	}
	opened := x.clock.Now()
	report.Opened = &opened
	report.Session = sid
	x.logger.Info("campaign started", "report", report.ReportID, "session", sid, "leaves", len(leaves))

	runs := make([]leafRun, len(leaves))
	var g errgroup.Group
	g.SetLimit(x.concurrency)
	for i := range leaves {
		i := i
		g.Go(func() error {
			runs[i] = x.runLeaf(ctx, sid, leaves[i])
			return nil
		})
	}
	_ = g.Wait()

	verdicts := make(map[string]dsl.Leaf, len(leaves))
	for i, l := range leaves {
		report.Errors = append(report.Errors, runs[i].errors...)
		report.ECRV = append(report.ECRV, runs[i].ecrv...)
		verdicts[l.entry.Name] = dsl.Leaf{ElementID: l.element.ItemID, Outcome: runs[i].verdict}
	}
	report.Outcome, report.Decisions = prog.Evaluate(verdicts)

	if err := x.sessions.Close(ctx, sid); err != nil {
		return report, err
	}
	closed := x.clock.Now()
	report.Closed = &closed

	x.logger.Info("campaign finished",
		"report", report.ReportID, "session", sid, "outcome", report.Outcome,
		"errors", len(report.Errors), "decisions", len(report.Decisions))
	return report, nil
}

// resolve maps every entry's element and policy reference to a record.
// References are tried as item IDs first, then as names.
func (x *Executor) resolve(ctx context.Context, entries []dsl.Entry) ([]leaf, error) {
	leaves := make([]leaf, 0, len(entries))
	for _, entry := range entries {
		element, err := lookup(ctx, entry.Element, x.resolver.GetElement, x.resolver.GetElementByName)
		if err != nil {
			return nil, x.unresolved(entry, "element", entry.Element, err)
		}
		policy, err := lookup(ctx, entry.Policy, x.resolver.GetPolicy, x.resolver.GetPolicyByName)
		if err != nil {
			return nil, x.unresolved(entry, "policy", entry.Policy, err)
		}
		leaves = append(leaves, leaf{entry: entry, element: element, policy: policy})
	}
	return leaves, nil
}

func lookup[T any](ctx context.Context, ref string, byID, byName func(context.Context, string) (T, error)) (T, error) {
	v, err := byID(ctx, ref)
	if !model.IsNotFound(err) {
		return v, err
	}
	return byName(ctx, ref)
}

func (x *Executor) unresolved(entry dsl.Entry, entity, ref string, err error) error {
	if !model.IsNotFound(err) {
		return model.Storage("resolve "+entity, err)
	}
	return model.Wrap(model.KindStructuralDSL, &dsl.CompileError{
		Field:   "attest." + entry.Name + "." + entity,
		Message: "unresolved " + entity + " " + ref,
		Pos:     entry.Pos,
	}, "invalid template")
}

// runLeaf attests one entry and verifies each of its rules. The verdict is
// the Kleene AND of the rule outcomes, with failed steps counted as the
// configured leaf error verdict.
func (x *Executor) runLeaf(ctx context.Context, sid string, l leaf) leafRun {
	var run leafRun
	fail := func(err error, rule string) {
		x.logger.Warn("campaign leaf failed",
			"template", l.entry.Name, "element", l.element.ItemID, "rule", rule, "error", err)
		kind := model.KindOf(err)
		if kind == "" {
			kind = model.KindStorage
		}
		run.errors = append(run.errors, ErrorEntry{
			Time:     x.clock.Now(),
			Kind:     kind,
			Template: l.entry.Name,
			Element:  l.element.ItemID,
			Policy:   l.policy.ItemID,
			Rule:     rule,
			Message:  err.Error(),
		})
	}

	claim, err := x.attester.Attest(ctx, attest.Request{
		ElementID:      l.element.ItemID,
		PolicyID:       l.policy.ItemID,
		CallParameters: l.entry.Parameters,
		SessionID:      sid,
	})
	if err != nil {
		fail(err, "")
		run.verdict = x.leafError
		return run
	}

	outcomes := make([]model.Outcome, 0, len(l.entry.Rules))
	for _, rule := range l.entry.Rules {
		res, err := x.verifier.Verify(ctx, verify.Request{
			ClaimID:   claim.ItemID,
			RuleName:  rule,
			SessionID: sid,
		})
		if err != nil {
			fail(err, rule)
			outcomes = append(outcomes, x.leafError)
			continue
		}
		run.ecrv = append(run.ecrv, ECRV{
			Template: l.entry.Name,
			Element:  l.element.ItemID,
			Claim:    claim.ItemID,
			Result:   res.ItemID,
			Rule:     rule,
			Verdict:  res.Outcome,
		})
		outcomes = append(outcomes, res.Outcome)
	}
	run.verdict = model.And(outcomes...)
	return run
}
