// Package verify checks a claim against its expected value with a named
// rule and records the outcome as a result.
//
// Rule faults are contained: an error or panic inside a rule becomes a
// RULE_EXECUTION_ERROR for that call and nothing is persisted.
package verify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/notify"
	"github.com/roach88/vouch/internal/rules"
)

// Store is the slice of the repository the verifier reads and writes.
type Store interface {
	model.ClaimStore
	model.ExpectedValueStore
	model.ResultStore
}

// Sessions is the session behaviour the verifier needs.
type Sessions interface {
	CheckAssociable(ctx context.Context, id string) error
	AssociateResult(ctx context.Context, sessionID, resultID string) error
}

// Request asks for one claim to be verified with one rule.
type Request struct {
	ClaimID  string
	RuleName string

	// SessionID may be empty for an unsessioned result.
	SessionID string

	// Parameters overlay the claim's parameters for this verification.
	Parameters map[string]any
}

// Verifier records results.
//
// Thread-safety: Verifier is safe for concurrent use; the registry it is
// given is never modified.
type Verifier struct {
	repo      Store
	registry  *rules.Registry
	sessions  Sessions
	clock     model.Clock
	ids       model.IDGenerator
	announcer notify.Announcer
	logger    *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock sets the clock used for verification timestamps.
func WithClock(c model.Clock) Option {
	return func(v *Verifier) {
		v.clock = c
	}
}

// WithIDGenerator sets the result ID generator.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(v *Verifier) {
		v.ids = g
	}
}

// WithAnnouncer sets where recorded results are announced.
func WithAnnouncer(a notify.Announcer) Option {
	return func(v *Verifier) {
		v.announcer = a
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// New creates a Verifier dispatching through registry.
func New(repo Store, registry *rules.Registry, sessions Sessions, opts ...Option) *Verifier {
	v := &Verifier{
		repo:      repo,
		registry:  registry,
		sessions:  sessions,
		clock:     model.SystemClock{},
		ids:       model.UUIDv7Generator{},
		announcer: notify.Discard{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Rules returns the registry the verifier dispatches through.
func (v *Verifier) Rules() *rules.Registry {
	return v.registry
}

// Verify evaluates the claim with the named rule and persists the result.
//
// When several expected values exist for the claim's element and policy,
// the most recently inserted one is used. If the result is stored but the
// session association then fails, the stored result is returned together
// with the error.
func (v *Verifier) Verify(ctx context.Context, req Request) (model.Result, error) {
	if req.ClaimID == "" || req.RuleName == "" {
		return model.Result{}, model.NewError(model.KindInvalidArgument, "claim and rule are required")
	}

	claim, err := v.repo.GetClaim(ctx, req.ClaimID)
	if err != nil {
		return model.Result{}, model.Storage("get claim", err)
	}

	rule, ok := v.registry.Lookup(req.RuleName)
	if !ok {
		return model.Result{}, &model.Error{
			Kind:    model.KindUnknownRule,
			Message: fmt.Sprintf("no rule named %q", req.RuleName),
			Entity:  "rule",
			ItemID:  req.RuleName,
		}
	}

	expected, err := v.repo.FindExpectedValue(ctx, claim.ElementID, claim.PolicyID)
	if model.IsNotFound(err) {
		return model.Result{}, &model.Error{
			Kind:    model.KindNoBaseline,
			Message: fmt.Sprintf("no expected value for element %s and policy %s", claim.ElementID, claim.PolicyID),
			Entity:  "claim",
			ItemID:  claim.ItemID,
		}
	}
	if err != nil {
		return model.Result{}, model.Storage("find expected value", err)
	}

	if req.SessionID != "" {
		if err := v.sessions.CheckAssociable(ctx, req.SessionID); err != nil {
			return model.Result{}, err
		}
	}

	params := model.MergeParameters(claim.Parameters, req.Parameters)
	outcome, message, err := evaluate(ctx, rule, rules.Input{
		Claim:      claim,
		Expected:   expected,
		Parameters: params,
	})
	if err != nil {
		v.logger.Warn("rule faulted", "rule", req.RuleName, "claim", claim.ItemID, "error", err)
		return model.Result{}, &model.Error{
			Kind:    model.KindRuleExecution,
			Message: fmt.Sprintf("rule %s failed", req.RuleName),
			Entity:  "claim",
			ItemID:  claim.ItemID,
			Err:     err,
		}
	}

	verified := v.clock.Now()
	result := model.Result{
		ItemID:          v.ids.Generate(),
		ClaimID:         claim.ItemID,
		ElementID:       claim.ElementID,
		PolicyID:        claim.PolicyID,
		ExpectedValueID: expected.ItemID,
		RuleName:        req.RuleName,
		Outcome:         outcome,
		Message:         message,
		Parameters:      params,
		VerifiedAt:      &verified,
		SessionID:       req.SessionID,
	}
	if err := v.repo.AddResult(ctx, result); err != nil {
		return model.Result{}, model.Storage("add result", err)
	}

	v.logger.Info("result recorded",
		"result", result.ItemID, "claim", claim.ItemID, "rule", req.RuleName, "outcome", outcome)
	v.announce(ctx, result)

	if req.SessionID != "" {
		if err := v.sessions.AssociateResult(ctx, req.SessionID, result.ItemID); err != nil {
			return result, err
		}
	}
	return result, nil
}

// evaluate runs a rule, turning a panic or an out-of-range outcome into an
// error.
func evaluate(ctx context.Context, rule rules.Rule, in rules.Input) (outcome model.Outcome, message string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, message, err = "", "", fmt.Errorf("panic: %v", r)
		}
	}()

	outcome, message, err = rule.Evaluate(ctx, in)
	if err != nil {
		return "", "", err
	}
	if !outcome.Valid() {
		return "", "", fmt.Errorf("rule returned invalid outcome %q", outcome)
	}
	return outcome, message, nil
}

func (v *Verifier) announce(ctx context.Context, r model.Result) {
	ev := notify.Event{
		Channel: notify.ChannelResult,
		Type:    "result",
		Op:      "recorded",
		Data: map[string]string{
			"result":  r.ItemID,
			"claim":   r.ClaimID,
			"outcome": r.Outcome.String(),
			"session": r.SessionID,
		},
	}
	if err := v.announcer.Announce(ctx, ev); err != nil {
		v.logger.Warn("announce failed", "channel", ev.Channel, "error", err)
	}
}
