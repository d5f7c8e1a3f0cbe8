package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/vouch/internal/attest"
	"github.com/roach88/vouch/internal/campaign"
	"github.com/roach88/vouch/internal/dsl"
	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/notify"
	"github.com/roach88/vouch/internal/rules"
	"github.com/roach88/vouch/internal/session"
	"github.com/roach88/vouch/internal/verify"
)

// Engine exposes the attestation operations over one repository.
//
// Thread-safety: Engine is safe for concurrent use.
type Engine struct {
	repo      model.Repository
	registry  *rules.Registry
	sessions  *session.Manager
	attester  *attest.Orchestrator
	verifier  *verify.Verifier
	campaigns *campaign.Executor
	clock     model.Clock
	ids       model.IDGenerator
	logger    *slog.Logger
}

type settings struct {
	registry         *rules.Registry
	clock            model.Clock
	ids              model.IDGenerator
	announcer        notify.Announcer
	logger           *slog.Logger
	endpointTimeout  time.Duration
	allowClosed      bool
	collectors       map[string]attest.Collector
	concurrency      int
	leafErrorVerdict model.Outcome
}

// EngineOption configures an Engine.
type EngineOption func(*settings)

// WithRegistry sets the rule registry. The default is the built-in rules.
func WithRegistry(r *rules.Registry) EngineOption {
	return func(s *settings) {
		s.registry = r
	}
}

// WithClock sets the clock for every timestamp the engine records.
func WithClock(c model.Clock) EngineOption {
	return func(s *settings) {
		s.clock = c
	}
}

// WithIDGenerator sets the generator for every item ID the engine assigns.
func WithIDGenerator(g model.IDGenerator) EngineOption {
	return func(s *settings) {
		s.ids = g
	}
}

// WithAnnouncer sets where state changes are announced.
func WithAnnouncer(a notify.Announcer) EngineOption {
	return func(s *settings) {
		s.announcer = a
	}
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) EngineOption {
	return func(s *settings) {
		s.logger = l
	}
}

// WithEndpointTimeout bounds each element call.
func WithEndpointTimeout(d time.Duration) EngineOption {
	return func(s *settings) {
		s.endpointTimeout = d
	}
}

// WithClosedSessionAssociation sets whether closed sessions accept
// associations.
func WithClosedSessionAssociation(allow bool) EngineOption {
	return func(s *settings) {
		s.allowClosed = allow
	}
}

// WithCollector registers a measurement collector for a protocol.
func WithCollector(protocol string, c attest.Collector) EngineOption {
	return func(s *settings) {
		s.collectors[protocol] = c
	}
}

// WithCampaignConcurrency sets how many campaign leaves run at once.
func WithCampaignConcurrency(n int) EngineOption {
	return func(s *settings) {
		s.concurrency = n
	}
}

// WithLeafErrorVerdict sets the verdict for campaign leaves that failed.
func WithLeafErrorVerdict(o model.Outcome) EngineOption {
	return func(s *settings) {
		s.leafErrorVerdict = o
	}
}

// New builds an Engine over repo.
func New(repo model.Repository, opts ...EngineOption) (*Engine, error) {
	s := &settings{
		clock:            model.SystemClock{},
		ids:              model.UUIDv7Generator{},
		announcer:        notify.Discard{},
		logger:           slog.Default(),
		endpointTimeout:  attest.DefaultEndpointTimeout,
		allowClosed:      session.DefaultAllowClosedAssociation,
		collectors:       map[string]attest.Collector{},
		concurrency:      1,
		leafErrorVerdict: model.Indeterminate,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		reg, err := rules.DefaultRegistry()
		if err != nil {
			return nil, fmt.Errorf("build rule registry: %w", err)
		}
		s.registry = reg
	}
	if s.endpointTimeout <= 0 {
		return nil, fmt.Errorf("endpoint timeout must be positive, got %s", s.endpointTimeout)
	}
	if s.leafErrorVerdict != model.Fail && s.leafErrorVerdict != model.Indeterminate {
		return nil, fmt.Errorf("leaf error verdict must be fail or indeterminate, got %q", s.leafErrorVerdict)
	}

	sessions := session.New(repo,
		session.WithClock(s.clock),
		session.WithIDGenerator(s.ids),
		session.WithClosedSessionAssociation(s.allowClosed),
		session.WithAnnouncer(s.announcer),
		session.WithLogger(s.logger))

	attestOpts := []attest.Option{
		attest.WithEndpointTimeout(s.endpointTimeout),
		attest.WithClock(s.clock),
		attest.WithIDGenerator(s.ids),
		attest.WithAnnouncer(s.announcer),
		attest.WithLogger(s.logger),
	}
	for protocol, c := range s.collectors {
		attestOpts = append(attestOpts, attest.WithCollector(protocol, c))
	}
	attester := attest.New(repo, sessions, attestOpts...)

	verifier := verify.New(repo, s.registry, sessions,
		verify.WithClock(s.clock),
		verify.WithIDGenerator(s.ids),
		verify.WithAnnouncer(s.announcer),
		verify.WithLogger(s.logger))

	campaigns := campaign.New(repo, sessions, attester, verifier,
		campaign.WithConcurrency(s.concurrency),
		campaign.WithLeafErrorVerdict(s.leafErrorVerdict),
		campaign.WithClock(s.clock),
		campaign.WithIDGenerator(s.ids),
		campaign.WithLogger(s.logger))

	return &Engine{
		repo:      repo,
		registry:  s.registry,
		sessions:  sessions,
		attester:  attester,
		verifier:  verifier,
		campaigns: campaigns,
		clock:     s.clock,
		ids:       s.ids,
		logger:    s.logger,
	}, nil
}

// OpenSession creates an open session.
func (e *Engine) OpenSession(ctx context.Context) (string, error) {
	return e.sessions.Open(ctx)
}

// CloseSession closes a session.
func (e *Engine) CloseSession(ctx context.Context, id string) error {
	return e.sessions.Close(ctx, id)
}

// GetSession returns one session.
func (e *Engine) GetSession(ctx context.Context, id string) (model.Session, error) {
	return e.sessions.Get(ctx, id)
}

// ListSessions returns sessions in the given state, or all sessions when
// state is empty.
func (e *Engine) ListSessions(ctx context.Context, state model.SessionState) ([]model.Session, error) {
	switch state {
	case model.SessionOpen:
		return e.sessions.OpenSessions(ctx)
	case model.SessionClosed:
		return e.sessions.ClosedSessions(ctx)
	case "":
		sessions, err := e.repo.ListSessions(ctx, "")
		if err != nil {
			return nil, model.Storage("list sessions", err)
		}
		return sessions, nil
	default:
		return nil, model.NewError(model.KindInvalidArgument, "unknown session state %q", state)
	}
}

// AssociateClaim adds a claim to a session.
func (e *Engine) AssociateClaim(ctx context.Context, sessionID, claimID string) error {
	return e.sessions.AssociateClaim(ctx, sessionID, claimID)
}

// AssociateResult adds a result to a session.
func (e *Engine) AssociateResult(ctx context.Context, sessionID, resultID string) error {
	return e.sessions.AssociateResult(ctx, sessionID, resultID)
}

// AssociateSession nests inner under outer.
func (e *Engine) AssociateSession(ctx context.Context, outerID, innerID string) error {
	return e.sessions.AssociateSession(ctx, outerID, innerID)
}

// Attest records a new claim for an element under a policy.
func (e *Engine) Attest(ctx context.Context, req attest.Request) (model.Claim, error) {
	return e.attester.Attest(ctx, req)
}

// Verify checks a claim with a named rule and records the result.
func (e *Engine) Verify(ctx context.Context, req verify.Request) (model.Result, error) {
	return e.verifier.Verify(ctx, req)
}

// ListRules returns every registered rule sorted by name.
func (e *Engine) ListRules() []rules.Info {
	return e.registry.List()
}

// Document is one campaign input. Name is used in error positions.
type Document struct {
	Name   string
	Source []byte
}

// RunCampaign compiles and runs a template and evaluation. Structural
// errors return a nil report before anything is attested.
func (e *Engine) RunCampaign(ctx context.Context, template, evaluation Document) (*campaign.Report, error) {
	prog, err := dsl.Load(template.Name, template.Source, evaluation.Name, evaluation.Source)
	if err != nil {
		return nil, err
	}
	return e.campaigns.Run(ctx, prog)
}
