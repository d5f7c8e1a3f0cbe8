// Package attest drives one attestation cycle: resolve the element and
// policy, obtain a measurement from the element, and record it as a claim.
//
// Every call creates a new claim, even when the measurement is unchanged.
package attest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/notify"
)

// DefaultEndpointTimeout bounds a collector call when no timeout is set.
const DefaultEndpointTimeout = 10 * time.Second

// Store is the slice of the repository the orchestrator reads and writes.
type Store interface {
	model.ElementStore
	model.PolicyStore
	model.ClaimStore
}

// Sessions is the session behaviour the orchestrator needs.
type Sessions interface {
	CheckAssociable(ctx context.Context, id string) error
	AssociateClaim(ctx context.Context, sessionID, claimID string) error
}

// Request asks for one measurement of an element under a policy.
type Request struct {
	ElementID      string
	PolicyID       string
	CallParameters map[string]any

	// SessionID may be empty for an unsessioned claim.
	SessionID string
}

// Orchestrator records claims.
//
// Thread-safety: Orchestrator is safe for concurrent use once built.
type Orchestrator struct {
	repo       Store
	sessions   Sessions
	collectors map[string]Collector
	timeout    time.Duration
	clock      model.Clock
	ids        model.IDGenerator
	announcer  notify.Announcer
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCollector registers a collector for a protocol, replacing any
// existing one.
func WithCollector(protocol string, c Collector) Option {
	return func(o *Orchestrator) {
		o.collectors[protocol] = c
	}
}

// WithEndpointTimeout bounds each collector call.
func WithEndpointTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// WithClock sets the clock used for request and receive timestamps.
func WithClock(c model.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithIDGenerator sets the claim ID generator.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

// WithAnnouncer sets where recorded claims are announced.
func WithAnnouncer(a notify.Announcer) Option {
	return func(o *Orchestrator) {
		o.announcer = a
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// New creates an Orchestrator with the http and null collectors
// registered.
func New(repo Store, sessions Sessions, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		sessions: sessions,
		collectors: map[string]Collector{
			ProtocolHTTP: NewHTTPCollector(nil),
			ProtocolNull: NullCollector{},
		},
		timeout:   DefaultEndpointTimeout,
		clock:     model.SystemClock{},
		ids:       model.UUIDv7Generator{},
		announcer: notify.Discard{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Attest obtains a measurement and persists it as a claim.
//
// The session, when given, is checked before the element is contacted.
// If the claim is stored but the session association then fails, the
// stored claim is returned together with the error.
func (o *Orchestrator) Attest(ctx context.Context, req Request) (model.Claim, error) {
	if req.ElementID == "" || req.PolicyID == "" {
		return model.Claim{}, model.NewError(model.KindInvalidArgument, "element and policy are required")
	}

	element, err := o.repo.GetElement(ctx, req.ElementID)
	if err != nil {
		return model.Claim{}, model.Storage("get element", err)
	}
	policy, err := o.repo.GetPolicy(ctx, req.PolicyID)
	if err != nil {
		return model.Claim{}, model.Storage("get policy", err)
	}
	if element.Archived() {
		o.logger.Debug("attesting archived element", "element", element.ItemID)
	}

	if req.SessionID != "" {
		if err := o.sessions.CheckAssociable(ctx, req.SessionID); err != nil {
			return model.Claim{}, err
		}
	}

	collector, ok := o.collectors[element.Protocol]
	if !ok {
		return model.Claim{}, &model.Error{
			Kind:    model.KindUnsupportedProtocol,
			Message: "no collector for protocol " + element.Protocol,
			Entity:  "element",
			ItemID:  element.ItemID,
		}
	}

	params := model.MergeParameters(policy.Parameters, req.CallParameters)
	requested := o.clock.Now()
	payload, err := o.collect(ctx, collector, CollectRequest{
		Element:    element,
		Policy:     policy,
		Intent:     policy.Intent,
		Parameters: params,
	})
	if err != nil {
		o.logger.Warn("measurement failed", "element", element.ItemID, "policy", policy.ItemID, "error", err)
		return model.Claim{}, err
	}
	received := o.clock.Now()

	digest, err := model.Digest(payload)
	if err != nil {
		return model.Claim{}, model.Wrap(model.KindInvalidMeasurement, err, "digest measurement")
	}

	claim := model.Claim{
		ItemID:        o.ids.Generate(),
		ElementID:     element.ItemID,
		PolicyID:      policy.ItemID,
		Protocol:      element.Protocol,
		Intent:        policy.Intent,
		Parameters:    params,
		Payload:       payload,
		PayloadDigest: digest,
		RequestedAt:   &requested,
		ReceivedAt:    &received,
		SessionID:     req.SessionID,
	}
	if err := o.repo.AddClaim(ctx, claim); err != nil {
		return model.Claim{}, model.Storage("add claim", err)
	}

	o.logger.Info("claim recorded", "claim", claim.ItemID, "element", element.ItemID, "policy", policy.ItemID)
	o.announce(ctx, claim)

	if req.SessionID != "" {
		if err := o.sessions.AssociateClaim(ctx, req.SessionID, claim.ItemID); err != nil {
			return claim, err
		}
	}
	return claim, nil
}

// collect runs the collector under the endpoint timeout and classifies
// its failure.
func (o *Orchestrator) collect(ctx context.Context, c Collector, req CollectRequest) (map[string]any, error) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type collected struct {
		payload map[string]any
		err     error
	}
	// Buffered so a collector that ignores its context can finish after we
	// have given up on it.
	done := make(chan collected, 1)
	go func() {
		payload, err := c.Collect(cctx, req)
		done <- collected{payload, err}
	}()

	var payload map[string]any
	var err error
	select {
	case res := <-done:
		payload, err = res.payload, res.err
	case <-cctx.Done():
	}
	if err == nil && cctx.Err() != nil {
		err = cctx.Err()
	}
	if err != nil {
		if model.KindOf(err) != "" {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.Wrap(model.KindEndpointUnreachable, err, "element %s timed out after %s", req.Element.ItemID, o.timeout)
		}
		return nil, model.Wrap(model.KindEndpointUnreachable, err, "element %s", req.Element.ItemID)
	}
	if payload == nil {
		return nil, model.NewError(model.KindInvalidMeasurement, "element %s returned no measurement", req.Element.ItemID)
	}
	return payload, nil
}

func (o *Orchestrator) announce(ctx context.Context, claim model.Claim) {
	ev := notify.Event{
		Channel: notify.ChannelClaim,
		Type:    "claim",
		Op:      "recorded",
		Data: map[string]string{
			"claim":   claim.ItemID,
			"element": claim.ElementID,
			"policy":  claim.PolicyID,
			"session": claim.SessionID,
		},
	}
	if err := o.announcer.Announce(ctx, ev); err != nil {
		o.logger.Warn("announce failed", "channel", ev.Channel, "error", err)
	}
}
