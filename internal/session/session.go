// Package session implements the session state machine: open, close,
// nesting, and association of claims and results to sessions.
//
// States are Open and Closed; Closed is terminal. Whether associations onto
// a closed session are accepted is a construction-time policy, see
// WithClosedSessionAssociation.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/notify"
)

// DefaultAllowClosedAssociation accepts late claims and results on closed
// sessions, matching the behaviour existing deployments rely on.
const DefaultAllowClosedAssociation = true

// Manager drives session lifecycle through the repository.
//
// Thread-safety: Manager holds no mutable state and is safe for concurrent
// use. Consistency across concurrent writers is whatever the repository
// provides per document.
type Manager struct {
	repo        model.SessionStore
	clock       model.Clock
	ids         model.IDGenerator
	allowClosed bool
	announcer   notify.Announcer
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for open and close timestamps.
func WithClock(c model.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithIDGenerator sets the session ID generator.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithClosedSessionAssociation sets whether claims, results and child
// sessions may be associated with a closed session. When false such
// associations fail with SESSION_CLOSED.
func WithClosedSessionAssociation(allow bool) Option {
	return func(m *Manager) {
		m.allowClosed = allow
	}
}

// WithAnnouncer sets where state changes are announced.
func WithAnnouncer(a notify.Announcer) Option {
	return func(m *Manager) {
		m.announcer = a
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New creates a Manager over the session store.
func New(repo model.SessionStore, opts ...Option) *Manager {
	m := &Manager{
		repo:        repo,
		clock:       model.SystemClock{},
		ids:         model.UUIDv7Generator{},
		allowClosed: DefaultAllowClosedAssociation,
		announcer:   notify.Discard{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AllowsClosedAssociation reports the configured closed-session policy.
func (m *Manager) AllowsClosedAssociation() bool {
	return m.allowClosed
}

// Open creates a new open session and returns its ID.
func (m *Manager) Open(ctx context.Context) (string, error) {
	sess := model.Session{
		ItemID:   m.ids.Generate(),
		OpenedAt: m.clock.Now(),
		Claims:   []string{},
		Results:  []string{},
		Sessions: []string{},
	}
	if err := m.repo.AddSession(ctx, sess); err != nil {
		return "", model.Storage("open session", err)
	}

	m.logger.Debug("session opened", "session", sess.ItemID)
	m.announce(ctx, "open", map[string]string{"session": sess.ItemID})
	return sess.ItemID, nil
}

// Close transitions a session to Closed. Closing a closed session is a
// no-op and keeps the original close time.
func (m *Manager) Close(ctx context.Context, id string) error {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.State() == model.SessionClosed {
		return nil
	}

	if err := m.repo.CloseSession(ctx, id, m.clock.Now()); err != nil {
		return model.Storage("close session", err)
	}

	m.logger.Debug("session closed", "session", id)
	m.announce(ctx, "close", map[string]string{"session": id})
	return nil
}

// Get returns a session or NOT_FOUND.
func (m *Manager) Get(ctx context.Context, id string) (model.Session, error) {
	if id == "" {
		return model.Session{}, model.NewError(model.KindInvalidArgument, "session id is required")
	}
	sess, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, model.Storage("get session", err)
	}
	return sess, nil
}

// OpenSessions lists sessions without a close time.
func (m *Manager) OpenSessions(ctx context.Context) ([]model.Session, error) {
	sessions, err := m.repo.ListSessions(ctx, model.SessionOpen)
	if err != nil {
		return nil, model.Storage("list open sessions", err)
	}
	return sessions, nil
}

// ClosedSessions lists sessions with a close time.
func (m *Manager) ClosedSessions(ctx context.Context) ([]model.Session, error) {
	sessions, err := m.repo.ListSessions(ctx, model.SessionClosed)
	if err != nil {
		return nil, model.Storage("list closed sessions", err)
	}
	return sessions, nil
}

// CheckAssociable verifies that a session exists and, under the strict
// policy, is still open. Callers use it before side effects they cannot
// undo.
func (m *Manager) CheckAssociable(ctx context.Context, id string) error {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.checkOpen(sess)
}

func (m *Manager) checkOpen(sess model.Session) error {
	if !m.allowClosed && sess.State() == model.SessionClosed {
		return &model.Error{
			Kind:    model.KindSessionClosed,
			Message: "session is closed",
			Entity:  "session",
			ItemID:  sess.ItemID,
		}
	}
	return nil
}

// AssociateClaim appends a claim ID to the session's claim list.
func (m *Manager) AssociateClaim(ctx context.Context, sessionID, claimID string) error {
	if err := m.precheck(ctx, sessionID); err != nil {
		return err
	}
	if err := m.repo.AppendSessionClaim(ctx, sessionID, claimID); err != nil {
		return model.Storage("associate claim", err)
	}
	m.announce(ctx, "associate", map[string]string{"session": sessionID, "claim": claimID})
	return nil
}

// AssociateResult appends a result ID to the session's result list.
func (m *Manager) AssociateResult(ctx context.Context, sessionID, resultID string) error {
	if err := m.precheck(ctx, sessionID); err != nil {
		return err
	}
	if err := m.repo.AppendSessionResult(ctx, sessionID, resultID); err != nil {
		return model.Storage("associate result", err)
	}
	m.announce(ctx, "associate", map[string]string{"session": sessionID, "result": resultID})
	return nil
}

// precheck reads the session only when the strict policy needs its state;
// otherwise the append itself reports NOT_FOUND.
func (m *Manager) precheck(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return model.NewError(model.KindInvalidArgument, "session id is required")
	}
	if m.allowClosed {
		return nil
	}
	return m.CheckAssociable(ctx, sessionID)
}

// AssociateSession nests inner under outer. It appends inner to outer's
// child list and then sets inner's parent pointer. Both sessions are
// checked before either write. If the second write fails the child list
// already names inner, and the error is PARTIAL_ASSOCIATION_FAILURE.
func (m *Manager) AssociateSession(ctx context.Context, outerID, innerID string) error {
	if outerID == innerID {
		return &model.Error{
			Kind:    model.KindInvalidArgument,
			Message: "a session cannot contain itself",
			Entity:  "session",
			ItemID:  outerID,
		}
	}

	outer, err := m.Get(ctx, outerID)
	if err != nil {
		return err
	}
	if _, err := m.Get(ctx, innerID); err != nil {
		return err
	}
	if err := m.checkOpen(outer); err != nil {
		return err
	}

	if err := m.repo.AppendSessionChild(ctx, outerID, innerID); err != nil {
		return model.Storage("associate session", err)
	}

	if err := m.repo.SetSessionParent(ctx, innerID, outerID); err != nil {
		m.logger.Warn("session nesting left half-applied",
			"outer", outerID, "inner", innerID, "error", err)
		return &model.Error{
			Kind:    model.KindPartialAssociation,
			Message: fmt.Sprintf("session %s lists %s as a child but the parent pointer was not set", outerID, innerID),
			Entity:  "session",
			ItemID:  innerID,
			Err:     err,
		}
	}

	m.announce(ctx, "associate", map[string]string{"session": outerID, "subsession": innerID})
	return nil
}

func (m *Manager) announce(ctx context.Context, op string, data map[string]string) {
	ev := notify.Event{Channel: notify.ChannelSession, Type: "session", Op: op, Data: data}
	if err := m.announcer.Announce(ctx, ev); err != nil {
		m.logger.Warn("announce failed", "channel", ev.Channel, "op", op, "error", err)
	}
}
