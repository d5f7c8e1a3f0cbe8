package model

import (
	"context"
	"time"
)

// Repository is the storage port the engine reads and writes through.
//
// Get methods return a NOT_FOUND *Error when the record is absent. Other
// failures are returned as plain wrapped errors; engine components
// classify them as STORAGE_ERROR. List methods return empty slices, never
// nil.
type Repository interface {
	ElementStore
	PolicyStore
	ExpectedValueStore
	ClaimStore
	ResultStore
	SessionStore
}

// ElementStore stores elements. Elements are archived, never deleted.
type ElementStore interface {
	AddElement(ctx context.Context, e Element) error
	UpdateElement(ctx context.Context, e Element) error
	GetElement(ctx context.Context, id string) (Element, error)
	// GetElementByName only considers non-archived elements.
	GetElementByName(ctx context.Context, name string) (Element, error)
	ListElements(ctx context.Context) ([]Element, error)
	ListElementsByType(ctx context.Context, elementType string) ([]Element, error)
	ListArchivedElements(ctx context.Context) ([]Element, error)
	ArchiveElement(ctx context.Context, id string, at time.Time) error
}

// PolicyStore stores policies.
type PolicyStore interface {
	AddPolicy(ctx context.Context, p Policy) error
	UpdatePolicy(ctx context.Context, p Policy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (Policy, error)
	GetPolicyByName(ctx context.Context, name string) (Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
}

// ExpectedValueStore stores baselines. Uniqueness per (element, policy) is
// not enforced.
type ExpectedValueStore interface {
	AddExpectedValue(ctx context.Context, ev ExpectedValue) error
	GetExpectedValue(ctx context.Context, id string) (ExpectedValue, error)
	// FindExpectedValue returns the most recently inserted baseline for the
	// pair, or NOT_FOUND.
	FindExpectedValue(ctx context.Context, elementID, policyID string) (ExpectedValue, error)
	ListExpectedValuesByElement(ctx context.Context, elementID string) ([]ExpectedValue, error)
	ListExpectedValuesByPolicy(ctx context.Context, policyID string) ([]ExpectedValue, error)
}

// ClaimStore stores claims. There is no update or delete.
//
// ListClaims orders by RequestedAt descending; claims without a timestamp
// sort last and are excluded when q.Since is set.
type ClaimStore interface {
	AddClaim(ctx context.Context, c Claim) error
	GetClaim(ctx context.Context, id string) (Claim, error)
	ListClaims(ctx context.Context, q Query) ([]Claim, error)
}

// ResultStore stores results. There is no update or delete.
//
// ListResults orders by VerifiedAt descending; results without a timestamp
// sort last and are excluded when q.Since is set.
type ResultStore interface {
	AddResult(ctx context.Context, r Result) error
	GetResult(ctx context.Context, id string) (Result, error)
	ListResults(ctx context.Context, q Query) ([]Result, error)
}

// SessionStore stores sessions. Every write touches exactly one session
// record, so nesting takes two writes.
type SessionStore interface {
	AddSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, state SessionState) ([]Session, error)
	CloseSession(ctx context.Context, id string, at time.Time) error
	AppendSessionClaim(ctx context.Context, sessionID, claimID string) error
	AppendSessionResult(ctx context.Context, sessionID, resultID string) error
	AppendSessionChild(ctx context.Context, sessionID, childID string) error
	SetSessionParent(ctx context.Context, sessionID, parentID string) error
}
