package model

import "time"

// Element is a monitored entity under attestation.
type Element struct {
	ItemID      string     `json:"itemid" yaml:"itemid"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Types       []string   `json:"type" yaml:"type"`
	Endpoint    string     `json:"endpoint" yaml:"endpoint"`
	Protocol    string     `json:"protocol" yaml:"protocol"`
	ArchivedAt  *time.Time `json:"archived,omitempty" yaml:"archived,omitempty"`
}

// Archived reports whether the element has been soft-deleted.
func (e Element) Archived() bool {
	return e.ArchivedAt != nil
}

// HasType reports whether the element carries the given type tag.
func (e Element) HasType(t string) bool {
	for _, et := range e.Types {
		if et == t {
			return true
		}
	}
	return false
}

// Policy is a named bundle of intent and parameters.
type Policy struct {
	ItemID      string         `json:"itemid" yaml:"itemid"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Intent      string         `json:"intent" yaml:"intent"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// ExpectedValue is the trusted baseline for one (element, policy) pair.
type ExpectedValue struct {
	ItemID      string         `json:"itemid" yaml:"itemid"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	ElementID   string         `json:"elementid" yaml:"elementid"`
	PolicyID    string         `json:"policyid" yaml:"policyid"`
	Baseline    map[string]any `json:"evs" yaml:"evs"`
}

// Claim records one measurement event. It is never mutated once stored.
//
// Parameters holds the merged policy and call parameters actually sent to
// the element, so verification never has to re-read the policy.
type Claim struct {
	ItemID        string         `json:"itemid"`
	ElementID     string         `json:"elementid"`
	PolicyID      string         `json:"policyid"`
	Protocol      string         `json:"protocol"`
	Intent        string         `json:"intent"`
	Parameters    map[string]any `json:"parameters"`
	Payload       map[string]any `json:"payload"`
	PayloadDigest string         `json:"payloaddigest"`
	RequestedAt   *time.Time     `json:"requested,omitempty"`
	ReceivedAt    *time.Time     `json:"received,omitempty"`
	SessionID     string         `json:"session,omitempty"`
}

// Result is the outcome of verifying one claim with one rule.
type Result struct {
	ItemID          string         `json:"itemid"`
	ClaimID         string         `json:"claimid"`
	ElementID       string         `json:"elementid"`
	PolicyID        string         `json:"policyid"`
	ExpectedValueID string         `json:"expectedvalueid"`
	RuleName        string         `json:"rule"`
	Outcome         Outcome        `json:"result"`
	Message         string         `json:"message"`
	Parameters      map[string]any `json:"parameters"`
	VerifiedAt      *time.Time     `json:"verifiedAt,omitempty"`
	SessionID       string         `json:"session,omitempty"`
}

// SessionState is derived from the presence of a close timestamp.
type SessionState string

const (
	SessionOpen   SessionState = "open"
	SessionClosed SessionState = "closed"
)

// Session groups claims, results and child sessions.
type Session struct {
	ItemID        string     `json:"itemid"`
	OpenedAt      time.Time  `json:"opened"`
	ClosedAt      *time.Time `json:"closed,omitempty"`
	Claims        []string   `json:"claims"`
	Results       []string   `json:"results"`
	Sessions      []string   `json:"sessions"`
	ParentSession string     `json:"parentSession,omitempty"`
}

// State returns open until a close timestamp is recorded.
func (s Session) State() SessionState {
	if s.ClosedAt != nil {
		return SessionClosed
	}
	return SessionOpen
}

// Query filters claim and result listings.
//
// Zero-valued fields do not filter. When Since is set, records without a
// timestamp are excluded. Limit <= 0 means no limit.
type Query struct {
	ElementID string
	PolicyID  string
	ClaimID   string
	Since     *time.Time
	Limit     int
}
