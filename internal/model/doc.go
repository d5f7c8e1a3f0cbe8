// Package model defines the records, outcomes and errors shared by every
// vouch component, together with the Repository port the engine reads and
// writes through.
//
// # Records
//
//   - Element: a monitored device, soft-deleted through ArchivedAt
//   - Policy: intent plus parameters describing how to attest an element
//   - ExpectedValue: the trusted baseline for an (element, policy) pair
//   - Claim: one immutable measurement event
//   - Result: the immutable outcome of verifying a claim against a rule
//   - Session: a possibly nested grouping of claims and results
//
// Claims and Results are append-only. No repository operation updates or
// deletes them once written.
//
// # Outcomes
//
// Verification is ternary. Outcome values combine with Kleene logic so an
// Indeterminate leaf propagates unchanged unless a Fail (for And) or a Pass
// (for Or) decides the combinator.
package model
