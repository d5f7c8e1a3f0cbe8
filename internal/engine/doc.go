// Package engine is the attestation and verification engine facade.
//
// It wires the session manager, attestation orchestrator, verifier and
// campaign executor over one repository and exposes the operations the
// REST and CLI surfaces need:
//
//	OpenSession, CloseSession, AssociateClaim, AssociateResult, AssociateSession
//	Attest, Verify, ListRules, RunCampaign
//
// plus read queries and registration helpers.
//
// Data flows from RunCampaign through Attest (claim) and Verify (result);
// the session threads through all of it. The engine keeps no copies of
// records: every call reads and writes through the repository.
package engine
