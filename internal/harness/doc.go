// Package harness runs attestation campaign scenarios end to end.
//
// A scenario is a YAML file naming the elements, policies and expected
// values to register, the measurement each element returns, a campaign
// template and evaluation, and what the campaign must produce. Each run
// gets a fresh in-memory store, a step clock and sequential IDs, so two
// runs of the same scenario yield the same report.
//
// Elements on the scripted protocol answer from the scenario's
// measurements. An element listed under unreachable fails collection with
// ENDPOINT_UNREACHABLE and one listed under garbled with
// INVALID_MEASUREMENT.
//
// Example scenario:
//
//	name: quote-magic
//	elements:
//	  - {name: E1, type: [tpm2.0]}
//	policies:
//	  - {name: P1, intent: tpm2/quote}
//	expected_values:
//	  - {element: E1, policy: P1, evs: {}}
//	measurements:
//	  E1: {quote: {magic: ff544347}}
//	template: |
//	  attest: "E1/P1": {element: "E1", policy: "P1", rules: ["tpm2/quote/magic"]}
//	evaluation: |
//	  decision: "E1/P1"
//	expect:
//	  outcome: pass
//
// Golden files hold the canonical JSON snapshot of a run (see Snapshot)
// and are regenerated with:
//
//	go test ./internal/harness -update
package harness
