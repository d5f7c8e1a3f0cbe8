package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is the ternary verdict of a rule or decision node.
type Outcome string

const (
	Pass          Outcome = "pass"
	Fail          Outcome = "fail"
	Indeterminate Outcome = "indeterminate"
)

// Result codes shared with existing attestation tooling: 0 means pass.
const (
	CodePass          = 0
	CodeFail          = 9001
	CodeIndeterminate = 9002
)

// ParseOutcome accepts the outcome names case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(s))) {
	case Pass:
		return Pass, nil
	case Fail:
		return Fail, nil
	case Indeterminate:
		return Indeterminate, nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// OutcomeFromCode maps a numeric result code back to an Outcome.
// Codes other than 0 and 9001 are indeterminate.
func OutcomeFromCode(code int) Outcome {
	switch code {
	case CodePass:
		return Pass
	case CodeFail:
		return Fail
	default:
		return Indeterminate
	}
}

// Valid reports whether o is one of the three outcomes.
func (o Outcome) Valid() bool {
	return o == Pass || o == Fail || o == Indeterminate
}

// Code returns the numeric result code.
func (o Outcome) Code() int {
	switch o {
	case Pass:
		return CodePass
	case Fail:
		return CodeFail
	default:
		return CodeIndeterminate
	}
}

func (o Outcome) String() string {
	return string(o)
}

// And is Kleene conjunction: any Fail fails, otherwise any Indeterminate is
// indeterminate. And of no outcomes is Pass.
func And(outcomes ...Outcome) Outcome {
	result := Pass
	for _, o := range outcomes {
		switch o {
		case Fail:
			return Fail
		case Pass:
		default:
			result = Indeterminate
		}
	}
	return result
}

// Or is Kleene disjunction: any Pass passes, otherwise any Indeterminate is
// indeterminate. Or of no outcomes is Fail.
func Or(outcomes ...Outcome) Outcome {
	result := Fail
	for _, o := range outcomes {
		switch o {
		case Pass:
			return Pass
		case Fail:
		default:
			result = Indeterminate
		}
	}
	return result
}

// Not swaps Pass and Fail and leaves Indeterminate alone.
func Not(o Outcome) Outcome {
	switch o {
	case Pass:
		return Fail
	case Fail:
		return Pass
	default:
		return Indeterminate
	}
}

// UnmarshalJSON accepts either the outcome name or its numeric code.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseOutcome(s)
		if err != nil {
			return err
		}
		*o = parsed
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("outcome must be a name or a code: %w", err)
	}
	*o = OutcomeFromCode(code)
	return nil
}
