package campaign

import (
	"time"

	"github.com/roach88/vouch/internal/dsl"
	"github.com/roach88/vouch/internal/model"
)

// Report is the auditable record of one campaign run. It is returned even
// when every leaf failed.
type Report struct {
	ReportID     string         `json:"reportID"`
	Created      time.Time      `json:"created"`
	Opened       *time.Time     `json:"opened,omitempty"`
	Closed       *time.Time     `json:"closed,omitempty"`
	Session      string         `json:"session"`
	Instructions Instructions   `json:"instructions"`
	Outcome      model.Outcome  `json:"outcome"`
	Errors       []ErrorEntry   `json:"errors"`
	ECRV         []ECRV         `json:"ecrv"`
	Decisions    []dsl.Decision `json:"decisions"`
}

// Instructions are the documents the campaign ran.
type Instructions struct {
	Template   string `json:"template"`
	Evaluation string `json:"evaluation"`
}

// ErrorEntry records one leaf failure.
type ErrorEntry struct {
	Time     time.Time       `json:"time"`
	Kind     model.ErrorKind `json:"kind"`
	Template string          `json:"template"`
	Element  string          `json:"element"`
	Policy   string          `json:"policy"`
	Rule     string          `json:"rule,omitempty"`
	Message  string          `json:"message"`
}

// ECRV ties an element, its claim and one result to the verdict.
type ECRV struct {
	Template string        `json:"template"`
	Element  string        `json:"e"`
	Claim    string        `json:"c"`
	Result   string        `json:"r"`
	Rule     string        `json:"rule"`
	Verdict  model.Outcome `json:"v"`
}

// ErrorsOfKind returns the error entries of one kind.
func (r *Report) ErrorsOfKind(kind model.ErrorKind) []ErrorEntry {
	var out []ErrorEntry
	for _, e := range r.Errors {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Root returns the last decision, which is the evaluation's root.
func (r *Report) Root() (dsl.Decision, bool) {
	if len(r.Decisions) == 0 {
		return dsl.Decision{}, false
	}
	return r.Decisions[len(r.Decisions)-1], true
}
