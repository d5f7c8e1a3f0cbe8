// Package rules holds the verification rules and the registry that maps
// rule names to them.
//
// A Registry is built once and never modified, so it may be shared across
// concurrent verifications without locking. New rules are added by passing
// more Rule values to NewRegistry; dispatch never changes.
package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/vouch/internal/model"
)

// Input is everything a rule may look at.
type Input struct {
	Claim    model.Claim
	Expected model.ExpectedValue

	// Parameters are the claim's parameters overlaid with verify-time ones.
	Parameters map[string]any
}

// Rule decides a ternary outcome for one claim.
//
// Evaluate returns a rationale alongside the outcome. An error means the
// rule itself faulted; a claim the rule cannot judge is Indeterminate, not
// an error.
type Rule interface {
	Name() string
	Description() string
	Evaluate(ctx context.Context, in Input) (model.Outcome, string, error)
}

// EvalFunc is the signature of a rule body.
type EvalFunc func(ctx context.Context, in Input) (model.Outcome, string, error)

type funcRule struct {
	name        string
	description string
	fn          EvalFunc
}

// New wraps a function as a Rule.
func New(name, description string, fn EvalFunc) Rule {
	return funcRule{name: name, description: description, fn: fn}
}

func (r funcRule) Name() string        { return r.name }
func (r funcRule) Description() string { return r.description }

func (r funcRule) Evaluate(ctx context.Context, in Input) (model.Outcome, string, error) {
	return r.fn(ctx, in)
}

// Info describes a registered rule.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry is an immutable name-keyed table of rules.
type Registry struct {
	rules map[string]Rule
	infos []Info
}

// NewRegistry builds a registry. Empty and duplicate names are rejected.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		name := rule.Name()
		if name == "" {
			return nil, fmt.Errorf("rule with empty name")
		}
		if _, dup := r.rules[name]; dup {
			return nil, fmt.Errorf("duplicate rule %q", name)
		}
		r.rules[name] = rule
		r.infos = append(r.infos, Info{Name: name, Description: rule.Description()})
	}
	sort.Slice(r.infos, func(i, j int) bool { return r.infos[i].Name < r.infos[j].Name })
	return r, nil
}

// DefaultRegistry returns a registry of the built-in rules plus extra.
func DefaultRegistry(extra ...Rule) (*Registry, error) {
	return NewRegistry(append(Builtins(), extra...)...)
}

// Lookup returns the rule registered under name.
func (r *Registry) Lookup(name string) (Rule, bool) {
	rule, ok := r.rules[name]
	return rule, ok
}

// List returns every rule sorted by name.
func (r *Registry) List() []Info {
	out := make([]Info, len(r.infos))
	copy(out, r.infos)
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.rules)
}
