package rules

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/roach88/vouch/internal/model"
)

// RegoQuery is evaluated against the supplied module. The package must be
// vouch; outcome is required and message is optional:
//
//	package vouch
//	import rego.v1
//	outcome := "pass" if input.claim.quote.magic == "ff544347"
//	message := "magic ok"
const RegoQuery = "data.vouch"

// DefaultRegoCacheSize is how many prepared modules a RegoRule keeps.
const DefaultRegoCacheSize = 64

// RegoRule evaluates a Rego module taken from the expected value's rego
// field, or else from the rego parameter.
//
// The input document is {claim, expected, parameters, element, policy}
// where claim is the payload. outcome may be an outcome name or a boolean.
// Prepared queries are cached by module hash, least recently used first
// out once the cache is full.
type RegoRule struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recently used; values are keys
	cache    map[string]regoEntry
}

type regoEntry struct {
	query rego.PreparedEvalQuery
	elem  *list.Element
}

// NewRego creates the rego rule with DefaultRegoCacheSize.
func NewRego() *RegoRule {
	return NewRegoWithCacheSize(DefaultRegoCacheSize)
}

// NewRegoWithCacheSize creates the rego rule keeping at most size prepared
// modules. A size below one is treated as one.
func NewRegoWithCacheSize(size int) *RegoRule {
	if size < 1 {
		size = 1
	}
	return &RegoRule{capacity: size, order: list.New(), cache: map[string]regoEntry{}}
}

func (r *RegoRule) Name() string { return "rego" }

func (r *RegoRule) Description() string {
	return "evaluates data.vouch.outcome from a Rego module in the expected value or parameters"
}

// Evaluate runs the module. A module that fails to compile or evaluate is
// a rule fault and returns an error.
func (r *RegoRule) Evaluate(ctx context.Context, in Input) (model.Outcome, string, error) {
	module, ok := lookupString(in.Expected.Baseline, "rego")
	if !ok {
		module, ok = lookupString(in.Parameters, "rego")
	}
	if !ok || module == "" {
		return model.Indeterminate, "no rego module in expected value or parameters", nil
	}

	query, err := r.prepare(ctx, module)
	if err != nil {
		return "", "", err
	}

	input := map[string]any{
		"claim":      in.Claim.Payload,
		"expected":   in.Expected.Baseline,
		"parameters": in.Parameters,
		"element":    in.Claim.ElementID,
		"policy":     in.Claim.PolicyID,
	}
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("evaluate rego: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return model.Indeterminate, "rego produced no result", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return model.Indeterminate, "rego data.vouch is not an object", nil
	}
	message, _ := doc["message"].(string)

	switch v := doc["outcome"].(type) {
	case nil:
		return model.Indeterminate, withDefault(message, "rego outcome is undefined"), nil
	case bool:
		if v {
			return model.Pass, withDefault(message, "rego outcome is true"), nil
		}
		return model.Fail, withDefault(message, "rego outcome is false"), nil
	case string:
		o, err := model.ParseOutcome(v)
		if err != nil {
			return "", "", fmt.Errorf("rego outcome: %w", err)
		}
		return o, withDefault(message, "rego outcome is "+string(o)), nil
	default:
		return "", "", fmt.Errorf("rego outcome has unsupported type %T", v)
	}
}

func (r *RegoRule) prepare(ctx context.Context, module string) (rego.PreparedEvalQuery, error) {
	sum := sha256.Sum256([]byte(module))
	key := hex.EncodeToString(sum[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[key]; ok {
		r.order.MoveToFront(e.elem)
		return e.query, nil
	}

	q, err := rego.New(
		rego.Query(RegoQuery),
		rego.Module("vouch-"+key[:12]+".rego", module),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("compile rego: %w", err)
	}

	for r.order.Len() >= r.capacity {
		oldest := r.order.Back()
		delete(r.cache, oldest.Value.(string))
		r.order.Remove(oldest)
	}
	r.cache[key] = regoEntry{query: q, elem: r.order.PushFront(key)}
	return q, nil
}

// cached reports how many prepared modules are held.
func (r *RegoRule) cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func withDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
