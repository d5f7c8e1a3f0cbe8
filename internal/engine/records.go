package engine

import (
	"context"
	"slices"
	"time"

	"github.com/roach88/vouch/internal/model"
)

// AddElement registers an element, assigning an item ID when none is set.
// Names must be unique among non-archived elements.
func (e *Engine) AddElement(ctx context.Context, el model.Element) (model.Element, error) {
	if el.Name == "" {
		return model.Element{}, model.NewError(model.KindInvalidArgument, "element name is required")
	}
	if _, err := e.repo.GetElementByName(ctx, el.Name); err == nil {
		return model.Element{}, model.NewError(model.KindInvalidArgument, "element name %q is already in use", el.Name)
	} else if !model.IsNotFound(err) {
		return model.Element{}, model.Storage("get element by name", err)
	}

	if el.ItemID == "" {
		el.ItemID = e.ids.Generate()
	}
	if el.Types == nil {
		el.Types = []string{}
	}
	el.ArchivedAt = nil
	if err := e.repo.AddElement(ctx, el); err != nil {
		return model.Element{}, model.Storage("add element", err)
	}
	e.logger.Debug("element added", "element", el.ItemID, "name", el.Name)
	return el, nil
}

// ArchiveElement soft-deletes an element. Archived elements stay
// attestable but are no longer found by name.
func (e *Engine) ArchiveElement(ctx context.Context, id string) error {
	if err := e.repo.ArchiveElement(ctx, id, e.clock.Now()); err != nil {
		return model.Storage("archive element", err)
	}
	return nil
}

// GetElement returns one element.
func (e *Engine) GetElement(ctx context.Context, id string) (model.Element, error) {
	el, err := e.repo.GetElement(ctx, id)
	return el, model.Storage("get element", err)
}

// GetElementByName returns the non-archived element with the name.
func (e *Engine) GetElementByName(ctx context.Context, name string) (model.Element, error) {
	el, err := e.repo.GetElementByName(ctx, name)
	return el, model.Storage("get element by name", err)
}

// ListElements returns the non-archived elements, or only those with the
// given type tag when elementType is set.
func (e *Engine) ListElements(ctx context.Context, elementType string) ([]model.Element, error) {
	var (
		els []model.Element
		err error
	)
	if elementType != "" {
		els, err = e.repo.ListElementsByType(ctx, elementType)
	} else {
		els, err = e.repo.ListElements(ctx)
	}
	if err != nil {
		return nil, model.Storage("list elements", err)
	}
	return els, nil
}

// ListArchivedElements returns the archived elements.
func (e *Engine) ListArchivedElements(ctx context.Context) ([]model.Element, error) {
	els, err := e.repo.ListArchivedElements(ctx)
	if err != nil {
		return nil, model.Storage("list archived elements", err)
	}
	return els, nil
}

// ElementTypes returns the sorted set of type tags carried by non-archived
// elements.
func (e *Engine) ElementTypes(ctx context.Context) ([]string, error) {
	els, err := e.repo.ListElements(ctx)
	if err != nil {
		return nil, model.Storage("list elements", err)
	}
	types := []string{}
	for _, el := range els {
		for _, t := range el.Types {
			if !slices.Contains(types, t) {
				types = append(types, t)
			}
		}
	}
	slices.Sort(types)
	return types, nil
}

// UpdateElement replaces an element's fields. The archive state is kept
// and the name must not belong to another non-archived element.
func (e *Engine) UpdateElement(ctx context.Context, el model.Element) (model.Element, error) {
	if el.ItemID == "" || el.Name == "" {
		return model.Element{}, model.NewError(model.KindInvalidArgument, "element item ID and name are required")
	}
	current, err := e.repo.GetElement(ctx, el.ItemID)
	if err != nil {
		return model.Element{}, model.Storage("get element", err)
	}
	other, err := e.repo.GetElementByName(ctx, el.Name)
	switch {
	case err == nil && other.ItemID != el.ItemID:
		return model.Element{}, model.NewError(model.KindInvalidArgument, "element name %q is already in use", el.Name)
	case err != nil && !model.IsNotFound(err):
		return model.Element{}, model.Storage("get element by name", err)
	}

	if el.Types == nil {
		el.Types = []string{}
	}
	el.ArchivedAt = current.ArchivedAt
	if err := e.repo.UpdateElement(ctx, el); err != nil {
		return model.Element{}, model.Storage("update element", err)
	}
	e.logger.Debug("element updated", "element", el.ItemID)
	return el, nil
}

// AddPolicy registers a policy, assigning an item ID when none is set.
func (e *Engine) AddPolicy(ctx context.Context, p model.Policy) (model.Policy, error) {
	if p.Name == "" {
		return model.Policy{}, model.NewError(model.KindInvalidArgument, "policy name is required")
	}
	if p.ItemID == "" {
		p.ItemID = e.ids.Generate()
	}
	if p.Parameters == nil {
		p.Parameters = map[string]any{}
	}
	if err := e.repo.AddPolicy(ctx, p); err != nil {
		return model.Policy{}, model.Storage("add policy", err)
	}
	return p, nil
}

// GetPolicy returns one policy.
func (e *Engine) GetPolicy(ctx context.Context, id string) (model.Policy, error) {
	p, err := e.repo.GetPolicy(ctx, id)
	return p, model.Storage("get policy", err)
}

// GetPolicyByName returns the policy with the name.
func (e *Engine) GetPolicyByName(ctx context.Context, name string) (model.Policy, error) {
	p, err := e.repo.GetPolicyByName(ctx, name)
	return p, model.Storage("get policy by name", err)
}

// ListPolicies returns every policy.
func (e *Engine) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	ps, err := e.repo.ListPolicies(ctx)
	if err != nil {
		return nil, model.Storage("list policies", err)
	}
	return ps, nil
}

// UpdatePolicy replaces a policy's fields.
func (e *Engine) UpdatePolicy(ctx context.Context, p model.Policy) (model.Policy, error) {
	if p.ItemID == "" || p.Name == "" {
		return model.Policy{}, model.NewError(model.KindInvalidArgument, "policy item ID and name are required")
	}
	if p.Parameters == nil {
		p.Parameters = map[string]any{}
	}
	if err := e.repo.UpdatePolicy(ctx, p); err != nil {
		return model.Policy{}, model.Storage("update policy", err)
	}
	return p, nil
}

// DeletePolicy removes a policy. Claims and results keep the policy ID
// they were recorded with.
func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if err := e.repo.DeletePolicy(ctx, id); err != nil {
		return model.Storage("delete policy", err)
	}
	e.logger.Debug("policy deleted", "policy", id)
	return nil
}

// AddExpectedValue registers a baseline for an existing element and policy.
func (e *Engine) AddExpectedValue(ctx context.Context, ev model.ExpectedValue) (model.ExpectedValue, error) {
	if _, err := e.repo.GetElement(ctx, ev.ElementID); err != nil {
		return model.ExpectedValue{}, model.Storage("get element", err)
	}
	if _, err := e.repo.GetPolicy(ctx, ev.PolicyID); err != nil {
		return model.ExpectedValue{}, model.Storage("get policy", err)
	}
	if ev.ItemID == "" {
		ev.ItemID = e.ids.Generate()
	}
	if ev.Baseline == nil {
		ev.Baseline = map[string]any{}
	}
	if err := e.repo.AddExpectedValue(ctx, ev); err != nil {
		return model.ExpectedValue{}, model.Storage("add expected value", err)
	}
	return ev, nil
}

// ExpectedValueFor returns the baseline verification would use for the
// pair: the most recently inserted one.
func (e *Engine) ExpectedValueFor(ctx context.Context, elementID, policyID string) (model.ExpectedValue, error) {
	ev, err := e.repo.FindExpectedValue(ctx, elementID, policyID)
	return ev, model.Storage("find expected value", err)
}

// GetExpectedValue returns one baseline.
func (e *Engine) GetExpectedValue(ctx context.Context, id string) (model.ExpectedValue, error) {
	ev, err := e.repo.GetExpectedValue(ctx, id)
	return ev, model.Storage("get expected value", err)
}

// ListExpectedValues returns the baselines for an element, a policy or
// both. With neither set it returns the baselines of every policy.
func (e *Engine) ListExpectedValues(ctx context.Context, elementID, policyID string) ([]model.ExpectedValue, error) {
	if elementID != "" {
		evs, err := e.repo.ListExpectedValuesByElement(ctx, elementID)
		if err != nil {
			return nil, model.Storage("list expected values", err)
		}
		if policyID == "" {
			return evs, nil
		}
		return slices.DeleteFunc(evs, func(ev model.ExpectedValue) bool { return ev.PolicyID != policyID }), nil
	}

	policyIDs := []string{policyID}
	if policyID == "" {
		ps, err := e.ListPolicies(ctx)
		if err != nil {
			return nil, err
		}
		policyIDs = policyIDs[:0]
		for _, p := range ps {
			policyIDs = append(policyIDs, p.ItemID)
		}
	}
	evs := []model.ExpectedValue{}
	for _, pid := range policyIDs {
		batch, err := e.repo.ListExpectedValuesByPolicy(ctx, pid)
		if err != nil {
			return nil, model.Storage("list expected values", err)
		}
		evs = append(evs, batch...)
	}
	return evs, nil
}

// GetClaim returns one claim.
func (e *Engine) GetClaim(ctx context.Context, id string) (model.Claim, error) {
	c, err := e.repo.GetClaim(ctx, id)
	return c, model.Storage("get claim", err)
}

// GetResult returns one result.
func (e *Engine) GetResult(ctx context.Context, id string) (model.Result, error) {
	r, err := e.repo.GetResult(ctx, id)
	return r, model.Storage("get result", err)
}

// ResultsSince returns results verified strictly after since, newest
// first. Results without a verification time are excluded.
func (e *Engine) ResultsSince(ctx context.Context, since time.Time, limit int) ([]model.Result, error) {
	return e.ListResults(ctx, model.Query{Since: &since, Limit: limit})
}

// LatestResults returns the n most recently verified results.
func (e *Engine) LatestResults(ctx context.Context, n int) ([]model.Result, error) {
	return e.ListResults(ctx, model.Query{Limit: n})
}

// ListResults returns results matching q, newest first.
func (e *Engine) ListResults(ctx context.Context, q model.Query) ([]model.Result, error) {
	rs, err := e.repo.ListResults(ctx, q)
	if err != nil {
		return nil, model.Storage("list results", err)
	}
	return rs, nil
}

// ResultsForClaim returns every result verified from the claim, newest
// first.
func (e *Engine) ResultsForClaim(ctx context.Context, claimID string) ([]model.Result, error) {
	return e.ListResults(ctx, model.Query{ClaimID: claimID})
}

// ClaimsForElement returns the n most recent claims for an element.
func (e *Engine) ClaimsForElement(ctx context.Context, elementID string, n int) ([]model.Claim, error) {
	return e.ListClaims(ctx, model.Query{ElementID: elementID, Limit: n})
}

// ListClaims returns claims matching q, newest first.
func (e *Engine) ListClaims(ctx context.Context, q model.Query) ([]model.Claim, error) {
	cs, err := e.repo.ListClaims(ctx, q)
	if err != nil {
		return nil, model.Storage("list claims", err)
	}
	return cs, nil
}
