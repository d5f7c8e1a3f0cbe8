package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/vouch/internal/model"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const elementColumns = `item_id, name, description, types, endpoint, protocol, archived_at`

// GetElement retrieves an element by item ID, archived or not.
func (s *Store) GetElement(ctx context.Context, id string) (model.Element, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+elementColumns+` FROM elements WHERE item_id = ?`, id)
	e, err := scanElement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Element{}, model.NotFound("element", id)
	}
	if err != nil {
		return model.Element{}, fmt.Errorf("get element: %w", err)
	}
	return e, nil
}

// GetElementByName retrieves the most recently added non-archived element
// with the given name.
func (s *Store) GetElementByName(ctx context.Context, name string) (model.Element, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+elementColumns+` FROM elements
		WHERE name = ? AND archived_at IS NULL
		ORDER BY seq DESC
		LIMIT 1
	`, name)
	e, err := scanElement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Element{}, model.NotFound("element", name)
	}
	if err != nil {
		return model.Element{}, fmt.Errorf("get element by name: %w", err)
	}
	return e, nil
}

// ListElements returns non-archived elements in insertion order.
func (s *Store) ListElements(ctx context.Context) ([]model.Element, error) {
	return s.queryElements(ctx, `WHERE archived_at IS NULL`)
}

// ListArchivedElements returns archived elements in insertion order.
func (s *Store) ListArchivedElements(ctx context.Context) ([]model.Element, error) {
	return s.queryElements(ctx, `WHERE archived_at IS NOT NULL`)
}

// ListElementsByType returns non-archived elements carrying the type tag.
func (s *Store) ListElementsByType(ctx context.Context, elementType string) ([]model.Element, error) {
	all, err := s.ListElements(ctx)
	if err != nil {
		return nil, err
	}
	matched := []model.Element{}
	for _, e := range all {
		if e.HasType(elementType) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (s *Store) queryElements(ctx context.Context, where string) ([]model.Element, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+elementColumns+` FROM elements `+where+` ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query elements: %w", err)
	}
	defer rows.Close()

	elements := []model.Element{}
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan element: %w", err)
		}
		elements = append(elements, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate elements: %w", err)
	}
	return elements, nil
}

func scanElement(row rowScanner) (model.Element, error) {
	var (
		e        model.Element
		types    string
		archived sql.NullInt64
	)
	if err := row.Scan(&e.ItemID, &e.Name, &e.Description, &types, &e.Endpoint, &e.Protocol, &archived); err != nil {
		return model.Element{}, err
	}
	parsed, err := unmarshalStrings(types)
	if err != nil {
		return model.Element{}, err
	}
	e.Types = parsed
	e.ArchivedAt = fromNanos(archived)
	return e, nil
}

const policyColumns = `item_id, name, description, intent, parameters`

// GetPolicy retrieves a policy by item ID.
func (s *Store) GetPolicy(ctx context.Context, id string) (model.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE item_id = ?`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Policy{}, model.NotFound("policy", id)
	}
	if err != nil {
		return model.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// GetPolicyByName retrieves the most recently added policy with the name.
func (s *Store) GetPolicyByName(ctx context.Context, name string) (model.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM policies WHERE name = ? ORDER BY seq DESC LIMIT 1
	`, name)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Policy{}, model.NotFound("policy", name)
	}
	if err != nil {
		return model.Policy{}, fmt.Errorf("get policy by name: %w", err)
	}
	return p, nil
}

// ListPolicies returns all policies in insertion order.
func (s *Store) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	policies := []model.Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}

func scanPolicy(row rowScanner) (model.Policy, error) {
	var (
		p      model.Policy
		params string
	)
	if err := row.Scan(&p.ItemID, &p.Name, &p.Description, &p.Intent, &params); err != nil {
		return model.Policy{}, err
	}
	obj, err := unmarshalObject(params)
	if err != nil {
		return model.Policy{}, err
	}
	p.Parameters = obj
	return p, nil
}

const expectedValueColumns = `item_id, name, description, element_id, policy_id, baseline`

// GetExpectedValue retrieves a baseline by item ID.
func (s *Store) GetExpectedValue(ctx context.Context, id string) (model.ExpectedValue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expectedValueColumns+` FROM expected_values WHERE item_id = ?`, id)
	ev, err := scanExpectedValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExpectedValue{}, model.NotFound("expected value", id)
	}
	if err != nil {
		return model.ExpectedValue{}, fmt.Errorf("get expected value: %w", err)
	}
	return ev, nil
}

// FindExpectedValue returns the most recently inserted baseline for the
// (element, policy) pair.
func (s *Store) FindExpectedValue(ctx context.Context, elementID, policyID string) (model.ExpectedValue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+expectedValueColumns+` FROM expected_values
		WHERE element_id = ? AND policy_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, elementID, policyID)
	ev, err := scanExpectedValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExpectedValue{}, model.NotFound("expected value", elementID+"/"+policyID)
	}
	if err != nil {
		return model.ExpectedValue{}, fmt.Errorf("find expected value: %w", err)
	}
	return ev, nil
}

// ListExpectedValuesByElement returns baselines for an element in insertion order.
func (s *Store) ListExpectedValuesByElement(ctx context.Context, elementID string) ([]model.ExpectedValue, error) {
	return s.queryExpectedValues(ctx, `element_id = ?`, elementID)
}

// ListExpectedValuesByPolicy returns baselines for a policy in insertion order.
func (s *Store) ListExpectedValuesByPolicy(ctx context.Context, policyID string) ([]model.ExpectedValue, error) {
	return s.queryExpectedValues(ctx, `policy_id = ?`, policyID)
}

func (s *Store) queryExpectedValues(ctx context.Context, where string, arg string) ([]model.ExpectedValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+expectedValueColumns+` FROM expected_values WHERE `+where+` ORDER BY seq ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("query expected values: %w", err)
	}
	defer rows.Close()

	evs := []model.ExpectedValue{}
	for rows.Next() {
		ev, err := scanExpectedValue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expected value: %w", err)
		}
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expected values: %w", err)
	}
	return evs, nil
}

func scanExpectedValue(row rowScanner) (model.ExpectedValue, error) {
	var (
		ev       model.ExpectedValue
		baseline string
	)
	if err := row.Scan(&ev.ItemID, &ev.Name, &ev.Description, &ev.ElementID, &ev.PolicyID, &baseline); err != nil {
		return model.ExpectedValue{}, err
	}
	obj, err := unmarshalObject(baseline)
	if err != nil {
		return model.ExpectedValue{}, err
	}
	ev.Baseline = obj
	return ev, nil
}

const claimColumns = `item_id, element_id, policy_id, protocol, intent, parameters, payload,
	payload_digest, requested_at, received_at, session_id`

// GetClaim retrieves a claim by item ID.
func (s *Store) GetClaim(ctx context.Context, id string) (model.Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE item_id = ?`, id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Claim{}, model.NotFound("claim", id)
	}
	if err != nil {
		return model.Claim{}, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// ListClaims returns claims matching q, newest request first. Claims
// without a request time sort last and never match a Since filter.
func (s *Store) ListClaims(ctx context.Context, q model.Query) ([]model.Claim, error) {
	where, args := buildFilter(q, "requested_at", false)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM claims`+where+`
		ORDER BY requested_at IS NULL, requested_at DESC, seq DESC`+limitClause(q.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	claims := []model.Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	return claims, nil
}

func scanClaim(row rowScanner) (model.Claim, error) {
	var (
		c                   model.Claim
		params, payload     string
		requested, received sql.NullInt64
	)
	err := row.Scan(&c.ItemID, &c.ElementID, &c.PolicyID, &c.Protocol, &c.Intent,
		&params, &payload, &c.PayloadDigest, &requested, &received, &c.SessionID)
	if err != nil {
		return model.Claim{}, err
	}
	if c.Parameters, err = unmarshalObject(params); err != nil {
		return model.Claim{}, err
	}
	if c.Payload, err = unmarshalObject(payload); err != nil {
		return model.Claim{}, err
	}
	c.RequestedAt = fromNanos(requested)
	c.ReceivedAt = fromNanos(received)
	return c, nil
}

const resultColumns = `item_id, claim_id, element_id, policy_id, expected_value_id, rule_name,
	outcome, message, parameters, verified_at, session_id`

// GetResult retrieves a result by item ID.
func (s *Store) GetResult(ctx context.Context, id string) (model.Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE item_id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Result{}, model.NotFound("result", id)
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("get result: %w", err)
	}
	return r, nil
}

// ListResults returns results matching q, newest verification first.
// Results without a verification time sort last and never match a Since
// filter.
func (s *Store) ListResults(ctx context.Context, q model.Query) ([]model.Result, error) {
	where, args := buildFilter(q, "verified_at", true)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM results`+where+`
		ORDER BY verified_at IS NULL, verified_at DESC, seq DESC`+limitClause(q.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	results := []model.Result{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

func scanResult(row rowScanner) (model.Result, error) {
	var (
		r        model.Result
		outcome  string
		params   string
		verified sql.NullInt64
	)
	err := row.Scan(&r.ItemID, &r.ClaimID, &r.ElementID, &r.PolicyID, &r.ExpectedValueID,
		&r.RuleName, &outcome, &r.Message, &params, &verified, &r.SessionID)
	if err != nil {
		return model.Result{}, err
	}
	r.Outcome = model.Outcome(outcome)
	if r.Parameters, err = unmarshalObject(params); err != nil {
		return model.Result{}, err
	}
	r.VerifiedAt = fromNanos(verified)
	return r, nil
}

// buildFilter renders the WHERE clause for a claim or result query.
// withClaim enables the claim_id filter, which only results carry.
func buildFilter(q model.Query, timeColumn string, withClaim bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.ElementID != "" {
		conds = append(conds, "element_id = ?")
		args = append(args, q.ElementID)
	}
	if q.PolicyID != "" {
		conds = append(conds, "policy_id = ?")
		args = append(args, q.PolicyID)
	}
	if withClaim && q.ClaimID != "" {
		conds = append(conds, "claim_id = ?")
		args = append(args, q.ClaimID)
	}
	if q.Since != nil {
		conds = append(conds, timeColumn+" IS NOT NULL AND "+timeColumn+" > ?")
		args = append(args, q.Since.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
