package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/vouch/internal/model"
)

// AddElement inserts an element. Duplicate item IDs are rejected.
func (s *Store) AddElement(ctx context.Context, e model.Element) error {
	types, err := marshalStrings(e.Types)
	if err != nil {
		return fmt.Errorf("add element: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO elements
		(item_id, name, description, types, endpoint, protocol, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ItemID,
		e.Name,
		e.Description,
		types,
		e.Endpoint,
		e.Protocol,
		nanos(e.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("add element: %w", err)
	}
	return nil
}

// UpdateElement replaces every mutable field of an existing element.
func (s *Store) UpdateElement(ctx context.Context, e model.Element) error {
	types, err := marshalStrings(e.Types)
	if err != nil {
		return fmt.Errorf("update element: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE elements
		SET name = ?, description = ?, types = ?, endpoint = ?, protocol = ?, archived_at = ?
		WHERE item_id = ?
	`,
		e.Name,
		e.Description,
		types,
		e.Endpoint,
		e.Protocol,
		nanos(e.ArchivedAt),
		e.ItemID,
	)
	if err != nil {
		return fmt.Errorf("update element: %w", err)
	}
	return expectRow(res, "element", e.ItemID)
}

// ArchiveElement soft-deletes an element. Archiving twice keeps the first
// timestamp.
func (s *Store) ArchiveElement(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE elements SET archived_at = COALESCE(archived_at, ?) WHERE item_id = ?
	`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("archive element: %w", err)
	}
	return expectRow(res, "element", id)
}

// AddPolicy inserts a policy.
func (s *Store) AddPolicy(ctx context.Context, p model.Policy) error {
	params, err := marshalObject(p.Parameters)
	if err != nil {
		return fmt.Errorf("add policy: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (item_id, name, description, intent, parameters)
		VALUES (?, ?, ?, ?, ?)
	`, p.ItemID, p.Name, p.Description, p.Intent, params)
	if err != nil {
		return fmt.Errorf("add policy: %w", err)
	}
	return nil
}

// UpdatePolicy replaces an existing policy.
func (s *Store) UpdatePolicy(ctx context.Context, p model.Policy) error {
	params, err := marshalObject(p.Parameters)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET name = ?, description = ?, intent = ?, parameters = ?
		WHERE item_id = ?
	`, p.Name, p.Description, p.Intent, params, p.ItemID)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	return expectRow(res, "policy", p.ItemID)
}

// DeletePolicy removes a policy. Claims keep the policy ID they were
// recorded with.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE item_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	return expectRow(res, "policy", id)
}

// AddExpectedValue inserts a baseline. Several baselines may exist for one
// (element, policy) pair; the latest insert wins in FindExpectedValue.
func (s *Store) AddExpectedValue(ctx context.Context, ev model.ExpectedValue) error {
	baseline, err := marshalObject(ev.Baseline)
	if err != nil {
		return fmt.Errorf("add expected value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO expected_values
		(item_id, name, description, element_id, policy_id, baseline)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ItemID, ev.Name, ev.Description, ev.ElementID, ev.PolicyID, baseline)
	if err != nil {
		return fmt.Errorf("add expected value: %w", err)
	}
	return nil
}

// AddClaim inserts a claim. Claims are never updated afterwards.
func (s *Store) AddClaim(ctx context.Context, c model.Claim) error {
	params, err := marshalObject(c.Parameters)
	if err != nil {
		return fmt.Errorf("add claim: %w", err)
	}
	payload, err := marshalObject(c.Payload)
	if err != nil {
		return fmt.Errorf("add claim: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO claims
		(item_id, element_id, policy_id, protocol, intent, parameters, payload,
		 payload_digest, requested_at, received_at, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ItemID,
		c.ElementID,
		c.PolicyID,
		c.Protocol,
		c.Intent,
		params,
		payload,
		c.PayloadDigest,
		nanos(c.RequestedAt),
		nanos(c.ReceivedAt),
		c.SessionID,
	)
	if err != nil {
		return fmt.Errorf("add claim: %w", err)
	}
	return nil
}

// AddResult inserts a result. Results are never updated afterwards.
func (s *Store) AddResult(ctx context.Context, r model.Result) error {
	params, err := marshalObject(r.Parameters)
	if err != nil {
		return fmt.Errorf("add result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results
		(item_id, claim_id, element_id, policy_id, expected_value_id, rule_name,
		 outcome, message, parameters, verified_at, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ItemID,
		r.ClaimID,
		r.ElementID,
		r.PolicyID,
		r.ExpectedValueID,
		r.RuleName,
		string(r.Outcome),
		r.Message,
		params,
		nanos(r.VerifiedAt),
		r.SessionID,
	)
	if err != nil {
		return fmt.Errorf("add result: %w", err)
	}
	return nil
}

// expectRow converts "no rows affected" into NOT_FOUND.
func expectRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", entity, err)
	}
	if n == 0 {
		return model.NotFound(entity, id)
	}
	return nil
}
