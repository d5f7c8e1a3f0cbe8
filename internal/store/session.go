package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/vouch/internal/model"
)

const (
	memberClaim   = "claim"
	memberResult  = "result"
	memberSession = "session"
)

// AddSession inserts a session together with any initial members.
func (s *Store) AddSession(ctx context.Context, sess model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add session: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (item_id, opened_at, closed_at, parent_session)
		VALUES (?, ?, ?, ?)
	`, sess.ItemID, sess.OpenedAt.UnixNano(), nanos(sess.ClosedAt), sess.ParentSession)
	if err != nil {
		return fmt.Errorf("add session: %w", err)
	}

	members := []struct {
		kind string
		ids  []string
	}{
		{memberClaim, sess.Claims},
		{memberResult, sess.Results},
		{memberSession, sess.Sessions},
	}
	for _, m := range members {
		for _, id := range m.ids {
			if err := insertMember(ctx, tx, sess.ItemID, m.kind, id); err != nil {
				return fmt.Errorf("add session: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add session: commit: %w", err)
	}
	return nil
}

// CloseSession records the close time. Closing a closed session keeps the
// first close time.
func (s *Store) CloseSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = COALESCE(closed_at, ?) WHERE item_id = ?
	`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return expectRow(res, "session", id)
}

// AppendSessionClaim appends a claim ID to the session's claim list.
func (s *Store) AppendSessionClaim(ctx context.Context, sessionID, claimID string) error {
	return s.appendMember(ctx, sessionID, memberClaim, claimID)
}

// AppendSessionResult appends a result ID to the session's result list.
func (s *Store) AppendSessionResult(ctx context.Context, sessionID, resultID string) error {
	return s.appendMember(ctx, sessionID, memberResult, resultID)
}

// AppendSessionChild appends a child session ID to the session's child list.
func (s *Store) AppendSessionChild(ctx context.Context, sessionID, childID string) error {
	return s.appendMember(ctx, sessionID, memberSession, childID)
}

// SetSessionParent sets the parent pointer of a session.
func (s *Store) SetSessionParent(ctx context.Context, sessionID, parentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET parent_session = ? WHERE item_id = ?
	`, parentID, sessionID)
	if err != nil {
		return fmt.Errorf("set session parent: %w", err)
	}
	return expectRow(res, "session", sessionID)
}

func (s *Store) appendMember(ctx context.Context, sessionID, kind, memberID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append session %s: begin tx: %w", kind, err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE item_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFound("session", sessionID)
	}
	if err != nil {
		return fmt.Errorf("append session %s: %w", kind, err)
	}

	if err := insertMember(ctx, tx, sessionID, kind, memberID); err != nil {
		return fmt.Errorf("append session %s: %w", kind, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append session %s: commit: %w", kind, err)
	}
	return nil
}

func insertMember(ctx context.Context, tx *sql.Tx, sessionID, kind, memberID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_members (session_id, kind, member_id) VALUES (?, ?, ?)
	`, sessionID, kind, memberID)
	return err
}

// GetSession returns a session with its ordered member lists.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT item_id, opened_at, closed_at, parent_session
		FROM sessions
		WHERE item_id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, model.NotFound("session", id)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}

	if err := s.loadMembers(ctx, &sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// ListSessions returns sessions in the given state in opening order.
// An empty state lists every session.
func (s *Store) ListSessions(ctx context.Context, state model.SessionState) ([]model.Session, error) {
	query := `SELECT item_id, opened_at, closed_at, parent_session FROM sessions`
	switch state {
	case model.SessionOpen:
		query += ` WHERE closed_at IS NULL`
	case model.SessionClosed:
		query += ` WHERE closed_at IS NOT NULL`
	case "":
	default:
		return nil, fmt.Errorf("list sessions: unknown state %q", state)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	sessions := []model.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	rows.Close()

	// Members are loaded after the cursor is closed: the pool holds a
	// single connection.
	for i := range sessions {
		if err := s.loadMembers(ctx, &sessions[i]); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (s *Store) loadMembers(ctx context.Context, sess *model.Session) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, member_id FROM session_members
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sess.ItemID)
	if err != nil {
		return fmt.Errorf("query session members: %w", err)
	}
	defer rows.Close()

	sess.Claims, sess.Results, sess.Sessions = []string{}, []string{}, []string{}
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return fmt.Errorf("scan session member: %w", err)
		}
		switch kind {
		case memberClaim:
			sess.Claims = append(sess.Claims, id)
		case memberResult:
			sess.Results = append(sess.Results, id)
		case memberSession:
			sess.Sessions = append(sess.Sessions, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate session members: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		sess   model.Session
		opened int64
		closed sql.NullInt64
	)
	if err := row.Scan(&sess.ItemID, &opened, &closed, &sess.ParentSession); err != nil {
		return model.Session{}, err
	}
	sess.OpenedAt = time.Unix(0, opened).UTC()
	sess.ClosedAt = fromNanos(closed)
	return sess, nil
}
