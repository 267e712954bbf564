package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession records a new session and its whitelist rule in one
// transaction. The rule starts unconfirmed; the filter adapter flips
// the flag once the live rule is in place.
func (s *Store) CreateSession(userID, address, userAgent, token, chain string, ttl time.Duration) (*Session, *RuleRecord, error) {
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Address:   address,
		UserAgent: userAgent,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Active:    true,
	}
	rule := &RuleRecord{
		ID:        uuid.NewString(),
		Address:   address,
		Kind:      KindWhitelist,
		Chain:     chain,
		UserID:    userID,
		SessionID: sess.ID,
		Active:    true,
		CreatedAt: now,
	}
	if err := validateRule(rule.Kind, rule.UserID, rule.SessionID); err != nil {
		return nil, nil, err
	}

	err := s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sessions (id, user_id, address, user_agent, token, created_at, expires_at, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			sess.ID, sess.UserID, sess.Address, sess.UserAgent, sess.Token,
			storeTime(sess.CreatedAt), storeTime(sess.ExpiresAt))
		if err != nil {
			return fmt.Errorf("ledger: create session: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO rules (id, address, kind, chain, user_id, session_id, active, confirmed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?)`,
			rule.ID, rule.Address, string(rule.Kind), rule.Chain,
			nullString(rule.UserID), nullString(rule.SessionID), storeTime(rule.CreatedAt))
		if err != nil {
			return fmt.Errorf("ledger: create session rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, rule, nil
}

// SessionByToken fetches a session by its opaque token.
func (s *Store) SessionByToken(token string) (*Session, error) {
	return s.scanSession(s.db.QueryRow(sessionSelect+" WHERE token = ?", token))
}

// SessionByID fetches a session by id.
func (s *Store) SessionByID(id string) (*Session, error) {
	return s.scanSession(s.db.QueryRow(sessionSelect+" WHERE id = ?", id))
}

// EndSession terminates a session and deactivates its whitelist rule in
// one transaction. Ending an already-ended session returns ErrInactive.
func (s *Store) EndSession(id string) error {
	now := s.now()
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE sessions SET active = 0, ended_at = ?
			WHERE id = ? AND active = 1`,
			storeTime(now), id)
		if err != nil {
			return fmt.Errorf("ledger: end session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := s.sessionExistsTx(tx, id); err != nil {
				return err
			}
			return ErrInactive
		}
		_, err = tx.Exec(`
			UPDATE rules SET active = 0, removed_at = ?
			WHERE session_id = ? AND active = 1`,
			storeTime(now), id)
		if err != nil {
			return fmt.Errorf("ledger: deactivate session rule: %w", err)
		}
		return nil
	})
}

// ExtendSession pushes a session's expiry to now+d. Only active,
// unexpired sessions can be extended.
func (s *Store) ExtendSession(id string, d time.Duration) (time.Time, error) {
	now := s.now()
	until := now.Add(d)
	res, err := s.db.Exec(`
		UPDATE sessions SET expires_at = ?
		WHERE id = ? AND active = 1 AND expires_at > ?`,
		storeTime(until), id, storeTime(now))
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger: extend session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		if _, err := s.SessionByID(id); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, ErrInactive
	}
	return until, nil
}

// ExpiredSessions returns the sessions still marked active whose
// validity window has passed as of now.
func (s *Store) ExpiredSessions(now time.Time) ([]*Session, error) {
	rows, err := s.db.Query(sessionSelect+" WHERE active = 1 AND expires_at <= ?",
		storeTime(now.UTC().Truncate(time.Second)))
	if err != nil {
		return nil, fmt.Errorf("ledger: list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ActiveSessionCount reports how many sessions are currently active.
func (s *Store) ActiveSessionCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE active = 1`).Scan(&n)
	return n, err
}

const sessionSelect = `
	SELECT id, user_id, address, user_agent, token, created_at, expires_at, active, ended_at
	FROM sessions`

func (s *Store) scanSession(row *sql.Row) (*Session, error) {
	var (
		sess      Session
		createdAt int64
		expiresAt int64
		active    int
		endedAt   sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Address, &sess.UserAgent, &sess.Token,
		&createdAt, &expiresAt, &active, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan session: %w", err)
	}
	fillSession(&sess, createdAt, expiresAt, active, endedAt)
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	var (
		sess      Session
		createdAt int64
		expiresAt int64
		active    int
		endedAt   sql.NullInt64
	)
	err := rows.Scan(&sess.ID, &sess.UserID, &sess.Address, &sess.UserAgent, &sess.Token,
		&createdAt, &expiresAt, &active, &endedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: scan session: %w", err)
	}
	fillSession(&sess, createdAt, expiresAt, active, endedAt)
	return &sess, nil
}

func fillSession(sess *Session, createdAt, expiresAt int64, active int, endedAt sql.NullInt64) {
	sess.CreatedAt = loadTime(createdAt)
	sess.ExpiresAt = loadTime(expiresAt)
	sess.Active = active != 0
	sess.EndedAt = loadNullTime(endedAt)
}

func (s *Store) sessionExistsTx(tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
