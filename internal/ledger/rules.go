package ledger

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ActiveAddresses returns the distinct addresses the ledger intends to
// be present in the given chain.
func (s *Store) ActiveAddresses(chain string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT address FROM rules
		WHERE chain = ? AND active = 1
		ORDER BY address`, chain)
	if err != nil {
		return nil, fmt.Errorf("ledger: list active addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// ActiveRules returns every active rule record for a chain.
func (s *Store) ActiveRules(chain string) ([]*RuleRecord, error) {
	rows, err := s.db.Query(ruleSelect+" WHERE chain = ? AND active = 1", chain)
	if err != nil {
		return nil, fmt.Errorf("ledger: list active rules: %w", err)
	}
	defer rows.Close()

	var out []*RuleRecord
	for rows.Next() {
		r, err := scanRuleRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRuleForSession fetches the active whitelist rule owned by a
// session.
func (s *Store) ActiveRuleForSession(sessionID string) (*RuleRecord, error) {
	return s.scanRule(s.db.QueryRow(ruleSelect+" WHERE session_id = ? AND active = 1", sessionID))
}

// MarkRuleConfirmed flags a single rule as verified present in the
// live filter.
func (s *Store) MarkRuleConfirmed(id string) error {
	res, err := s.db.Exec(`UPDATE rules SET confirmed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ledger: confirm rule: %w", err)
	}
	return requireRows(res)
}

// MarkRulesConfirmed flags every active rule for the given addresses in
// a chain as verified present, in one transaction. Used at the end of a
// reconciliation pass so a crash mid-update never leaves a half-flagged
// batch.
func (s *Store) MarkRulesConfirmed(chain string, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			UPDATE rules SET confirmed = 1
			WHERE chain = ? AND address = ? AND active = 1`)
		if err != nil {
			return fmt.Errorf("ledger: confirm rules: %w", err)
		}
		defer stmt.Close()
		for _, addr := range addresses {
			if _, err := stmt.Exec(chain, addr); err != nil {
				return fmt.Errorf("ledger: confirm rule for %s: %w", addr, err)
			}
		}
		return nil
	})
}

// CreateBlacklistRule records an intended deny entry for an address.
// Blacklist records never reference a session; userID identifies the
// offending account when known and may be empty for manual entries.
func (s *Store) CreateBlacklistRule(address, chain, userID string) (*RuleRecord, error) {
	if err := validateRule(KindBlacklist, userID, ""); err != nil {
		return nil, err
	}
	r := &RuleRecord{
		ID:        uuid.NewString(),
		Address:   address,
		Kind:      KindBlacklist,
		Chain:     chain,
		UserID:    userID,
		Active:    true,
		CreatedAt: s.now(),
	}
	_, err := s.db.Exec(`
		INSERT INTO rules (id, address, kind, chain, user_id, session_id, active, confirmed, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, 1, 0, ?)`,
		r.ID, r.Address, string(r.Kind), r.Chain, nullString(r.UserID), storeTime(r.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("ledger: create blacklist rule: %w", err)
	}
	return r, nil
}

// DeactivateRule retires a rule record. If the rule belongs to a
// session, the session is ended in the same transaction so the two
// never disagree.
func (s *Store) DeactivateRule(id string) error {
	now := s.now()
	return s.inTx(func(tx *sql.Tx) error {
		var sessionID sql.NullString
		var active int
		err := tx.QueryRow(`SELECT session_id, active FROM rules WHERE id = ?`, id).
			Scan(&sessionID, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("ledger: deactivate rule: %w", err)
		}
		if active == 0 {
			return ErrInactive
		}

		_, err = tx.Exec(`UPDATE rules SET active = 0, removed_at = ? WHERE id = ?`,
			storeTime(now), id)
		if err != nil {
			return fmt.Errorf("ledger: deactivate rule: %w", err)
		}
		if sessionID.Valid {
			_, err = tx.Exec(`
				UPDATE sessions SET active = 0, ended_at = ?
				WHERE id = ? AND active = 1`,
				storeTime(now), sessionID.String)
			if err != nil {
				return fmt.Errorf("ledger: end owning session: %w", err)
			}
		}
		return nil
	})
}

// ActiveRuleCount reports how many rule records are active in a chain.
func (s *Store) ActiveRuleCount(chain string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM rules WHERE chain = ? AND active = 1`, chain).Scan(&n)
	return n, err
}

// OtherActiveRulesForAddress reports whether any active rule besides
// the given one still intends the address to be present in the chain.
// Used at logout so a shared address is only removed when the last
// session referencing it ends.
func (s *Store) OtherActiveRulesForAddress(chain, address, excludeRuleID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM rules
		WHERE chain = ? AND address = ? AND active = 1 AND id != ?
		LIMIT 1`, chain, address, excludeRuleID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const ruleSelect = `
	SELECT id, address, kind, chain, user_id, session_id, active, confirmed, created_at, removed_at
	FROM rules`

func (s *Store) scanRule(row *sql.Row) (*RuleRecord, error) {
	var (
		r         RuleRecord
		userID    sql.NullString
		sessionID sql.NullString
		kind      string
		active    int
		confirmed int
		createdAt int64
		removedAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Address, &kind, &r.Chain, &userID, &sessionID,
		&active, &confirmed, &createdAt, &removedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan rule: %w", err)
	}
	fillRule(&r, kind, userID, sessionID, active, confirmed, createdAt, removedAt)
	return &r, nil
}

func scanRuleRows(rows *sql.Rows) (*RuleRecord, error) {
	var (
		r         RuleRecord
		userID    sql.NullString
		sessionID sql.NullString
		kind      string
		active    int
		confirmed int
		createdAt int64
		removedAt sql.NullInt64
	)
	err := rows.Scan(&r.ID, &r.Address, &kind, &r.Chain, &userID, &sessionID,
		&active, &confirmed, &createdAt, &removedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: scan rule: %w", err)
	}
	fillRule(&r, kind, userID, sessionID, active, confirmed, createdAt, removedAt)
	return &r, nil
}

func fillRule(r *RuleRecord, kind string, userID, sessionID sql.NullString, active, confirmed int, createdAt int64, removedAt sql.NullInt64) {
	r.Kind = Kind(kind)
	r.UserID = userID.String
	r.SessionID = sessionID.String
	r.Active = active != 0
	r.Confirmed = confirmed != 0
	r.CreatedAt = loadTime(createdAt)
	r.RemovedAt = loadNullTime(removedAt)
}
