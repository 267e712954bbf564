package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogEvent persists one audit entry. Failures here must not take down
// the operation being audited, so callers typically log and continue.
func (s *Store) LogEvent(level, module, message, userID, address string) error {
	_, err := s.db.Exec(`
		INSERT INTO events (id, level, module, message, user_id, address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), level, module, message,
		nullString(userID), nullString(address), storeTime(s.now()))
	if err != nil {
		return fmt.Errorf("ledger: log event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit audit entries, newest first.
func (s *Store) RecentEvents(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, level, module, message, user_id, address, created_at
		FROM events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e         Event
			userID    sql.NullString
			address   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Module, &e.Message, &userID, &address, &createdAt); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.Address = address.String
		e.CreatedAt = loadTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeEvents deletes audit entries older than the cutoff and returns
// how many were removed.
func (s *Store) PurgeEvents(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`,
		storeTime(olderThan.UTC().Truncate(time.Second)))
	if err != nil {
		return 0, fmt.Errorf("ledger: purge events: %w", err)
	}
	return res.RowsAffected()
}
