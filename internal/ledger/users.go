package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts a new account. The email is normalized to lower
// case; the password must already be hashed.
func (s *Store) CreateUser(email, passwordHash, fullName string, role Role, confirmed bool) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("ledger: invalid email: %q", email)
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("ledger: password hash required")
	}
	if role == "" {
		role = RoleUser
	}

	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		FullName:     fullName,
		Role:         role,
		Status:       StatusPending,
		Confirmed:    confirmed,
		CreatedAt:    s.now(),
	}
	if confirmed {
		u.Status = StatusApproved
	}

	_, err := s.db.Exec(`
		INSERT INTO users (id, email, password_hash, full_name, role, status, confirmed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.FullName, string(u.Role), string(u.Status),
		boolInt(u.Confirmed), storeTime(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("ledger: create user: %w", err)
	}
	return u, nil
}

// UserByEmail fetches an account by email.
func (s *Store) UserByEmail(email string) (*User, error) {
	return s.scanUser(s.db.QueryRow(userSelect+" WHERE email = ?", strings.ToLower(strings.TrimSpace(email))))
}

// UserByID fetches an account by id.
func (s *Store) UserByID(id string) (*User, error) {
	return s.scanUser(s.db.QueryRow(userSelect+" WHERE id = ?", id))
}

// ConfirmUser marks an account's email as confirmed and approves it.
func (s *Store) ConfirmUser(email string) error {
	res, err := s.db.Exec(`UPDATE users SET confirmed = 1, status = ? WHERE email = ?`,
		string(StatusApproved), strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("ledger: confirm user: %w", err)
	}
	return requireRows(res)
}

// SetUserStatus updates an account's lifecycle status.
func (s *Store) SetUserStatus(id string, status Status) error {
	res, err := s.db.Exec(`UPDATE users SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("ledger: set user status: %w", err)
	}
	return requireRows(res)
}

// RecordLoginSuccess resets the failed-attempt counter, clears any
// lock and records the login time.
func (s *Store) RecordLoginSuccess(id string) error {
	res, err := s.db.Exec(`
		UPDATE users SET failed_logins = 0, locked_until = NULL, last_login = ?
		WHERE id = ?`,
		storeTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("ledger: record login success: %w", err)
	}
	return requireRows(res)
}

// RecordLoginFailure increments the failed-attempt counter. When the
// counter reaches threshold the account is locked for lockFor and the
// counter resets to zero. Returns whether this failure locked the
// account.
func (s *Store) RecordLoginFailure(id string, threshold int, lockFor time.Duration) (locked bool, err error) {
	err = s.inTx(func(tx *sql.Tx) error {
		var failed int
		if err := tx.QueryRow(`SELECT failed_logins FROM users WHERE id = ?`, id).Scan(&failed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("ledger: record login failure: %w", err)
		}

		failed++
		if failed >= threshold {
			locked = true
			until := s.now().Add(lockFor)
			_, err := tx.Exec(`UPDATE users SET failed_logins = 0, locked_until = ? WHERE id = ?`,
				storeTime(until), id)
			return err
		}
		_, err := tx.Exec(`UPDATE users SET failed_logins = ? WHERE id = ?`, failed, id)
		return err
	})
	return locked, err
}

const userSelect = `
	SELECT id, email, password_hash, full_name, role, status, confirmed,
	       failed_logins, locked_until, last_login, created_at
	FROM users`

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var (
		u           User
		confirmed   int
		lockedUntil sql.NullInt64
		lastLogin   sql.NullInt64
		createdAt   int64
		role        string
		status      string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &role, &status,
		&confirmed, &u.FailedLogins, &lockedUntil, &lastLogin, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan user: %w", err)
	}
	u.Role = Role(role)
	u.Status = Status(status)
	u.Confirmed = confirmed != 0
	u.LockedUntil = loadNullTime(lockedUntil)
	u.LastLogin = loadNullTime(lastLogin)
	u.CreatedAt = loadTime(createdAt)
	return &u, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
