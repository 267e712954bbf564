package ledger

import (
	"fmt"
	"time"
)

// Role defines account permission levels.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Status tracks an account through its approval lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusBlacklist Status = "blacklist"
)

// User is an account that may hold sessions.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FullName     string
	Role         Role
	Status       Status
	Confirmed    bool
	FailedLogins int
	LockedUntil  time.Time // zero when not locked
	LastLogin    time.Time // zero when never logged in
	CreatedAt    time.Time
}

// IsAdmin reports whether the account is administrative.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsLocked reports whether the account is locked out at the given time.
func (u *User) IsLocked(now time.Time) bool {
	return !u.LockedUntil.IsZero() && now.Before(u.LockedUntil)
}

// Session binds one authenticated principal to one source address for a
// bounded time window. Once terminated it is immutable.
type Session struct {
	ID        string
	UserID    string
	Address   string
	UserAgent string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Active    bool
	EndedAt   time.Time // zero while active
}

// Expired reports whether the session's validity window has passed.
// The boundary instant counts as expired, the same comparison the
// expiry sweep query uses.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Kind is the closed set of rule kinds.
type Kind string

const (
	KindWhitelist Kind = "whitelist"
	KindBlacklist Kind = "blacklist"
)

// Valid reports whether k is a known rule kind.
func (k Kind) Valid() bool {
	return k == KindWhitelist || k == KindBlacklist
}

// RuleRecord is the ledger's unit of intended enforcement. Whitelist
// records carry an owning user and session; blacklist records never
// reference a session and are removed only by administrative action.
type RuleRecord struct {
	ID        string
	Address   string
	Kind      Kind
	Chain     string
	UserID    string // empty for user-less blacklist entries
	SessionID string // empty for blacklist and manual entries
	Active    bool
	Confirmed bool // live rule confirmed present in the filter
	CreatedAt time.Time
	RemovedAt time.Time // zero while active
}

// validateRule enforces the kind-specific field invariants at
// construction time.
func validateRule(kind Kind, userID, sessionID string) error {
	switch kind {
	case KindWhitelist:
		if userID == "" {
			return fmt.Errorf("whitelist rule requires an owning user")
		}
	case KindBlacklist:
		if sessionID != "" {
			return fmt.Errorf("blacklist rule cannot reference a session")
		}
	default:
		return fmt.Errorf("unknown rule kind: %s", kind)
	}
	return nil
}

// Event is one persisted audit log entry.
type Event struct {
	ID        string
	Level     string
	Module    string
	Message   string
	UserID    string
	Address   string
	CreatedAt time.Time
}
