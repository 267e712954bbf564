package ledger

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func newTestUser(t *testing.T, s *Store) *User {
	t.Helper()
	u, err := s.CreateUser("alice@example.com", "$2a$10$hash", "Alice", RoleUser, true)
	require.NoError(t, err)
	return u
}

func TestCreateUserAndLookup(t *testing.T) {
	s, _ := newTestStore(t)

	u, err := s.CreateUser("Bob@Example.COM", "$2a$10$hash", "Bob", RoleAdmin, false)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", u.Email)
	assert.Equal(t, StatusPending, u.Status)
	assert.False(t, u.Confirmed)

	got, err := s.UserByEmail("bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.True(t, got.IsAdmin())

	_, err = s.UserByEmail("nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	// Duplicate email rejected by the unique constraint.
	_, err = s.CreateUser("bob@example.com", "$2a$10$other", "Bob Again", RoleUser, false)
	assert.Error(t, err)
}

func TestConfirmUser(t *testing.T) {
	s, _ := newTestStore(t)
	s.CreateUser("carol@example.com", "$2a$10$hash", "Carol", RoleUser, false)

	require.NoError(t, s.ConfirmUser("carol@example.com"))

	u, err := s.UserByEmail("carol@example.com")
	require.NoError(t, err)
	assert.True(t, u.Confirmed)
	assert.Equal(t, StatusApproved, u.Status)

	assert.ErrorIs(t, s.ConfirmUser("missing@example.com"), ErrNotFound)
}

func TestSetUserStatus(t *testing.T) {
	s, _ := newTestStore(t)
	u := newTestUser(t, s)

	require.NoError(t, s.SetUserStatus(u.ID, StatusBlacklist))
	got, err := s.UserByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlacklist, got.Status)

	// The administrative reversal.
	require.NoError(t, s.SetUserStatus(u.ID, StatusApproved))
	got, _ = s.UserByID(u.ID)
	assert.Equal(t, StatusApproved, got.Status)

	assert.ErrorIs(t, s.SetUserStatus("no-such-user", StatusApproved), ErrNotFound)
}

func TestLoginFailureLockout(t *testing.T) {
	s, clk := newTestStore(t)
	u := newTestUser(t, s)

	for i := 0; i < 4; i++ {
		locked, err := s.RecordLoginFailure(u.ID, 5, 30*time.Minute)
		require.NoError(t, err)
		assert.False(t, locked, "attempt %d should not lock", i+1)
	}

	locked, err := s.RecordLoginFailure(u.ID, 5, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, locked, "fifth failure locks the account")

	got, err := s.UserByID(u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLocked(clk.Now()))
	assert.Equal(t, 0, got.FailedLogins, "counter resets when the lock engages")

	// The lock expires with time, not with a write.
	clk.Advance(31 * time.Minute)
	assert.False(t, got.IsLocked(clk.Now()))
}

func TestLoginSuccessResetsCounter(t *testing.T) {
	s, clk := newTestStore(t)
	u := newTestUser(t, s)

	s.RecordLoginFailure(u.ID, 5, 30*time.Minute)
	s.RecordLoginFailure(u.ID, 5, 30*time.Minute)
	require.NoError(t, s.RecordLoginSuccess(u.ID))

	got, err := s.UserByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailedLogins)
	assert.Equal(t, clk.Now().UTC().Truncate(time.Second), got.LastLogin)
	assert.True(t, got.LockedUntil.IsZero())
}

func TestCreateSessionWritesRuleAtomically(t *testing.T) {
	s, clk := newTestStore(t)
	u := newTestUser(t, s)

	sess, rule, err := s.CreateSession(u.ID, "203.0.113.7", "curl/8.0", "tok-1", "WARDEN_ALLOW", 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, sess.ID, rule.SessionID)
	assert.Equal(t, "203.0.113.7", rule.Address)
	assert.Equal(t, KindWhitelist, rule.Kind)
	assert.False(t, rule.Confirmed, "rules start unconfirmed")
	assert.Equal(t, clk.Now().Add(24*time.Hour).Truncate(time.Second), sess.ExpiresAt)

	addrs, err := s.ActiveAddresses("WARDEN_ALLOW")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.7"}, addrs)

	got, err := s.SessionByToken("tok-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestSessionExclusivityIndex(t *testing.T) {
	s, _ := newTestStore(t)
	u := newTestUser(t, s)

	sess, _, err := s.CreateSession(u.ID, "203.0.113.7", "", "tok-1", "WARDEN_ALLOW", time.Hour)
	require.NoError(t, err)

	// A second active whitelist rule for the same (address, session)
	// pair violates the partial unique index.
	_, err = s.db.Exec(`
		INSERT INTO rules (id, address, kind, chain, user_id, session_id, active, confirmed, created_at)
		VALUES ('dup', '203.0.113.7', 'whitelist', 'WARDEN_ALLOW', ?, ?, 1, 0, 0)`,
		u.ID, sess.ID)
	assert.Error(t, err)

	// Distinct sessions may share the address.
	_, _, err = s.CreateSession(u.ID, "203.0.113.7", "", "tok-2", "WARDEN_ALLOW", time.Hour)
	assert.NoError(t, err)
}

func TestEndSessionDeactivatesRule(t *testing.T) {
	s, clk := newTestStore(t)
	u := newTestUser(t, s)

	sess, rule, err := s.CreateSession(u.ID, "203.0.113.7", "", "tok-1", "WARDEN_ALLOW", time.Hour)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	require.NoError(t, s.EndSession(sess.ID))

	gotSess, err := s.SessionByID(sess.ID)
	require.NoError(t, err)
	assert.False(t, gotSess.Active)
	assert.Equal(t, clk.Now().Truncate(time.Second), gotSess.EndedAt)

	_, err = s.ActiveRuleForSession(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound, "rule deactivated with its session")

	var removedAt sql.NullInt64
	require.NoError(t, s.db.QueryRow(`SELECT removed_at FROM rules WHERE id = ?`, rule.ID).Scan(&removedAt))
	assert.True(t, removedAt.Valid, "active flag and removal time move together")

	// Ending twice is an error, not a silent no-op.
	assert.ErrorIs(t, s.EndSession(sess.ID), ErrInactive)
	assert.ErrorIs(t, s.EndSession("no-such-session"), ErrNotFound)
}

func TestExtendSession(t *testing.T) {
	s, clk := newTestStore(t)
	u := newTestUser(t, s)

	sess, _, err := s.CreateSession(u.ID, "203.0.113.7", "", "tok-1", "WARDEN_ALLOW", time.Hour)
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	until, err := s.ExtendSession(sess.ID, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(2*time.Hour).Truncate(time.Second), until)

	// Expired sessions cannot be extended back to life.
	clk.Advance(3 * time.Hour)
	_, err = s.ExtendSession(sess.ID, time.Hour)
	assert.ErrorIs(t, err, ErrInactive)

	// Nor can ended ones.
	sess2, _, _ := s.CreateSession(u.ID, "203.0.113.8", "", "tok-2", "WARDEN_ALLOW", time.Hour)
	s.EndSession(sess2.ID)
	_, err = s.ExtendSession(sess2.ID, time.Hour)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestExpiredSessions(t *testing.T) {
	s, clk := newTestStore(t)
	u := newTestUser(t, s)

	s.CreateSession(u.ID, "203.0.113.1", "", "tok-1", "WARDEN_ALLOW", time.Hour)
	s.CreateSession(u.ID, "203.0.113.2", "", "tok-2", "WARDEN_ALLOW", 3*time.Hour)

	clk.Advance(2 * time.Hour)
	expired, err := s.ExpiredSessions(clk.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "203.0.113.1", expired[0].Address)

	n, err := s.ActiveSessionCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "expiry sweep, not the query, flips the flag")
}

func TestBlacklistRuleHasNoSession(t *testing.T) {
	s, _ := newTestStore(t)
	u := newTestUser(t, s)

	r, err := s.CreateBlacklistRule("198.51.100.9", "WARDEN_DENY", u.ID)
	require.NoError(t, err)
	assert.Empty(t, r.SessionID)
	assert.Equal(t, KindBlacklist, r.Kind)

	// The model rejects a session-bearing blacklist before it reaches SQL.
	err = validateRule(KindBlacklist, "", "some-session")
	assert.Error(t, err)

	addrs, err := s.ActiveAddresses("WARDEN_DENY")
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.9"}, addrs)
}

func TestDeactivateRuleEndsOwningSession(t *testing.T) {
	s, _ := newTestStore(t)
	u := newTestUser(t, s)

	sess, rule, err := s.CreateSession(u.ID, "203.0.113.7", "", "tok-1", "WARDEN_ALLOW", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.DeactivateRule(rule.ID))

	gotSess, err := s.SessionByID(sess.ID)
	require.NoError(t, err)
	assert.False(t, gotSess.Active, "revoking the rule ends the session that owns it")

	assert.ErrorIs(t, s.DeactivateRule(rule.ID), ErrInactive)
}

func TestOtherActiveRulesForAddress(t *testing.T) {
	s, _ := newTestStore(t)
	u := newTestUser(t, s)

	_, r1, err := s.CreateSession(u.ID, "203.0.113.7", "", "tok-1", "WARDEN_ALLOW", time.Hour)
	require.NoError(t, err)

	other, err := s.OtherActiveRulesForAddress("WARDEN_ALLOW", "203.0.113.7", r1.ID)
	require.NoError(t, err)
	assert.False(t, other)

	_, _, err = s.CreateSession(u.ID, "203.0.113.7", "", "tok-2", "WARDEN_ALLOW", time.Hour)
	require.NoError(t, err)

	other, err = s.OtherActiveRulesForAddress("WARDEN_ALLOW", "203.0.113.7", r1.ID)
	require.NoError(t, err)
	assert.True(t, other, "a second session still intends this address")
}

func TestMarkRulesConfirmed(t *testing.T) {
	s, _ := newTestStore(t)
	u := newTestUser(t, s)

	s.CreateSession(u.ID, "203.0.113.1", "", "tok-1", "WARDEN_ALLOW", time.Hour)
	s.CreateSession(u.ID, "203.0.113.2", "", "tok-2", "WARDEN_ALLOW", time.Hour)

	require.NoError(t, s.MarkRulesConfirmed("WARDEN_ALLOW", []string{"203.0.113.1", "203.0.113.2"}))

	rules, err := s.ActiveRules("WARDEN_ALLOW")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	for _, r := range rules {
		assert.True(t, r.Confirmed)
	}

	require.NoError(t, s.MarkRulesConfirmed("WARDEN_ALLOW", nil))
}

func TestEvents(t *testing.T) {
	s, clk := newTestStore(t)

	require.NoError(t, s.LogEvent("warning", "session", "login failed", "", "203.0.113.7"))
	clk.Advance(48 * time.Hour)
	require.NoError(t, s.LogEvent("info", "session", "login ok", "u-1", "203.0.113.7"))

	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "login ok", events[0].Message, "newest first")

	purged, err := s.PurgeEvents(clk.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	events, _ = s.RecentEvents(10)
	assert.Len(t, events, 1)
}

func TestBackupTo(t *testing.T) {
	s, _ := newTestStore(t)
	newTestUser(t, s)

	dst := t.TempDir() + "/backup.db"
	require.NoError(t, s.BackupTo(dst))

	restored, err := Open(dst, nil)
	require.NoError(t, err)
	defer restored.Close()

	u, err := restored.UserByEmail("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.FullName)
}
