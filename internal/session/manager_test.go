package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/auth"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/ledger"
)

// fakeFilter records adapter calls and optionally fails them.
type fakeFilter struct {
	mu      sync.Mutex
	added   []string
	removed []string
	failAdd bool
}

func (f *fakeFilter) AddAddress(_ context.Context, chain, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return errors.New("iptables unavailable")
	}
	f.added = append(f.added, chain+" "+addr)
	return nil
}

func (f *fakeFilter) RemoveAddress(_ context.Context, chain, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, chain+" "+addr)
	return nil
}

var testHash string

func init() {
	var err error
	testHash, err = auth.HashPassword("correct-Horse-7-battery")
	if err != nil {
		panic(err)
	}
}

func newTestManager(t *testing.T) (*Manager, *ledger.Store, *fakeFilter, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store, err := ledger.Open(":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	filter := &fakeFilter{}
	m := NewManager(store, filter, nil, clk, config.Default(), nil)
	return m, store, filter, clk
}

func seedUser(t *testing.T, store *ledger.Store, email string, role ledger.Role) *ledger.User {
	t.Helper()
	u, err := store.CreateUser(email, testHash, "Test User", role, true)
	require.NoError(t, err)
	return u
}

func TestLoginSuccess(t *testing.T) {
	m, store, filter, _ := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)

	sess, err := m.Login(context.Background(), "alice@example.com", "correct-Horse-7-battery", "203.0.113.5", "curl/8.0")
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.5", sess.Address)
	assert.Equal(t, []string{"WARDEN_ALLOW 203.0.113.5"}, filter.added)

	// The live add succeeded, so the rule is confirmed.
	rule, err := store.ActiveRuleForSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, rule.Confirmed)

	u, _ := store.UserByEmail("alice@example.com")
	assert.False(t, u.LastLogin.IsZero())
}

func TestLoginWrongPassword(t *testing.T) {
	m, store, filter, _ := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)

	_, err := m.Login(context.Background(), "alice@example.com", "not-the-password", "203.0.113.5", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, filter.added)

	u, _ := store.UserByEmail("alice@example.com")
	assert.Equal(t, 1, u.FailedLogins)
}

func TestLoginUnknownUser(t *testing.T) {
	m, _, filter, _ := newTestManager(t)

	_, err := m.Login(context.Background(), "ghost@example.com", "whatever-pass-1", "203.0.113.5", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, filter.added)
}

func TestLoginUnconfirmed(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	_, err := store.CreateUser("new@example.com", testHash, "New", ledger.RoleUser, false)
	require.NoError(t, err)

	_, err = m.Login(context.Background(), "new@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	assert.ErrorIs(t, err, ErrUnconfirmed)
}

func TestLoginRejectsMalformedAddress(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)

	_, err := m.Login(context.Background(), "alice@example.com", "correct-Horse-7-battery", "not-an-ip", "")
	assert.Error(t, err)
}

func TestLockoutPromotesAddress(t *testing.T) {
	m, store, filter, _ := newTestManager(t)
	u := seedUser(t, store, "victim@example.com", ledger.RoleUser)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := m.Login(ctx, "victim@example.com", "wrong-password-1", "198.51.100.9", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Fifth failure locks the account and exiles the source address.
	_, err := m.Login(ctx, "victim@example.com", "wrong-password-1", "198.51.100.9", "")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, []string{"WARDEN_DENY 198.51.100.9"}, filter.added)

	addrs, err := store.ActiveAddresses("WARDEN_DENY")
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.9"}, addrs)

	got, _ := store.UserByID(u.ID)
	assert.True(t, got.IsLocked(m.clock.Now()))
	assert.Equal(t, ledger.StatusBlacklist, got.Status)
}

func TestLockoutIsTerminalForNonAdmins(t *testing.T) {
	m, store, _, clk := newTestManager(t)
	seedUser(t, store, "victim@example.com", ledger.RoleUser)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Login(ctx, "victim@example.com", "wrong-password-1", "198.51.100.9", "")
	}

	// The lock window passing does not resurrect a blacklisted account,
	// not even with the right password from a fresh address.
	clk.Advance(31 * time.Minute)
	_, err := m.Login(ctx, "victim@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	assert.ErrorIs(t, err, ErrAccountBlacklisted)
}

func TestAdminLockedAccountRejectsCorrectPassword(t *testing.T) {
	m, store, _, clk := newTestManager(t)
	seedUser(t, store, "root@example.com", ledger.RoleAdmin)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Login(ctx, "root@example.com", "wrong-password-1", "198.51.100.9", "")
	}

	// The lock wins even with the right password.
	_, err := m.Login(ctx, "root@example.com", "correct-Horse-7-battery", "198.51.100.9", "")
	assert.ErrorIs(t, err, ErrAccountLocked)

	// Admin lockouts are temporary; the account works again once the
	// window passes.
	clk.Advance(31 * time.Minute)
	_, err = m.Login(ctx, "root@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	assert.NoError(t, err)
}

func TestAdminLockoutDoesNotBlacklist(t *testing.T) {
	m, store, filter, _ := newTestManager(t)
	u := seedUser(t, store, "root@example.com", ledger.RoleAdmin)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Login(ctx, "root@example.com", "wrong-password-1", "203.0.113.5", "")
	}

	assert.Empty(t, filter.added, "admin lockout must not exile the address")
	addrs, _ := store.ActiveAddresses("WARDEN_DENY")
	assert.Empty(t, addrs)

	got, _ := store.UserByID(u.ID)
	assert.Equal(t, ledger.StatusApproved, got.Status)
}

func TestLoginFilterFailureKeepsLedgerAuthoritative(t *testing.T) {
	m, store, filter, _ := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)
	filter.failAdd = true

	sess, err := m.Login(context.Background(), "alice@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	require.NoError(t, err, "a filter outage must not block login")

	// The intention is recorded but unconfirmed until reconciliation.
	rule, err := store.ActiveRuleForSession(sess.ID)
	require.NoError(t, err)
	assert.False(t, rule.Confirmed)
}

func TestLogoutRemovesAddress(t *testing.T) {
	m, store, filter, _ := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)

	ctx := context.Background()
	sess, err := m.Login(ctx, "alice@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx, sess.Token))
	assert.Equal(t, []string{"WARDEN_ALLOW 203.0.113.5"}, filter.removed)

	got, _ := store.SessionByID(sess.ID)
	assert.False(t, got.Active)

	assert.ErrorIs(t, m.Logout(ctx, sess.Token), ledger.ErrInactive)
}

func TestLogoutSharedAddressRetained(t *testing.T) {
	m, store, filter, _ := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)
	seedUser(t, store, "bob@example.com", ledger.RoleUser)

	// Two principals behind the same NAT address.
	ctx := context.Background()
	s1, err := m.Login(ctx, "alice@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	require.NoError(t, err)
	s2, err := m.Login(ctx, "bob@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx, s1.Token))
	assert.Empty(t, filter.removed, "address still intended by the other session")

	require.NoError(t, m.Logout(ctx, s2.Token))
	assert.Equal(t, []string{"WARDEN_ALLOW 203.0.113.5"}, filter.removed)
}

func TestValidate(t *testing.T) {
	m, store, _, clk := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)

	sess, err := m.Login(context.Background(), "alice@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	require.NoError(t, err)

	got, err := m.Validate(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = m.Validate("no-such-token")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	clk.Advance(25 * time.Hour)
	_, err = m.Validate(sess.Token)
	assert.ErrorIs(t, err, ledger.ErrInactive)
}

func TestExpiryBoundaryConsistent(t *testing.T) {
	m, store, _, clk := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)

	ctx := context.Background()
	sess, err := m.Login(ctx, "alice@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	require.NoError(t, err)

	// Exactly at expires_at the session is dead on both paths: Validate
	// rejects it and the sweep picks it up.
	clk.Advance(24 * time.Hour)
	_, err = m.Validate(sess.Token)
	assert.ErrorIs(t, err, ledger.ErrInactive)

	swept, err := m.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
}

func TestExtend(t *testing.T) {
	m, store, _, clk := newTestManager(t)
	seedUser(t, store, "alice@example.com", ledger.RoleUser)

	sess, err := m.Login(context.Background(), "alice@example.com", "correct-Horse-7-battery", "203.0.113.5", "")
	require.NoError(t, err)

	clk.Advance(20 * time.Hour)
	until, err := m.Extend(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(24*time.Hour).Truncate(time.Second), until)
}

func TestExpireSweep(t *testing.T) {
	m, store, filter, clk := newTestManager(t)
	for i := 0; i < 3; i++ {
		seedUser(t, store, fmt.Sprintf("user%d@example.com", i), ledger.RoleUser)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.Login(ctx, fmt.Sprintf("user%d@example.com", i), "correct-Horse-7-battery",
			fmt.Sprintf("203.0.113.%d", i+1), "")
		require.NoError(t, err)
	}

	// Nothing expired yet.
	swept, err := m.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	clk.Advance(25 * time.Hour)
	swept, err = m.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, swept)
	assert.Len(t, filter.removed, 3)

	n, _ := store.ActiveSessionCount()
	assert.Zero(t, n)

	// A second sweep finds nothing.
	swept, err = m.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}
