// Package session owns the authentication and session lifecycle: a
// successful login opens a session and admits its source address into
// the allow chain; repeated failures lock the account and promote the
// offending address into the deny chain.
//
// The ledger write always happens before the filter call, and filter
// failures never roll the ledger back. An address recorded but not yet
// live is repaired by the next reconciliation pass; the reverse (live
// but unrecorded) would be a security hole.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/warden/internal/auth"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/ledger"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/notification"
	"grimm.is/warden/internal/validation"
)

// Authentication errors. All credential problems map to
// ErrInvalidCredentials so a caller cannot probe which accounts exist.
var (
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	ErrAccountLocked      = errors.New("session: account locked")
	ErrAccountBlacklisted = errors.New("session: account blacklisted")
	ErrUnconfirmed        = errors.New("session: email not confirmed")
)

// Filter is the slice of the packet-filter adapter the manager needs.
type Filter interface {
	AddAddress(ctx context.Context, chain, addr string) error
	RemoveAddress(ctx context.Context, chain, addr string) error
}

// Manager drives logins, logouts and the expiry sweep.
type Manager struct {
	store  *ledger.Store
	filter Filter
	notify *notification.Dispatcher
	clock  clock.Clock
	logger *logging.Logger

	allowChain string
	denyChain  string
	ttl        time.Duration
	threshold  int
	lockFor    time.Duration

	// One mutex per chain serializes the ledger-write-then-filter-call
	// pair against the reconciliation engine and concurrent logins.
	allowMu sync.Mutex
	denyMu  sync.Mutex
}

// NewManager wires a session manager.
func NewManager(store *ledger.Store, filter Filter, notify *notification.Dispatcher, clk clock.Clock, cfg *config.Config, logger *logging.Logger) *Manager {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		store:      store,
		filter:     filter,
		notify:     notify,
		clock:      clk,
		logger:     logger.WithComponent("session"),
		allowChain: cfg.Firewall.AllowChain,
		denyChain:  cfg.Firewall.DenyChain,
		ttl:        cfg.Auth.SessionTTL(),
		threshold:  cfg.Auth.LockoutThreshold,
		lockFor:    cfg.Auth.LockFor(),
	}
}

// Login authenticates email/password from the given source address and,
// on success, opens a session and admits the address into the allow
// chain. The lock check runs before the password check so a locked
// account rejects even the correct password.
func (m *Manager) Login(ctx context.Context, email, password, address, userAgent string) (*ledger.Session, error) {
	if err := validation.ValidateAddress(address); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	u, err := m.store.UserByEmail(email)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			m.logger.Warn("login for unknown account", "email", email, "address", address)
			metrics.Get().LoginsTotal.WithLabelValues("bad_credentials").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := m.clock.Now()
	switch {
	case u.Status == ledger.StatusBlacklist:
		metrics.Get().LoginsTotal.WithLabelValues("locked").Inc()
		return nil, ErrAccountBlacklisted
	case u.IsLocked(now):
		m.logger.Warn("login on locked account", "email", email, "address", address)
		metrics.Get().LoginsTotal.WithLabelValues("locked").Inc()
		return nil, ErrAccountLocked
	case !u.Confirmed:
		metrics.Get().LoginsTotal.WithLabelValues("unconfirmed").Inc()
		return nil, ErrUnconfirmed
	}

	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, m.handleFailedLogin(ctx, u, address)
	}

	token, err := auth.NewToken()
	if err != nil {
		return nil, fmt.Errorf("session: generate token: %w", err)
	}

	m.allowMu.Lock()
	defer m.allowMu.Unlock()

	sess, rule, err := m.store.CreateSession(u.ID, address, userAgent, token, m.allowChain, m.ttl)
	if err != nil {
		metrics.Get().LoginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// Best effort: the ledger is authoritative, reconciliation repairs
	// an address that failed to go live here.
	if err := m.filter.AddAddress(ctx, m.allowChain, address); err != nil {
		m.logger.Error("failed to admit address, reconciliation will retry",
			"address", address, "error", err)
	} else if err := m.store.MarkRuleConfirmed(rule.ID); err != nil {
		m.logger.Warn("failed to mark rule confirmed", "rule", rule.ID, "error", err)
	}

	if err := m.store.RecordLoginSuccess(u.ID); err != nil {
		m.logger.Warn("failed to record login", "user", u.ID, "error", err)
	}
	m.audit("info", "session opened", u.ID, address)
	m.logger.Info("session opened", "email", email, "address", address, "expires", sess.ExpiresAt)
	metrics.Get().LoginsTotal.WithLabelValues("success").Inc()
	metrics.Get().SessionsActive.Inc()
	return sess, nil
}

// handleFailedLogin records the failure and, at the lockout threshold,
// locks the account. For non-admin accounts the lockout is terminal:
// the account status flips to blacklist and the source address is
// promoted into the deny chain; only warden unblock reverses either.
// Administrative accounts lock for the window but are never
// blacklisted, so an attacker cannot use the lockout to exile an
// admin's address or account.
func (m *Manager) handleFailedLogin(ctx context.Context, u *ledger.User, address string) error {
	locked, err := m.store.RecordLoginFailure(u.ID, m.threshold, m.lockFor)
	if err != nil {
		m.logger.Error("failed to record login failure", "user", u.ID, "error", err)
	}
	m.audit("warning", "login failed", u.ID, address)
	metrics.Get().LoginsTotal.WithLabelValues("bad_credentials").Inc()

	if !locked {
		return ErrInvalidCredentials
	}

	m.logger.Warn("account locked after repeated failures",
		"email", u.Email, "address", address, "until", m.clock.Now().Add(m.lockFor))
	metrics.Get().LockoutsTotal.Inc()
	m.audit("critical", "account locked", u.ID, address)

	if !u.IsAdmin() {
		if err := m.store.SetUserStatus(u.ID, ledger.StatusBlacklist); err != nil {
			m.logger.Error("failed to blacklist account", "user", u.ID, "error", err)
		}
		m.audit("critical", "account blacklisted", u.ID, address)
		m.blacklistAddress(ctx, address, u.ID)
	}
	if m.notify != nil {
		m.notify.SendSimple("account locked",
			fmt.Sprintf("%s locked after %d failed logins from %s", u.Email, m.threshold, address),
			notification.LevelCritical)
	}
	return ErrAccountLocked
}

// blacklistAddress records a deny intention and pushes it live.
func (m *Manager) blacklistAddress(ctx context.Context, address, userID string) {
	m.denyMu.Lock()
	defer m.denyMu.Unlock()

	if _, err := m.store.CreateBlacklistRule(address, m.denyChain, userID); err != nil {
		m.logger.Error("failed to record blacklist rule", "address", address, "error", err)
		return
	}
	metrics.Get().BlacklistsTotal.Inc()
	m.audit("critical", "address blacklisted", userID, address)

	if err := m.filter.AddAddress(ctx, m.denyChain, address); err != nil {
		m.logger.Error("failed to push deny rule, reconciliation will retry",
			"address", address, "error", err)
	}
}

// Logout terminates the session for a token and withdraws its address
// from the allow chain, unless another active rule still intends that
// address (several sessions behind one NAT address).
func (m *Manager) Logout(ctx context.Context, token string) error {
	sess, err := m.store.SessionByToken(token)
	if err != nil {
		return err
	}
	if !sess.Active {
		return ledger.ErrInactive
	}
	if err := m.endSession(ctx, sess); err != nil {
		return err
	}
	m.audit("info", "session closed", sess.UserID, sess.Address)
	m.logger.Info("session closed", "session", sess.ID, "address", sess.Address)
	return nil
}

// endSession ends one session in the ledger and conditionally withdraws
// its address. Callers hold no lock; the allow-chain mutex is taken here.
func (m *Manager) endSession(ctx context.Context, sess *ledger.Session) error {
	m.allowMu.Lock()
	defer m.allowMu.Unlock()

	rule, err := m.store.ActiveRuleForSession(sess.ID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	if err := m.store.EndSession(sess.ID); err != nil {
		return err
	}
	metrics.Get().SessionsActive.Dec()

	if rule == nil {
		return nil
	}
	stillIntended, err := m.store.OtherActiveRulesForAddress(m.allowChain, rule.Address, rule.ID)
	if err != nil {
		return err
	}
	if stillIntended {
		m.logger.Debug("address retained, another session still intends it",
			"address", rule.Address)
		return nil
	}
	if err := m.filter.RemoveAddress(ctx, m.allowChain, rule.Address); err != nil {
		m.logger.Error("failed to withdraw address, reconciliation will retry",
			"address", rule.Address, "error", err)
	}
	return nil
}

// Extend pushes the session expiry for a token out to now plus the
// configured validity window.
func (m *Manager) Extend(token string) (time.Time, error) {
	sess, err := m.store.SessionByToken(token)
	if err != nil {
		return time.Time{}, err
	}
	return m.store.ExtendSession(sess.ID, m.ttl)
}

// Validate resolves a token to its session, rejecting ended or expired
// ones.
func (m *Manager) Validate(token string) (*ledger.Session, error) {
	sess, err := m.store.SessionByToken(token)
	if err != nil {
		return nil, err
	}
	if !sess.Active || sess.Expired(m.clock.Now()) {
		return nil, ledger.ErrInactive
	}
	return sess, nil
}

// ExpireSweep ends every session whose validity window has passed and
// withdraws addresses no longer intended by any active rule. Returns
// the number of sessions ended.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredSessions(m.clock.Now())
	if err != nil {
		return 0, err
	}

	var swept int
	var errs []error
	for _, sess := range expired {
		if err := m.endSession(ctx, sess); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}
		swept++
		metrics.Get().SessionsExpiredTotal.Inc()
		m.audit("info", "session expired", sess.UserID, sess.Address)
	}
	if swept > 0 {
		m.logger.Info("expiry sweep finished", "ended", swept)
	}
	return swept, errors.Join(errs...)
}

// audit writes a best-effort event record.
func (m *Manager) audit(level, message, userID, address string) {
	if err := m.store.LogEvent(level, "session", message, userID, address); err != nil {
		m.logger.Warn("failed to write audit event", "error", err)
	}
}
