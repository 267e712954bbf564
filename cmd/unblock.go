package cmd

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/ledger"
	"grimm.is/warden/internal/netfilter"
	"grimm.is/warden/internal/validation"
)

// RunUnblock reverses a blacklist promotion: every active deny-chain
// rule for the address is retired, accounts blacklisted alongside it
// are restored to approved, and the live rule is withdrawn.
func RunUnblock(configFile, address string) error {
	if err := validation.ValidateAddress(address); err != nil {
		return err
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	store, err := ledger.Open(cfg.Database.Path, &clock.RealClock{})
	if err != nil {
		return err
	}
	defer store.Close()

	chain := cfg.Firewall.DenyChain
	rules, err := store.ActiveRules(chain)
	if err != nil {
		return err
	}

	var retired int
	for _, r := range rules {
		if r.Address != address {
			continue
		}
		if err := store.DeactivateRule(r.ID); err != nil {
			return fmt.Errorf("retire rule %s: %w", r.ID, err)
		}
		retired++
		if r.UserID == "" {
			continue
		}
		if err := store.SetUserStatus(r.UserID, ledger.StatusApproved); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("restore account %s: %w", r.UserID, err)
		}
	}
	if retired == 0 {
		return fmt.Errorf("no active %s rules for %s", chain, address)
	}

	adapter := netfilter.New(cfg.Firewall, cfg.Chains(), &netfilter.ExecRunner{}, logger)
	if err := adapter.RemoveAddress(context.Background(), chain, address); err != nil {
		logger.Warn("ledger updated but live rule removal failed, reconciliation will repair",
			"address", address, "error", err)
	}

	if err := store.LogEvent("info", "admin", "address unblocked", "", address); err != nil {
		logger.Warn("failed to write audit event", "error", err)
	}
	fmt.Printf("unblocked %s: %d rule(s) retired from %s\n", address, retired, chain)
	return nil
}
