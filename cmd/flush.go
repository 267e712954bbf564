package cmd

import (
	"context"
	"fmt"

	"grimm.is/warden/internal/netfilter"
)

// RunFlush empties a managed chain in both address families. The ledger
// is untouched, so the next reconciliation pass (or warden sync)
// re-admits every address it still intends; this is the escape hatch
// for a chain full of rules warden no longer recognizes.
func RunFlush(configFile, chain string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	managed := false
	for _, c := range cfg.Chains() {
		if c == chain {
			managed = true
		}
	}
	if !managed {
		return fmt.Errorf("chain %q is not managed (managed: %v)", chain, cfg.Chains())
	}

	logger := setupLogging(cfg)
	adapter := netfilter.New(cfg.Firewall, cfg.Chains(), &netfilter.ExecRunner{}, logger)
	if err := adapter.FlushChain(context.Background(), chain); err != nil {
		return err
	}

	fmt.Printf("flushed %s; run \"warden sync\" to re-apply intended rules\n", chain)
	return nil
}
