package cmd

import (
	"fmt"

	"grimm.is/warden/internal/config"
)

// RunCheck validates a configuration file without touching the ledger
// or the packet filter.
func RunCheck(configFile string) error {
	if configFile == "" {
		configFile = DefaultConfigPath
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	fmt.Printf("%s: OK\n", configFile)
	fmt.Printf("  database:    %s\n", cfg.Database.Path)
	fmt.Printf("  allow chain: %s\n", cfg.Firewall.AllowChain)
	fmt.Printf("  deny chain:  %s\n", cfg.Firewall.DenyChain)
	fmt.Printf("  session ttl: %s\n", cfg.Auth.SessionTTL())
	fmt.Printf("  lockout:     %d attempts, %s\n", cfg.Auth.LockoutThreshold, cfg.Auth.LockFor())
	return nil
}
