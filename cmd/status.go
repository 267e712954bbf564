package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/ledger"
)

// RunStatus prints a summary of the ledger: active sessions, intended
// rules per chain and the most recent audit events.
func RunStatus(configFile string, events int) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.Database.Path, &clock.RealClock{})
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ActiveSessionCount()
	if err != nil {
		return err
	}
	fmt.Printf("active sessions: %d\n", sessions)

	for _, chain := range cfg.Chains() {
		addrs, err := store.ActiveAddresses(chain)
		if err != nil {
			return err
		}
		// Rule records can outnumber addresses when sessions share one.
		rules, err := store.ActiveRuleCount(chain)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d address(es), %d rule record(s)\n", chain, len(addrs), rules)
		for _, addr := range addrs {
			fmt.Printf("  %s\n", addr)
		}
	}

	if events <= 0 {
		return nil
	}
	recent, err := store.RecentEvents(events)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}

	fmt.Println("\nrecent events:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range recent {
		addr := e.Address
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Message, addr)
	}
	return w.Flush()
}
