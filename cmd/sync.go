package cmd

import (
	"context"
	"fmt"

	"grimm.is/warden/internal/daemon"
)

// RunSync performs one immediate reconciliation pass over all managed
// chains and prints what changed.
func RunSync(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := context.Background()
	if err := d.Adapter().EnsureBaseline(ctx); err != nil {
		return fmt.Errorf("failed to establish filter baseline: %w", err)
	}

	results, err := d.Engine().ReconcileAll(ctx)
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Printf("%s: %d added, %d removed, %d failed\n",
			res.Chain, res.Added, res.Removed, res.Failed)
	}
	return nil
}
