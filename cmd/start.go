package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"grimm.is/warden/internal/daemon"
)

// RunStart runs the access daemon in the foreground until SIGINT or
// SIGTERM. SIGHUP reloads the runtime-safe configuration pieces and
// SIGUSR1 triggers an immediate reconciliation pass.
func RunStart(configFile string) error {
	if configFile == "" {
		configFile = DefaultConfigPath
	}
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
	d.EnableReload(configFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
