// Package daemon wires the access daemon together: configuration,
// ledger, packet-filter adapter, session manager, reconciliation
// engine, scheduled maintenance and the metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/ledger"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/netfilter"
	"grimm.is/warden/internal/notification"
	"grimm.is/warden/internal/reconcile"
	"grimm.is/warden/internal/scheduler"
	"grimm.is/warden/internal/session"
)

// Daemon is the composed access daemon.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger
	clock  clock.Clock

	store   *ledger.Store
	adapter *netfilter.Adapter
	manager *session.Manager
	engine  *reconcile.Engine
	sched   *scheduler.Scheduler
	notify  *notification.Dispatcher

	metricsSrv *http.Server
	configPath string
}

// New builds a daemon from configuration. The ledger is opened here;
// Close releases it.
func New(cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	clk := &clock.RealClock{}

	store, err := ledger.Open(cfg.Database.Path, clk)
	if err != nil {
		return nil, err
	}

	adapter := netfilter.New(cfg.Firewall, cfg.Chains(), &netfilter.ExecRunner{}, logger)
	notify := notification.NewDispatcher(cfg.Notifications, logger)
	manager := session.NewManager(store, adapter, notify, clk, cfg, logger)
	engine := reconcile.New(store, adapter, cfg.Chains(), clk, logger)

	d := &Daemon{
		cfg:     cfg,
		logger:  logger.WithComponent("daemon"),
		clock:   clk,
		store:   store,
		adapter: adapter,
		manager: manager,
		engine:  engine,
		sched:   scheduler.New(clk, logger),
		notify:  notify,
	}
	if err := d.registerTasks(); err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// Store exposes the rule ledger, for the administrative subcommands.
func (d *Daemon) Store() *ledger.Store { return d.store }

// Manager exposes the session manager.
func (d *Daemon) Manager() *session.Manager { return d.manager }

// Engine exposes the reconciliation engine.
func (d *Daemon) Engine() *reconcile.Engine { return d.engine }

// Adapter exposes the packet-filter adapter.
func (d *Daemon) Adapter() *netfilter.Adapter { return d.adapter }

func (d *Daemon) registerTasks() error {
	tasks := []*scheduler.Task{
		scheduler.NewExpirySweepTask(d.manager.ExpireSweep, d.cfg.Tasks.Sweep()),
		scheduler.NewReconcileTask(func(ctx context.Context) error {
			_, err := d.engine.ReconcileAll(ctx)
			if err != nil && d.notify != nil {
				d.notify.SendSimple("reconciliation failed", err.Error(), notification.LevelWarning)
			}
			return err
		}, d.cfg.Tasks.Reconcile()),
		scheduler.NewEventPurgeTask(d.store.PurgeEvents,
			time.Duration(d.cfg.Tasks.EventRetentionDays)*24*time.Hour, d.clock.Now),
		scheduler.NewHealthCheckTask(d.healthCheck, 5*time.Minute),
	}
	if d.cfg.Tasks.BackupDir != "" {
		tasks = append(tasks, scheduler.NewBackupTask(d.store.BackupTo, d.cfg.Tasks.BackupDir, 7, d.clock.Now))
	}
	for _, t := range tasks {
		if err := d.sched.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// healthCheck verifies the pieces the daemon cannot run without: the
// ledger must answer a ping and the allow chain must still be listable.
func (d *Daemon) healthCheck(ctx context.Context) error {
	if err := d.store.Ping(); err != nil {
		d.logger.Error("ledger unhealthy", "error", err)
		if d.notify != nil {
			d.notify.SendSimple("ledger unhealthy", err.Error(), notification.LevelCritical)
		}
		return err
	}
	if _, err := d.adapter.ListAddresses(ctx, d.cfg.Firewall.AllowChain); err != nil {
		d.logger.Error("packet filter unhealthy", "error", err)
		d.store.LogEvent("error", "health", "packet filter unreachable: "+err.Error(), "", "")
		if d.notify != nil {
			d.notify.SendSimple("packet filter unhealthy", err.Error(), notification.LevelCritical)
		}
		return err
	}
	if st, ok := d.sched.GetTaskStatus(scheduler.TaskReconcile); ok && st.LastError != "" {
		d.logger.Warn("last reconciliation pass failed", "error", st.LastError)
	}
	return nil
}

// EnableReload makes SIGHUP re-read the configuration file at path.
// Only the pieces safe to swap at runtime are applied: the logging
// level and the notification channels. Everything else needs a restart.
func (d *Daemon) EnableReload(path string) {
	d.configPath = path
}

func (d *Daemon) reloadConfig() {
	if d.configPath == "" {
		return
	}
	cfg, err := config.LoadFile(d.configPath)
	if err != nil {
		d.logger.Error("config reload failed, keeping current configuration",
			"path", d.configPath, "error", err)
		return
	}
	d.logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	d.notify.UpdateConfig(cfg.Notifications)
	d.logger.Info("configuration reloaded", "path", d.configPath)
}

// Run establishes the filter baseline, starts the background tasks and
// the metrics endpoint, then blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting",
		"database", d.cfg.Database.Path,
		"allow_chain", d.cfg.Firewall.AllowChain,
		"deny_chain", d.cfg.Firewall.DenyChain)

	if err := d.adapter.EnsureBaseline(ctx); err != nil {
		return fmt.Errorf("failed to establish filter baseline: %w", err)
	}

	errCh := make(chan error, 1)
	if d.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.metricsSrv = &http.Server{Addr: d.cfg.Metrics.Listen, Handler: mux}
		go func() {
			d.logger.Info("metrics endpoint listening", "addr", d.cfg.Metrics.Listen)
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	d.sched.Start()

	// SIGHUP reloads the runtime-safe config pieces, SIGUSR1 asks for an
	// immediate reconciliation pass.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case err := <-errCh:
			d.shutdown()
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.reloadConfig()
			case syscall.SIGUSR1:
				if !d.sched.IsRunning() {
					continue
				}
				d.logger.Info("reconciliation requested by signal")
				if err := d.sched.RunTask(scheduler.TaskReconcile); err != nil {
					d.logger.Warn("failed to trigger reconciliation", "error", err)
				}
			}
		}
	}
}

func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")
	d.sched.Stop()
	for _, st := range d.sched.GetStatus() {
		d.logger.Info("task summary",
			"task", st.ID, "runs", st.RunCount, "errors", st.ErrorCount, "skips", st.SkipCount)
	}
	if d.metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.metricsSrv.Shutdown(sctx)
	}
}

// Close releases the ledger.
func (d *Daemon) Close() error {
	return d.store.Close()
}
