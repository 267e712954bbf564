package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"grimm.is/warden/internal/logging"
)

// Task IDs, referenced by the daemon's signal handling and health
// check.
const (
	TaskExpirySweep = "expiry-sweep"
	TaskReconcile   = "reconcile"
	TaskEventPurge  = "event-purge"
	TaskBackup      = "ledger-backup"
	TaskHealthCheck = "health-check"
)

// NewExpirySweepTask creates the task that ends expired sessions.
func NewExpirySweepTask(sweep func(ctx context.Context) (int, error), interval time.Duration) *Task {
	return &Task{
		ID:         TaskExpirySweep,
		Name:       "Session Expiry Sweep",
		Schedule:   Every(interval),
		RunOnStart: true,
		Timeout:    2 * time.Minute,
		Func: func(ctx context.Context) error {
			_, err := sweep(ctx)
			return err
		},
	}
}

// NewReconcileTask creates the task that converges the packet filter
// toward the ledger.
func NewReconcileTask(reconcile func(ctx context.Context) error, interval time.Duration) *Task {
	return &Task{
		ID:         TaskReconcile,
		Name:       "Filter Reconciliation",
		Schedule:   Every(interval),
		RunOnStart: true,
		Timeout:    5 * time.Minute,
		Func:       reconcile,
	}
}

// NewEventPurgeTask creates the daily task that prunes old audit events.
func NewEventPurgeTask(purge func(olderThan time.Time) (int64, error), retention time.Duration, now func() time.Time) *Task {
	return &Task{
		ID:       TaskEventPurge,
		Name:     "Audit Event Purge",
		Schedule: Daily(3, 0),
		Timeout:  2 * time.Minute,
		Func: func(ctx context.Context) error {
			n, err := purge(now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logging.Info("purged audit events", "count", n)
			}
			return nil
		},
	}
}

// NewBackupTask creates the daily ledger backup task. Old backups
// beyond keepCount are deleted.
func NewBackupTask(backup func(path string) error, dir string, keepCount int, now func() time.Time) *Task {
	if keepCount <= 0 {
		keepCount = 7
	}
	return &Task{
		ID:       TaskBackup,
		Name:     "Ledger Backup",
		Schedule: Daily(4, 0),
		Timeout:  5 * time.Minute,
		Func: func(ctx context.Context) error {
			if dir == "" {
				return fmt.Errorf("backup directory not configured")
			}
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create backup directory: %w", err)
			}

			timestamp := now().Format("2006-01-02_15-04-05")
			path := filepath.Join(dir, fmt.Sprintf("warden_%s.db", timestamp))
			if err := backup(path); err != nil {
				return err
			}

			if err := cleanupOldBackups(dir, keepCount); err != nil {
				logging.Warn("failed to cleanup old backups", "error", err)
			}
			return nil
		},
	}
}

// NewHealthCheckTask creates a task to perform periodic health checks.
func NewHealthCheckTask(checkFunc func(context.Context) error, interval time.Duration) *Task {
	return &Task{
		ID:         TaskHealthCheck,
		Name:       "Health Check",
		Schedule:   Every(interval),
		RunOnStart: true,
		Timeout:    30 * time.Second,
		Func:       checkFunc,
	}
}

// cleanupOldBackups removes old backup files, keeping only the most
// recent keepCount.
func cleanupOldBackups(dir string, keepCount int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	var backups []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".db" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, fileInfo{name: entry.Name(), modTime: info.ModTime()})
	}
	if len(backups) <= keepCount {
		return nil
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.Before(backups[j].modTime)
	})
	for _, f := range backups[:len(backups)-keepCount] {
		path := filepath.Join(dir, f.name)
		if err := os.Remove(path); err != nil {
			logging.Warn("failed to delete old backup", "path", path, "error", err)
		}
	}
	return nil
}
