// Package config defines the HCL configuration surface for the access
// daemon: ledger location, packet-filter chains and binaries, lockout
// policy, background task intervals, logging, metrics and notifications.
package config

import (
	"fmt"
	"time"

	"grimm.is/warden/internal/validation"
)

// Config is the top-level structure for the daemon configuration.
type Config struct {
	Database      *DatabaseConfig      `hcl:"database,block"`
	Firewall      *FirewallConfig      `hcl:"firewall,block"`
	Auth          *AuthConfig          `hcl:"auth,block"`
	Tasks         *TasksConfig         `hcl:"tasks,block"`
	Logging       *LoggingConfig       `hcl:"logging,block"`
	Metrics       *MetricsConfig       `hcl:"metrics,block"`
	Notifications *NotificationsConfig `hcl:"notifications,block"`
}

// DatabaseConfig locates the rule ledger.
type DatabaseConfig struct {
	Path string `hcl:"path,optional"`
}

// FirewallConfig describes the packet-filter command surface.
type FirewallConfig struct {
	AllowChain     string `hcl:"allow_chain,optional"`
	DenyChain      string `hcl:"deny_chain,optional"`
	IptablesPath   string `hcl:"iptables_path,optional"`
	Ip6tablesPath  string `hcl:"ip6tables_path,optional"`
	CommandTimeout string `hcl:"command_timeout,optional"`
	PersistPathV4  string `hcl:"persist_path_v4,optional"`
	PersistPathV6  string `hcl:"persist_path_v6,optional"`
	Persist        *bool  `hcl:"persist,optional"`
	OpenPorts      []int  `hcl:"open_ports,optional"`

	commandTimeout time.Duration
}

// Timeout returns the parsed external-command timeout.
func (f *FirewallConfig) Timeout() time.Duration { return f.commandTimeout }

// PersistEnabled reports whether rule snapshots run after mutations.
// On unless the operator sets persist = false.
func (f *FirewallConfig) PersistEnabled() bool {
	return f.Persist == nil || *f.Persist
}

// AuthConfig holds session and lockout policy.
type AuthConfig struct {
	SessionValidity  string `hcl:"session_validity,optional"`
	LockoutThreshold int    `hcl:"lockout_threshold,optional"`
	LockoutDuration  string `hcl:"lockout_duration,optional"`

	sessionValidity time.Duration
	lockoutDuration time.Duration
}

// SessionTTL returns the parsed session validity window.
func (a *AuthConfig) SessionTTL() time.Duration { return a.sessionValidity }

// LockFor returns the parsed lockout duration.
func (a *AuthConfig) LockFor() time.Duration { return a.lockoutDuration }

// TasksConfig holds background task intervals.
type TasksConfig struct {
	SweepInterval      string `hcl:"sweep_interval,optional"`
	ReconcileInterval  string `hcl:"reconcile_interval,optional"`
	EventRetentionDays int    `hcl:"event_retention_days,optional"`
	BackupDir          string `hcl:"backup_dir,optional"`

	sweepInterval     time.Duration
	reconcileInterval time.Duration
}

// Sweep returns the parsed expiry-sweep interval.
func (t *TasksConfig) Sweep() time.Duration { return t.sweepInterval }

// Reconcile returns the parsed reconciliation interval.
func (t *TasksConfig) Reconcile() time.Duration { return t.reconcileInterval }

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Listen  string `hcl:"listen,optional"`
}

// NotificationsConfig configures outbound alerting channels.
type NotificationsConfig struct {
	Enabled  bool                  `hcl:"enabled,optional"`
	Channels []NotificationChannel `hcl:"channel,block"`
}

// NotificationChannel is a single alert destination.
type NotificationChannel struct {
	Name       string `hcl:"name,label"`
	Type       string `hcl:"type"` // "webhook" or "log"
	Enabled    bool   `hcl:"enabled,optional"`
	Level      string `hcl:"level,optional"`
	WebhookURL string `hcl:"webhook_url,optional"`
}

// Default returns a configuration populated with reference defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.normalize(); err != nil {
		// Defaults are constants; a parse failure here is a programming error.
		panic(err)
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Database == nil {
		c.Database = &DatabaseConfig{}
	}
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/warden/warden.db"
	}

	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	fw := c.Firewall
	if fw.AllowChain == "" {
		fw.AllowChain = "WARDEN_ALLOW"
	}
	if fw.DenyChain == "" {
		fw.DenyChain = "WARDEN_DENY"
	}
	if fw.IptablesPath == "" {
		fw.IptablesPath = "/sbin/iptables"
	}
	if fw.Ip6tablesPath == "" {
		fw.Ip6tablesPath = "/sbin/ip6tables"
	}
	if fw.CommandTimeout == "" {
		fw.CommandTimeout = "30s"
	}
	if fw.PersistPathV4 == "" {
		fw.PersistPathV4 = "/etc/iptables/rules.v4"
	}
	if fw.PersistPathV6 == "" {
		fw.PersistPathV6 = "/etc/iptables/rules.v6"
	}
	if len(fw.OpenPorts) == 0 {
		// HTTPS stays reachable so principals can log in at all.
		fw.OpenPorts = []int{443}
	}

	if c.Auth == nil {
		c.Auth = &AuthConfig{}
	}
	if c.Auth.SessionValidity == "" {
		c.Auth.SessionValidity = "24h"
	}
	if c.Auth.LockoutThreshold == 0 {
		c.Auth.LockoutThreshold = 5
	}
	if c.Auth.LockoutDuration == "" {
		c.Auth.LockoutDuration = "30m"
	}

	if c.Tasks == nil {
		c.Tasks = &TasksConfig{}
	}
	if c.Tasks.SweepInterval == "" {
		c.Tasks.SweepInterval = "5m"
	}
	if c.Tasks.ReconcileInterval == "" {
		c.Tasks.ReconcileInterval = "10m"
	}
	if c.Tasks.EventRetentionDays == 0 {
		c.Tasks.EventRetentionDays = 30
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{Enabled: true}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9135"
	}

	if c.Notifications == nil {
		c.Notifications = &NotificationsConfig{}
	}
}

// normalize parses the duration strings into their typed counterparts.
func (c *Config) normalize() error {
	var err error
	if c.Firewall.commandTimeout, err = time.ParseDuration(c.Firewall.CommandTimeout); err != nil {
		return fmt.Errorf("firewall.command_timeout: %w", err)
	}
	if c.Auth.sessionValidity, err = time.ParseDuration(c.Auth.SessionValidity); err != nil {
		return fmt.Errorf("auth.session_validity: %w", err)
	}
	if c.Auth.lockoutDuration, err = time.ParseDuration(c.Auth.LockoutDuration); err != nil {
		return fmt.Errorf("auth.lockout_duration: %w", err)
	}
	if c.Tasks.sweepInterval, err = time.ParseDuration(c.Tasks.SweepInterval); err != nil {
		return fmt.Errorf("tasks.sweep_interval: %w", err)
	}
	if c.Tasks.reconcileInterval, err = time.ParseDuration(c.Tasks.ReconcileInterval); err != nil {
		return fmt.Errorf("tasks.reconcile_interval: %w", err)
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if err := validation.ValidateChainName(c.Firewall.AllowChain); err != nil {
		return fmt.Errorf("firewall.allow_chain: %w", err)
	}
	if err := validation.ValidateChainName(c.Firewall.DenyChain); err != nil {
		return fmt.Errorf("firewall.deny_chain: %w", err)
	}
	if c.Firewall.AllowChain == c.Firewall.DenyChain {
		return fmt.Errorf("allow_chain and deny_chain must differ")
	}
	for _, p := range c.Firewall.OpenPorts {
		if err := validation.ValidatePortNumber(p); err != nil {
			return fmt.Errorf("firewall.open_ports: %w", err)
		}
	}
	if c.Firewall.commandTimeout <= 0 {
		return fmt.Errorf("firewall.command_timeout must be positive")
	}
	if c.Auth.LockoutThreshold < 1 {
		return fmt.Errorf("auth.lockout_threshold must be at least 1")
	}
	if c.Auth.sessionValidity <= 0 {
		return fmt.Errorf("auth.session_validity must be positive")
	}
	if c.Tasks.sweepInterval <= 0 || c.Tasks.reconcileInterval <= 0 {
		return fmt.Errorf("task intervals must be positive")
	}
	if c.Tasks.EventRetentionDays < 1 {
		return fmt.Errorf("tasks.event_retention_days must be at least 1")
	}
	for _, ch := range c.Notifications.Channels {
		switch ch.Type {
		case "webhook":
			if ch.WebhookURL == "" {
				return fmt.Errorf("notification channel %q: webhook_url required", ch.Name)
			}
		case "log":
		default:
			return fmt.Errorf("notification channel %q: unknown type %q", ch.Name, ch.Type)
		}
	}
	return nil
}

// Chains returns the managed chain names in evaluation order: the deny
// chain is consulted first, so a blacklisted address is dropped even
// when a stale allow entry still exists.
func (c *Config) Chains() []string {
	return []string{c.Firewall.DenyChain, c.Firewall.AllowChain}
}
