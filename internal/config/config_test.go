package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load([]byte(""), "empty.hcl")
	if err != nil {
		t.Fatalf("Load empty config: %v", err)
	}

	if cfg.Firewall.AllowChain != "WARDEN_ALLOW" {
		t.Errorf("allow_chain = %q", cfg.Firewall.AllowChain)
	}
	if cfg.Firewall.DenyChain != "WARDEN_DENY" {
		t.Errorf("deny_chain = %q", cfg.Firewall.DenyChain)
	}
	if cfg.Firewall.Timeout() != 30*time.Second {
		t.Errorf("command timeout = %v", cfg.Firewall.Timeout())
	}
	if cfg.Auth.SessionTTL() != 24*time.Hour {
		t.Errorf("session validity = %v", cfg.Auth.SessionTTL())
	}
	if cfg.Auth.LockoutThreshold != 5 {
		t.Errorf("lockout threshold = %d", cfg.Auth.LockoutThreshold)
	}
	if cfg.Auth.LockFor() != 30*time.Minute {
		t.Errorf("lockout duration = %v", cfg.Auth.LockFor())
	}
	if cfg.Tasks.Sweep() != 5*time.Minute {
		t.Errorf("sweep interval = %v", cfg.Tasks.Sweep())
	}
	if cfg.Tasks.Reconcile() != 10*time.Minute {
		t.Errorf("reconcile interval = %v", cfg.Tasks.Reconcile())
	}
	if !cfg.Firewall.PersistEnabled() {
		t.Error("persist should default on")
	}
}

func TestLoadFull(t *testing.T) {
	hcl := `
database {
  path = "/tmp/test.db"
}

firewall {
  allow_chain     = "MY_ALLOW"
  deny_chain      = "MY_DENY"
  iptables_path   = "/usr/sbin/iptables"
  command_timeout = "10s"
  open_ports      = [443, 8443]
  persist         = false
}

auth {
  session_validity  = "8h"
  lockout_threshold = 3
  lockout_duration  = "1h"
}

tasks {
  sweep_interval     = "1m"
  reconcile_interval = "2m"
}

notifications {
  enabled = true

  channel "ops" {
    type        = "webhook"
    enabled     = true
    level       = "warning"
    webhook_url = "https://hooks.example.com/warden"
  }
}
`
	cfg, err := Load([]byte(hcl), "test.hcl")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Firewall.AllowChain != "MY_ALLOW" {
		t.Errorf("allow_chain = %q", cfg.Firewall.AllowChain)
	}
	if cfg.Firewall.Timeout() != 10*time.Second {
		t.Errorf("timeout = %v", cfg.Firewall.Timeout())
	}
	if cfg.Firewall.PersistEnabled() {
		t.Error("persist = false should stick")
	}
	if cfg.Auth.SessionTTL() != 8*time.Hour {
		t.Errorf("session validity = %v", cfg.Auth.SessionTTL())
	}
	if cfg.Auth.LockoutThreshold != 3 {
		t.Errorf("threshold = %d", cfg.Auth.LockoutThreshold)
	}
	if len(cfg.Notifications.Channels) != 1 || cfg.Notifications.Channels[0].Name != "ops" {
		t.Errorf("channels = %+v", cfg.Notifications.Channels)
	}
	// Deny chain first: it must be consulted before the allow chain.
	if got := cfg.Chains(); len(got) != 2 || got[0] != "MY_DENY" || got[1] != "MY_ALLOW" {
		t.Errorf("Chains() = %v", got)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		hcl  string
		want string
	}{
		{"bad chain", `firewall { allow_chain = "bad chain" }`, "allow_chain"},
		{"same chains", `firewall { allow_chain = "X"  deny_chain = "X" }`, "must differ"},
		{"bad timeout", `firewall { command_timeout = "soon" }`, "command_timeout"},
		{"bad port", `firewall { open_ports = [70000] }`, "open_ports"},
		{"bad validity", `auth { session_validity = "never" }`, "session_validity"},
		{"webhook missing url", `notifications { channel "x" { type = "webhook" } }`, "webhook_url"},
		{"unknown channel type", `notifications { channel "x" { type = "pigeon" } }`, "unknown type"},
	}

	for _, tc := range cases {
		_, err := Load([]byte(tc.hcl), tc.name+".hcl")
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}
