// Package metrics exposes Prometheus instrumentation for the access
// daemon: authentication outcomes, filter command activity and
// reconciliation convergence.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	// Authentication metrics
	LoginsTotal         *prometheus.CounterVec // outcome: success, bad_credentials, locked, unconfirmed, error
	LockoutsTotal       prometheus.Counter
	BlacklistsTotal     prometheus.Counter
	SessionsActive      prometheus.Gauge
	SessionsExpiredTotal prometheus.Counter
	RulesActive         *prometheus.GaugeVec // chain

	// Packet-filter adapter metrics
	FilterCommands *prometheus.CounterVec // op: add, remove, list, persist, baseline; outcome: ok, noop, error

	// Reconciliation metrics
	ReconcilePasses   *prometheus.CounterVec // chain, outcome: ok, skipped, error
	ReconcileOrphans  *prometheus.CounterVec // chain
	ReconcileMissing  *prometheus.CounterVec // chain
	ReconcileDuration *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.LoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_logins_total",
		Help: "Login attempts by outcome",
	}, []string{"outcome"})

	r.LockoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_lockouts_total",
		Help: "Accounts locked after repeated failed logins",
	})

	r.BlacklistsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_blacklist_promotions_total",
		Help: "Source addresses promoted to the deny chain",
	})

	r.SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_sessions_active",
		Help: "Currently active sessions",
	})

	r.SessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_sessions_expired_total",
		Help: "Sessions ended by the expiry sweep",
	})

	r.RulesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_rules_active",
		Help: "Addresses the ledger currently intends per chain",
	}, []string{"chain"})

	r.FilterCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_filter_commands_total",
		Help: "Packet-filter adapter operations by outcome",
	}, []string{"op", "outcome"})

	r.ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_reconcile_passes_total",
		Help: "Reconciliation passes by chain and outcome",
	}, []string{"chain", "outcome"})

	r.ReconcileOrphans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_reconcile_orphans_total",
		Help: "Addresses found live but not intended, removed during reconciliation",
	}, []string{"chain"})

	r.ReconcileMissing = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_reconcile_missing_total",
		Help: "Addresses intended but not live, added during reconciliation",
	}, []string{"chain"})

	r.ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_reconcile_duration_seconds",
		Help:    "Duration of one reconciliation pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"chain"})

	return r
}
