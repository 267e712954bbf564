// Package reconcile converges the live packet filter toward the rule
// ledger. The ledger is the single source of truth: addresses live in a
// managed chain without a backing ledger record are orphans and get
// removed; recorded addresses missing from the chain get re-added.
//
// Orphan removal runs before missing-address insertion, so an attacker
// who somehow injected a rule loses it before anything new goes live.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/ledger"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
)

// Filter is the slice of the packet-filter adapter the engine needs.
type Filter interface {
	AddAddress(ctx context.Context, chain, addr string) error
	RemoveAddress(ctx context.Context, chain, addr string) error
	ListAddresses(ctx context.Context, chain string) (map[string]struct{}, error)
}

// Result summarizes one reconciliation pass over a single chain.
type Result struct {
	Chain   string
	Removed int // orphans withdrawn from the live chain
	Added   int // intended addresses re-admitted
	Failed  int // addresses that could not be converged this pass
}

// ErrPassInProgress is returned when a pass for the chain is already
// running; the caller should simply wait for the next tick.
var ErrPassInProgress = errors.New("reconcile: pass already in progress")

// Engine diffs ledger intentions against live chain state and repairs
// the difference.
type Engine struct {
	store  *ledger.Store
	filter Filter
	clock  clock.Clock
	logger *logging.Logger

	mu     sync.Mutex
	chains map[string]*sync.Mutex
}

// New wires a reconciliation engine for the given chains.
func New(store *ledger.Store, filter Filter, chains []string, clk clock.Clock, logger *logging.Logger) *Engine {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	locks := make(map[string]*sync.Mutex, len(chains))
	for _, c := range chains {
		locks[c] = &sync.Mutex{}
	}
	return &Engine{
		store:  store,
		filter: filter,
		clock:  clk,
		logger: logger.WithComponent("reconcile"),
		chains: locks,
	}
}

// ReconcileAll runs one pass over every managed chain. Per-chain
// failures are joined; a failing chain never blocks the others.
func (e *Engine) ReconcileAll(ctx context.Context) ([]Result, error) {
	var results []Result
	var errs []error
	for chain := range e.chains {
		res, err := e.ReconcileChain(ctx, chain)
		if err != nil {
			if errors.Is(err, ErrPassInProgress) {
				continue
			}
			errs = append(errs, fmt.Errorf("chain %s: %w", chain, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// ReconcileChain runs one pass over a single chain. If a pass for the
// same chain is already running the call returns ErrPassInProgress
// instead of queueing: two concurrent passes would race each other's
// removals.
func (e *Engine) ReconcileChain(ctx context.Context, chain string) (Result, error) {
	lock, ok := e.chainLock(chain)
	if !ok {
		return Result{}, fmt.Errorf("reconcile: unmanaged chain %q", chain)
	}
	if !lock.TryLock() {
		metrics.Get().ReconcilePasses.WithLabelValues(chain, "skipped").Inc()
		return Result{}, ErrPassInProgress
	}
	defer lock.Unlock()

	start := e.clock.Now()
	res, err := e.pass(ctx, chain)
	metrics.Get().ReconcileDuration.WithLabelValues(chain).Observe(e.clock.Since(start).Seconds())
	if err != nil {
		metrics.Get().ReconcilePasses.WithLabelValues(chain, "error").Inc()
		return res, err
	}
	metrics.Get().ReconcilePasses.WithLabelValues(chain, "ok").Inc()
	return res, nil
}

func (e *Engine) pass(ctx context.Context, chain string) (Result, error) {
	res := Result{Chain: chain}

	intended, err := e.store.ActiveAddresses(chain)
	if err != nil {
		return res, err
	}
	intendedSet := make(map[string]struct{}, len(intended))
	for _, addr := range intended {
		intendedSet[addr] = struct{}{}
	}
	metrics.Get().RulesActive.WithLabelValues(chain).Set(float64(len(intended)))

	live, listErr := e.filter.ListAddresses(ctx, chain)
	if listErr != nil {
		if live == nil {
			return res, listErr
		}
		// Partial listing: adds below stay safe (idempotent), but
		// removals could withdraw addresses the unlisted family still
		// carries, so only the add half runs.
		e.logger.Warn("partial chain listing, skipping orphan removal",
			"chain", chain, "error", listErr)
	}

	// Orphans first.
	if listErr == nil {
		for addr := range live {
			if _, ok := intendedSet[addr]; ok {
				continue
			}
			if err := e.filter.RemoveAddress(ctx, chain, addr); err != nil {
				e.logger.Error("failed to remove orphan", "chain", chain, "address", addr, "error", err)
				res.Failed++
				continue
			}
			e.logger.Warn("removed orphan rule", "chain", chain, "address", addr)
			metrics.Get().ReconcileOrphans.WithLabelValues(chain).Inc()
			res.Removed++
		}
	}

	// Then the missing intentions. One failing address must not starve
	// the rest of the batch.
	var converged []string
	for _, addr := range intended {
		if _, ok := live[addr]; ok {
			converged = append(converged, addr)
			continue
		}
		if err := e.filter.AddAddress(ctx, chain, addr); err != nil {
			e.logger.Error("failed to re-admit address", "chain", chain, "address", addr, "error", err)
			res.Failed++
			continue
		}
		e.logger.Info("re-admitted missing address", "chain", chain, "address", addr)
		metrics.Get().ReconcileMissing.WithLabelValues(chain).Inc()
		res.Added++
		converged = append(converged, addr)
	}

	// Every address verified or re-applied this pass is confirmed in
	// one transaction.
	if err := e.store.MarkRulesConfirmed(chain, converged); err != nil {
		return res, err
	}

	if res.Removed > 0 || res.Added > 0 || res.Failed > 0 {
		e.logger.Info("reconciliation pass finished",
			"chain", chain, "removed", res.Removed, "added", res.Added, "failed", res.Failed)
	}
	return res, nil
}

func (e *Engine) chainLock(chain string) (*sync.Mutex, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.chains[chain]
	return lock, ok
}
