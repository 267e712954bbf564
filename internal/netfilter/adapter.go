// Package netfilter translates ledger intentions into effects on the
// host packet filter (iptables/ip6tables) and reports its observed
// state. It knows nothing about sessions or users.
//
// All external invocations are synchronous, blocking calls with an
// explicit timeout. Duplicate adds and missing-rule removes resolve to
// success, so every operation here is safe to repeat; the
// reconciliation engine depends on that.
package netfilter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/validation"
)

// Adapter wraps all interaction with the external packet filter.
type Adapter struct {
	v4Path    string
	v6Path    string
	v4Save    string
	v6Save    string
	persistV4 string
	persistV6 string
	persist   bool
	timeout   time.Duration
	chains    []string
	targets   map[string]string
	openPorts []int

	runner CommandRunner
	logger *logging.Logger
}

// New creates an adapter from the firewall configuration. chains lists
// the managed chains EnsureBaseline establishes, in evaluation order.
func New(cfg *config.FirewallConfig, chains []string, runner CommandRunner, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	targets := map[string]string{
		cfg.AllowChain: "ACCEPT",
		cfg.DenyChain:  "DROP",
	}
	return &Adapter{
		v4Path:    cfg.IptablesPath,
		v6Path:    cfg.Ip6tablesPath,
		v4Save:    saveBinary(cfg.IptablesPath),
		v6Save:    saveBinary(cfg.Ip6tablesPath),
		persistV4: cfg.PersistPathV4,
		persistV6: cfg.PersistPathV6,
		persist:   cfg.PersistEnabled(),
		timeout:   cfg.Timeout(),
		chains:    chains,
		targets:   targets,
		openPorts: cfg.OpenPorts,
		runner:    runner,
		logger:    logger.WithComponent("netfilter"),
	}
}

// saveBinary derives the snapshot binary from the enforcement binary
// path: /sbin/iptables becomes /sbin/iptables-save.
func saveBinary(path string) string {
	return filepath.Join(filepath.Dir(path), filepath.Base(path)+"-save")
}

// binaryFor selects the enforcement binary by address family.
func (a *Adapter) binaryFor(addr string) string {
	if validation.IsIPv6(addr) {
		return a.v6Path
	}
	return a.v4Path
}

// targetFor returns the jump target for rules in a chain: DROP in the
// deny chain, ACCEPT everywhere else.
func (a *Adapter) targetFor(chain string) string {
	if t, ok := a.targets[chain]; ok {
		return t
	}
	return "ACCEPT"
}

// run executes one external command under the configured timeout and
// classifies the failure kind.
func (a *Adapter) run(ctx context.Context, name string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.runner.CombinedOutput(cctx, name, args...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return text, &TimeoutError{Command: name, Timeout: a.timeout}
		}
		return text, &ExecError{Command: name, Args: args, Output: text, Err: err}
	}
	return text, nil
}

// AddAddress admits an address into a chain. The rule check runs first
// so repeated adds leave a single rule; an "already exists" diagnostic
// from the insertion itself is also treated as success.
func (a *Adapter) AddAddress(ctx context.Context, chain, addr string) error {
	if err := a.validate(chain, addr); err != nil {
		return err
	}

	bin := a.binaryFor(addr)
	ruleArgs := []string{chain, "-s", addr, "-j", a.targetFor(chain)}

	if _, err := a.run(ctx, bin, append([]string{"-C"}, ruleArgs...)...); err == nil {
		a.logger.Debug("rule already present", "chain", chain, "address", addr)
		metrics.Get().FilterCommands.WithLabelValues("add", "noop").Inc()
		return nil
	}

	out, err := a.run(ctx, bin, append([]string{"-A"}, ruleArgs...)...)
	if err != nil {
		if alreadyPresent(out) {
			metrics.Get().FilterCommands.WithLabelValues("add", "noop").Inc()
			return nil
		}
		metrics.Get().FilterCommands.WithLabelValues("add", "error").Inc()
		return err
	}

	a.logger.Info("address admitted", "chain", chain, "address", addr)
	metrics.Get().FilterCommands.WithLabelValues("add", "ok").Inc()
	a.persistRules(ctx)
	return nil
}

// RemoveAddress withdraws an address from a chain. Removing an address
// that was never admitted is success.
func (a *Adapter) RemoveAddress(ctx context.Context, chain, addr string) error {
	if err := a.validate(chain, addr); err != nil {
		return err
	}

	bin := a.binaryFor(addr)
	out, err := a.run(ctx, bin, "-D", chain, "-s", addr, "-j", a.targetFor(chain))
	if err != nil {
		if alreadyAbsent(out) {
			a.logger.Debug("rule already absent", "chain", chain, "address", addr)
			metrics.Get().FilterCommands.WithLabelValues("remove", "noop").Inc()
			return nil
		}
		metrics.Get().FilterCommands.WithLabelValues("remove", "error").Inc()
		return err
	}

	a.logger.Info("address withdrawn", "chain", chain, "address", addr)
	metrics.Get().FilterCommands.WithLabelValues("remove", "ok").Inc()
	a.persistRules(ctx)
	return nil
}

// ListAddresses queries both address families for the chain and returns
// the set of admitted source addresses. Failure to query one family does
// not block the other; family failures are joined into the returned
// error alongside the partial result.
func (a *Adapter) ListAddresses(ctx context.Context, chain string) (map[string]struct{}, error) {
	if err := validation.ValidateChainName(chain); err != nil {
		return nil, &ValidationError{Err: err}
	}

	addrs := make(map[string]struct{})
	var errs []error
	for _, bin := range []string{a.v4Path, a.v6Path} {
		out, err := a.run(ctx, bin, "-L", chain, "-n")
		if err != nil {
			errs = append(errs, err)
			metrics.Get().FilterCommands.WithLabelValues("list", "error").Inc()
			continue
		}
		for _, ip := range parseListOutput(out) {
			addrs[ip] = struct{}{}
		}
		metrics.Get().FilterCommands.WithLabelValues("list", "ok").Inc()
	}
	return addrs, errors.Join(errs...)
}

// Persist snapshots the live rule set to the restore-at-boot location.
// Durability optimization only: the ledger stays authoritative and
// reconciliation re-applies rules after a restart, so failures are
// reported for logging and never fatal.
func (a *Adapter) Persist(ctx context.Context) error {
	if !a.persist {
		return nil
	}

	var errs []error
	snapshots := []struct{ bin, path string }{
		{a.v4Save, a.persistV4},
		{a.v6Save, a.persistV6},
	}
	for _, s := range snapshots {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		out, err := a.runner.Output(cctx, s.bin)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("snapshot via %s: %w", s.bin, err))
			continue
		}
		if err := os.WriteFile(s.path, out, 0600); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", s.path, err))
		}
	}
	if len(errs) > 0 {
		metrics.Get().FilterCommands.WithLabelValues("persist", "error").Inc()
		return errors.Join(errs...)
	}
	metrics.Get().FilterCommands.WithLabelValues("persist", "ok").Inc()
	return nil
}

// persistRules is the best-effort persistence call made after every
// successful mutation.
func (a *Adapter) persistRules(ctx context.Context) {
	if err := a.Persist(ctx); err != nil {
		a.logger.Warn("failed to persist rules", "error", err)
	}
}

// EnsureBaseline idempotently establishes the managed chains and the
// default policy: loopback accepted, established/related traffic
// accepted, configured service ports open, managed chains consulted,
// everything else dropped. Safe to re-run at every process start.
func (a *Adapter) EnsureBaseline(ctx context.Context) error {
	var errs []error
	for _, bin := range []string{a.v4Path, a.v6Path} {
		for _, chain := range a.chains {
			out, err := a.run(ctx, bin, "-N", chain)
			if err != nil && !alreadyPresent(out) {
				errs = append(errs, err)
			}
		}

		rules := [][]string{
			{"INPUT", "-i", "lo", "-j", "ACCEPT"},
			{"INPUT", "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		}
		for _, port := range a.openPorts {
			rules = append(rules, []string{"INPUT", "-p", "tcp", "--dport", strconv.Itoa(port), "-j", "ACCEPT"})
		}
		for _, chain := range a.chains {
			rules = append(rules, []string{"INPUT", "-j", chain})
		}
		rules = append(rules, []string{"INPUT", "-j", "DROP"})

		for _, rule := range rules {
			if err := a.ensureRule(ctx, bin, rule); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		metrics.Get().FilterCommands.WithLabelValues("baseline", "error").Inc()
		return errors.Join(errs...)
	}
	metrics.Get().FilterCommands.WithLabelValues("baseline", "ok").Inc()
	a.persistRules(ctx)
	return nil
}

// ensureRule appends a rule only if it is not already present.
func (a *Adapter) ensureRule(ctx context.Context, bin string, rule []string) error {
	if _, err := a.run(ctx, bin, append([]string{"-C"}, rule...)...); err == nil {
		return nil
	}
	_, err := a.run(ctx, bin, append([]string{"-A"}, rule...)...)
	return err
}

// FlushChain removes every rule from a managed chain in both families.
// Administrative escape hatch; the next reconciliation pass re-admits
// whatever the ledger still intends.
func (a *Adapter) FlushChain(ctx context.Context, chain string) error {
	if err := validation.ValidateChainName(chain); err != nil {
		return &ValidationError{Err: err}
	}

	var errs []error
	for _, bin := range []string{a.v4Path, a.v6Path} {
		if _, err := a.run(ctx, bin, "-F", chain); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.persistRules(ctx)
	return nil
}

func (a *Adapter) validate(chain, addr string) error {
	if err := validation.ValidateChainName(chain); err != nil {
		return &ValidationError{Err: err}
	}
	if err := validation.ValidateAddress(addr); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}
