// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package enforcement turns verdicts into blocking decisions. It owns the
// dry-run gate, the operator safety controls, and the reconciliation between
// the blacklist and the firewall. The machine is deliberately conservative:
// when in doubt, it observes instead of blocking.
package enforcement

import (
	"context"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"grimm.is/warden/internal/blacklist"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/firewall"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/scoring"
	"grimm.is/warden/internal/state"
)

const phaseDoc = "enforcement"

// Phase is the current enforcement posture.
type Phase string

const (
	// PhaseDryRun observes and records but never blocks. Every deployment
	// starts here and stays for the configured duration.
	PhaseDryRun Phase = "dry-run"
	// PhaseActive blocks qualifying addresses. Entered exactly once, by
	// wall-clock, never left.
	PhaseActive Phase = "active"
	// PhaseEmergencyStopped overlays either phase while the stop file
	// exists. All enforcement actions are no-ops.
	PhaseEmergencyStopped Phase = "emergency-stopped"
)

// Action is what the machine did with one verdict.
type Action string

const (
	ActionNone           Action = "none"
	ActionWouldBlock     Action = "would-block"
	ActionBlock          Action = "block"
	ActionSkipOverride   Action = "skip-override"
	ActionSkipConfidence Action = "skip-low-confidence"
	ActionSkipStopped    Action = "skip-emergency-stop"
	ActionBlockFailed    Action = "block-failed"
)

// Decision is the enforcement outcome for one verdict.
type Decision struct {
	Verdict  scoring.Verdict
	Action   Action
	Reason   string
	Err      error // set when Action is ActionBlockFailed
	Enforced bool  // a firewall rule is in place for this verdict
}

// TrustPolicy answers whether an address has been vouched for by an
// operator. Trusted addresses are never blocked.
type TrustPolicy interface {
	IsTrusted(address string) bool
}

// phaseRecord is the persisted dry-run anchor. The transition to active is
// computed from it, never stored, so clock rollbacks cannot re-arm dry-run
// and a crash cannot skip it.
type phaseRecord struct {
	StartedAt time.Time `json:"started_at"`
}

// Machine applies verdicts according to the current phase.
type Machine struct {
	cfg       *config.EnforcementConfig
	blacklist *blacklist.Blacklist
	fw        firewall.Controller
	trust     TrustPolicy
	store     state.Store
	logger    *logging.Logger

	startedAt        time.Time
	firewallFailures atomic.Uint64
	blocksApplied    atomic.Uint64
}

// NewMachine restores (or starts) the dry-run anchor and wires the machine.
// trust may be nil when no feedback manager is configured.
func NewMachine(cfg *config.EnforcementConfig, bl *blacklist.Blacklist, fw firewall.Controller, trust TrustPolicy, store state.Store) (*Machine, error) {
	m := &Machine{
		cfg:       cfg,
		blacklist: bl,
		fw:        fw,
		trust:     trust,
		store:     store,
		logger:    logging.WithComponent("enforcement"),
	}

	var rec phaseRecord
	err := store.Load(phaseDoc, &rec)
	switch {
	case err == nil:
		m.startedAt = rec.StartedAt
	case errors.IsKind(err, errors.KindNotFound):
		m.startedAt = clock.Now()
		if err := store.Save(phaseDoc, phaseRecord{StartedAt: m.startedAt}); err != nil {
			return nil, err
		}
		m.logger.Info("Dry-run observation period started",
			"duration", cfg.ParsedDryRunDuration, "active_at", m.ActiveAt())
	default:
		return nil, err
	}

	m.logger.Info("Enforcement machine ready", "phase", string(m.Phase()), "active_at", m.ActiveAt())
	return m, nil
}

// StartedAt returns the persisted start of the observation period.
func (m *Machine) StartedAt() time.Time { return m.startedAt }

// ActiveAt returns the instant enforcement becomes live.
func (m *Machine) ActiveAt() time.Time {
	return m.startedAt.Add(m.cfg.ParsedDryRunDuration)
}

// Phase computes the current posture. The emergency stop overlays the
// wall-clock phase.
func (m *Machine) Phase() Phase {
	if m.EmergencyStopped() {
		return PhaseEmergencyStopped
	}
	if clock.Now().Before(m.ActiveAt()) {
		return PhaseDryRun
	}
	return PhaseActive
}

// EmergencyStopped reports whether the stop file exists. Checked on every
// enforcement decision so an operator touch takes effect immediately.
func (m *Machine) EmergencyStopped() bool {
	_, err := os.Stat(m.cfg.EmergencyStopFile)
	return err == nil
}

// SetEmergencyStop raises or lowers the stop file.
func (m *Machine) SetEmergencyStop(on bool) error {
	if on {
		f, err := os.OpenFile(m.cfg.EmergencyStopFile, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to create emergency stop file")
		}
		m.logger.Warn("EMERGENCY STOP engaged; all enforcement suspended")
		return f.Close()
	}
	if err := os.Remove(m.cfg.EmergencyStopFile); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.KindInternal, "failed to remove emergency stop file")
	}
	m.logger.Info("Emergency stop released")
	return nil
}

// Overridden reports whether the address is on the static allow-list or
// vouched for through feedback.
func (m *Machine) Overridden(address string) bool {
	if slices.Contains(m.cfg.Overrides, address) {
		return true
	}
	return m.trust != nil && m.trust.IsTrusted(address)
}

// FirewallFailures returns the cumulative firewall call failure count.
func (m *Machine) FirewallFailures() uint64 { return m.firewallFailures.Load() }

// BlocksApplied returns the cumulative count of successful block calls.
func (m *Machine) BlocksApplied() uint64 { return m.blocksApplied.Load() }

// Apply runs the enforcement policy over a batch of verdicts. A firewall
// failure degrades the decision, never the batch; reconciliation retries on
// the next maintenance pass.
func (m *Machine) Apply(ctx context.Context, verdicts []scoring.Verdict) []Decision {
	decisions := make([]Decision, len(verdicts))
	for i, v := range verdicts {
		decisions[i] = m.applyOne(ctx, v)
	}
	return decisions
}

func (m *Machine) applyOne(ctx context.Context, v scoring.Verdict) Decision {
	d := Decision{Verdict: v, Action: ActionNone}

	if v.Class == scoring.ClassNormal {
		return d
	}

	// Anomalous or high-risk: both qualify for blocking.
	if m.Overridden(v.Address) {
		d.Action = ActionSkipOverride
		d.Reason = "address is on the allow-list"
		m.logger.Info("Qualifying verdict for overridden address, not blocking",
			"address", v.Address, "score", v.Score, "class", string(v.Class))
		return d
	}
	if v.LowConfidence {
		d.Action = ActionSkipConfidence
		d.Reason = "verdict produced by low-confidence model tier"
		m.logger.Warn("Qualifying verdict from low-confidence model, not blocking",
			"address", v.Address, "score", v.Score, "tier", v.ModelTier.String())
		return d
	}
	if m.EmergencyStopped() {
		d.Action = ActionSkipStopped
		d.Reason = "emergency stop is engaged"
		return d
	}
	if m.Phase() == PhaseDryRun {
		d.Action = ActionWouldBlock
		m.logger.Info("DRY-RUN: would block address",
			"address", v.Address, "score", v.Score, "active_at", m.ActiveAt())
		return d
	}

	entry, err := m.blacklist.Admit(v.Address, v.Score, string(v.Class))
	if err != nil {
		d.Action = ActionBlockFailed
		d.Reason = err.Error()
		d.Err = err
		m.logger.Error("Blacklist admission failed", "address", v.Address, "error", err)
		return d
	}
	m.releaseEvicted(ctx)

	if err := m.fw.EnsureBlocked(ctx, v.Address); err != nil {
		m.firewallFailures.Add(1)
		d.Action = ActionBlockFailed
		d.Reason = err.Error()
		d.Err = err
		m.logger.Error("Firewall block call failed; will retry on reconciliation",
			"address", v.Address, "error", err)
		return d
	}

	m.blocksApplied.Add(1)
	d.Action = ActionBlock
	d.Enforced = true
	m.logger.Info("Address blocked", "address", v.Address, "score", v.Score, "hits", entry.Hits)
	return d
}

// releaseEvicted drops the firewall rules of entries removed by capacity
// eviction. An entry leaving the blacklist must leave the firewall too.
func (m *Machine) releaseEvicted(ctx context.Context) int {
	released := 0
	for _, e := range m.blacklist.TakeEvicted() {
		if err := m.fw.EnsureUnblocked(ctx, e.Address); err != nil {
			m.firewallFailures.Add(1)
			m.logger.Error("Failed to release evicted block", "address", e.Address, "error", err)
			continue
		}
		released++
	}
	return released
}

// Unblock removes the address from the blacklist and the firewall. Used for
// operator removals and false-positive reports.
func (m *Machine) Unblock(ctx context.Context, address string) error {
	m.blacklist.Remove(address)
	if err := m.fw.EnsureUnblocked(ctx, address); err != nil {
		m.firewallFailures.Add(1)
		return err
	}
	return nil
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Expired          int `json:"expired"`
	Evicted          int `json:"evicted"`
	Reconciled       int `json:"reconciled"`
	FirewallFailures int `json:"firewall_failures"`
}

// Maintain runs one maintenance pass: expire blacklist entries and release
// their rules, release any pending capacity evictions, re-assert a rule for
// every live entry, persist the snapshot. Reconciliation makes a missed or
// failed firewall call self-healing.
func (m *Machine) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport

	for _, e := range m.blacklist.Sweep() {
		report.Expired++
		if err := m.fw.EnsureUnblocked(ctx, e.Address); err != nil {
			m.firewallFailures.Add(1)
			report.FirewallFailures++
			m.logger.Error("Failed to release expired block", "address", e.Address, "error", err)
		}
	}
	report.Evicted = m.releaseEvicted(ctx)

	if !m.EmergencyStopped() && m.Phase() == PhaseActive {
		for _, e := range m.blacklist.Entries() {
			if err := m.fw.EnsureBlocked(ctx, e.Address); err != nil {
				m.firewallFailures.Add(1)
				report.FirewallFailures++
				m.logger.Error("Reconciliation block call failed", "address", e.Address, "error", err)
				continue
			}
			report.Reconciled++
		}
	}

	if err := m.blacklist.Save(); err != nil {
		return report, err
	}
	return report, nil
}
