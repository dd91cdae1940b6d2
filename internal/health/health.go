// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health tracks engine counters and evaluates them against the
// configured thresholds. Detection lives here; delivery belongs to the
// alerting engine.
package health

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
)

// Stats is the engine's counter set. All fields are safe for concurrent
// update from the processing loops.
type Stats struct {
	BatchesProcessed atomic.Uint64
	RecordsScored    atomic.Uint64
	RecordsSkipped   atomic.Uint64

	VerdictsNormal    atomic.Uint64
	VerdictsAnomalous atomic.Uint64
	VerdictsHighRisk  atomic.Uint64

	BlocksApplied    atomic.Uint64
	BlocksSkipped    atomic.Uint64 // overrides, low confidence, dry-run, stop
	FirewallFailures atomic.Uint64
	ModelRefreshes   atomic.Uint64
}

// StatsSnapshot is the JSON view of the counters.
type StatsSnapshot struct {
	BatchesProcessed  uint64 `json:"batches_processed"`
	RecordsScored     uint64 `json:"records_scored"`
	RecordsSkipped    uint64 `json:"records_skipped"`
	VerdictsNormal    uint64 `json:"verdicts_normal"`
	VerdictsAnomalous uint64 `json:"verdicts_anomalous"`
	VerdictsHighRisk  uint64 `json:"verdicts_high_risk"`
	BlocksApplied     uint64 `json:"blocks_applied"`
	BlocksSkipped     uint64 `json:"blocks_skipped"`
	FirewallFailures  uint64 `json:"firewall_failures"`
	ModelRefreshes    uint64 `json:"model_refreshes"`
}

// Snapshot returns a point-in-time copy.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BatchesProcessed:  s.BatchesProcessed.Load(),
		RecordsScored:     s.RecordsScored.Load(),
		RecordsSkipped:    s.RecordsSkipped.Load(),
		VerdictsNormal:    s.VerdictsNormal.Load(),
		VerdictsAnomalous: s.VerdictsAnomalous.Load(),
		VerdictsHighRisk:  s.VerdictsHighRisk.Load(),
		BlocksApplied:     s.BlocksApplied.Load(),
		BlocksSkipped:     s.BlocksSkipped.Load(),
		FirewallFailures:  s.FirewallFailures.Load(),
		ModelRefreshes:    s.ModelRefreshes.Load(),
	}
}

// Snapshot is the input to one health evaluation.
type Snapshot struct {
	PendingBatches   int
	ReaderBackoff    bool
	FirewallFailures int // failures during the last maintenance pass
	ModelTier        string
	LowConfidence    bool
	EmergencyStopped bool
	BlacklistLen     int
	BlacklistCap     int
}

// Condition is one detected health problem.
type Condition struct {
	Name     string `json:"name"`     // e.g. "reader.backoff"
	Severity string `json:"severity"` // warning or critical
	Detail   string `json:"detail"`
}

// Monitor evaluates snapshots and rate-limits repeated findings. A
// condition that persists re-fires only after the cooldown.
type Monitor struct {
	cfg    *config.HealthConfig
	logger *logging.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewMonitor creates a monitor.
func NewMonitor(cfg *config.HealthConfig) *Monitor {
	return &Monitor{
		cfg:      cfg,
		logger:   logging.WithComponent("health"),
		lastSeen: make(map[string]time.Time),
	}
}

// Evaluate returns the conditions detected in the snapshot, suppressing
// those already reported within the cooldown window.
func (m *Monitor) Evaluate(s Snapshot) []Condition {
	var found []Condition

	if s.ReaderBackoff {
		found = append(found, Condition{
			Name:     "reader.backoff",
			Severity: "critical",
			Detail:   "flow reader latched into backoff; no new batches are being scored",
		})
	}
	if m.cfg.MaxBatchBacklog > 0 && s.PendingBatches > m.cfg.MaxBatchBacklog {
		found = append(found, Condition{
			Name:     "reader.backlog",
			Severity: "warning",
			Detail:   fmt.Sprintf("%d batches pending (limit %d)", s.PendingBatches, m.cfg.MaxBatchBacklog),
		})
	}
	if m.cfg.MaxFirewallFailures > 0 && s.FirewallFailures > m.cfg.MaxFirewallFailures {
		found = append(found, Condition{
			Name:     "firewall.failures",
			Severity: "critical",
			Detail:   fmt.Sprintf("%d firewall call failures in the last maintenance pass", s.FirewallFailures),
		})
	}
	if s.LowConfidence {
		found = append(found, Condition{
			Name:     "model.fallback",
			Severity: "warning",
			Detail:   fmt.Sprintf("serving tier %s; verdicts are low-confidence", s.ModelTier),
		})
	}
	if s.EmergencyStopped {
		found = append(found, Condition{
			Name:     "enforcement.stopped",
			Severity: "warning",
			Detail:   "emergency stop is engaged; no enforcement is taking place",
		})
	}
	if s.BlacklistCap > 0 && s.BlacklistLen >= s.BlacklistCap {
		found = append(found, Condition{
			Name:     "blacklist.capacity",
			Severity: "warning",
			Detail:   fmt.Sprintf("blacklist full at %d entries; new blocks evict old ones", s.BlacklistLen),
		})
	}

	return m.throttle(found)
}

func (m *Monitor) throttle(conditions []Condition) []Condition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := clock.Now()
	var out []Condition
	for _, c := range conditions {
		if last, ok := m.lastSeen[c.Name]; ok && now.Sub(last) < m.cfg.ParsedAlertCooldown {
			continue
		}
		m.lastSeen[c.Name] = now
		m.logger.Warn("Health condition detected", "condition", c.Name, "severity", c.Severity, "detail", c.Detail)
		out = append(out, c)
	}
	return out
}

// Healthy is the condition-free summary used by the liveness endpoint.
func Healthy(s Snapshot) bool {
	return !s.ReaderBackoff
}
