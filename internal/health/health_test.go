// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
)

func testMonitor() *Monitor {
	return NewMonitor(&config.HealthConfig{
		MaxBatchBacklog:     100,
		MaxFirewallFailures: 10,
		ParsedAlertCooldown: 5 * time.Minute,
	})
}

func names(conditions []Condition) []string {
	out := make([]string, len(conditions))
	for i, c := range conditions {
		out[i] = c.Name
	}
	return out
}

func TestEvaluate_CleanSnapshot(t *testing.T) {
	m := testMonitor()
	assert.Empty(t, m.Evaluate(Snapshot{ModelTier: "foundation", BlacklistCap: 1000}))
}

func TestEvaluate_DetectsConditions(t *testing.T) {
	m := testMonitor()
	conditions := m.Evaluate(Snapshot{
		PendingBatches:   150,
		ReaderBackoff:    true,
		FirewallFailures: 11,
		ModelTier:        "random-fallback",
		LowConfidence:    true,
		EmergencyStopped: true,
		BlacklistLen:     1000,
		BlacklistCap:     1000,
	})
	assert.ElementsMatch(t, []string{
		"reader.backoff", "reader.backlog", "firewall.failures",
		"model.fallback", "enforcement.stopped", "blacklist.capacity",
	}, names(conditions))
}

func TestEvaluate_CooldownSuppressesRepeats(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	defer clock.Reset()

	m := testMonitor()
	s := Snapshot{ReaderBackoff: true}

	assert.Len(t, m.Evaluate(s), 1)
	assert.Empty(t, m.Evaluate(s), "same condition inside cooldown must not re-fire")

	clock.Advance(6 * time.Minute)
	assert.Len(t, m.Evaluate(s), 1, "condition re-fires after cooldown")
}

func TestEvaluate_ThresholdsAreExclusive(t *testing.T) {
	m := testMonitor()
	assert.Empty(t, m.Evaluate(Snapshot{PendingBatches: 100, FirewallFailures: 10}))
	assert.Len(t, m.Evaluate(Snapshot{PendingBatches: 101}), 1)
}

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	s.BatchesProcessed.Add(3)
	s.VerdictsHighRisk.Add(2)
	s.FirewallFailures.Add(1)

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.BatchesProcessed)
	assert.Equal(t, uint64(2), snap.VerdictsHighRisk)
	assert.Equal(t, uint64(1), snap.FirewallFailures)
	assert.Equal(t, uint64(0), snap.BlocksApplied)
}

func TestHealthy(t *testing.T) {
	assert.True(t, Healthy(Snapshot{PendingBatches: 5}))
	assert.False(t, Healthy(Snapshot{ReaderBackoff: true}))
}
