// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
)

var testSchema = []string{"bytes_in", "bytes_out", "packets_in", "packets_out", "duration", "src_port", "dst_port", "protocol"}

func testModelsConfig(t *testing.T) *config.ModelsConfig {
	t.Helper()
	cfg := &config.ModelsConfig{
		ParsedRefreshInterval: time.Minute,
		ParsedMaxAge:          30 * 24 * time.Hour,
		ParsedMinAge:          time.Hour,
		FeatureSchema:         append([]string(nil), testSchema...),
	}
	return cfg
}

func writePair(t *testing.T, dir, version string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))

	n := len(testSchema)
	means := make([]float64, n)
	scales := make([]float64, n)
	for i := range scales {
		scales[i] = 1
	}

	a := Artifact{Version: version, CreatedAt: createdAt, FeatureSchema: testSchema}
	s := Scaler{
		Version: version, ModelVersion: version, CreatedAt: createdAt,
		FeatureSchema: testSchema, Means: means, Scales: scales,
	}

	aData, err := json.Marshal(a)
	require.NoError(t, err)
	sData, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ModelFileName), aData, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ScalerFileName), sData, 0644))
}

func TestRefresh_HighestValidTierWins(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	defer clock.Reset()

	cfg := testModelsConfig(t)
	cfg.LocalDir = filepath.Join(t.TempDir(), "local")
	cfg.FoundationDir = filepath.Join(t.TempDir(), "foundation")
	writePair(t, cfg.LocalDir, "local-v1", now.Add(-2*time.Hour))
	writePair(t, cfg.FoundationDir, "foundation-v1", now.Add(-72*time.Hour))

	mgr := NewManager(cfg, t.TempDir())
	am, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierLocalCached, am.Tier)
	assert.Equal(t, "local-v1", am.Model.Version)
	assert.False(t, am.LowConfidence)
}

func TestRefresh_FallsThroughToFoundation(t *testing.T) {
	// Remote unreachable, no local cache, foundation present and in window.
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	defer clock.Reset()

	cfg := testModelsConfig(t)
	cfg.Remote = &config.RemoteStoreConfig{
		URL:           "http://127.0.0.1:1", // nothing listens here
		ParsedTimeout: 200 * time.Millisecond,
	}
	cfg.LocalDir = filepath.Join(t.TempDir(), "local") // empty
	cfg.FoundationDir = filepath.Join(t.TempDir(), "foundation")
	writePair(t, cfg.FoundationDir, "foundation-v1", now.Add(-72*time.Hour))

	mgr := NewManager(cfg, t.TempDir())
	am, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierFoundation, am.Tier)

	st := mgr.Status()
	assert.Contains(t, st.TierErrors, "remote-personalized")
	assert.Contains(t, st.TierErrors, "local-cached")
}

func TestRefresh_RandomFallbackWhenNothingQualifies(t *testing.T) {
	cfg := testModelsConfig(t)
	mgr := NewManager(cfg, t.TempDir())

	am, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierRandomFallback, am.Tier)
	assert.True(t, am.LowConfidence)

	// Degenerate scorer stays far below any sane threshold.
	score := am.Score([]float64{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Less(t, score, 1.0)
}

func TestRefresh_QuarantineAndStaleness(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	defer clock.Reset()

	cfg := testModelsConfig(t)
	cfg.LocalDir = filepath.Join(t.TempDir(), "local")
	cfg.FoundationDir = filepath.Join(t.TempDir(), "foundation")

	// Local artifact is 10 minutes old: inside the 1h quarantine.
	writePair(t, cfg.LocalDir, "too-new", now.Add(-10*time.Minute))
	// Foundation artifact is 60 days old: past max_age.
	writePair(t, cfg.FoundationDir, "too-old", now.Add(-60*24*time.Hour))

	mgr := NewManager(cfg, t.TempDir())
	am, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierRandomFallback, am.Tier)

	// Once the quarantine elapses the local artifact is trusted.
	clock.Advance(time.Hour)
	am, err = mgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierLocalCached, am.Tier)
	assert.Equal(t, "too-new", am.Model.Version)
}

func TestRefresh_RejectsMismatchedScalerPairing(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	defer clock.Reset()

	cfg := testModelsConfig(t)
	cfg.LocalDir = filepath.Join(t.TempDir(), "local")
	writePair(t, cfg.LocalDir, "v1", now.Add(-2*time.Hour))

	// Corrupt the pairing: scaler claims a different model version.
	var s Scaler
	data, err := os.ReadFile(filepath.Join(cfg.LocalDir, ScalerFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &s))
	s.ModelVersion = "v0"
	data, err = json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LocalDir, ScalerFileName), data, 0644))

	mgr := NewManager(cfg, t.TempDir())
	am, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierRandomFallback, am.Tier)
}

func TestRefresh_IdempotentGeneration(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	defer clock.Reset()

	cfg := testModelsConfig(t)
	cfg.LocalDir = filepath.Join(t.TempDir(), "local")
	writePair(t, cfg.LocalDir, "v1", now.Add(-2*time.Hour))

	mgr := NewManager(cfg, t.TempDir())
	first, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	second, err := mgr.Refresh(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, first.Generation, second.Generation)
}

func TestRefresh_TierChangeEvents(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	defer clock.Reset()

	cfg := testModelsConfig(t)
	cfg.LocalDir = filepath.Join(t.TempDir(), "local")

	mgr := NewManager(cfg, t.TempDir())
	var changes []TierChange
	mgr.OnTierChange(func(c TierChange) { changes = append(changes, c) })

	_, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Initial)
	assert.Equal(t, TierRandomFallback, changes[0].New)

	// A local artifact appears and clears quarantine.
	writePair(t, cfg.LocalDir, "v1", now.Add(-2*time.Hour))
	_, err = mgr.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.False(t, changes[1].Initial)
	assert.Equal(t, TierRandomFallback, changes[1].Old)
	assert.Equal(t, TierLocalCached, changes[1].New)
}

func TestRemoteSource_FetchAndCache(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	defer clock.Reset()

	remoteDir := t.TempDir()
	writePair(t, remoteDir, "remote-v1", now.Add(-2*time.Hour))
	server := httptest.NewServer(http.FileServer(http.Dir(remoteDir)))
	defer server.Close()

	cfg := testModelsConfig(t)
	cfg.Remote = &config.RemoteStoreConfig{URL: server.URL, ParsedTimeout: 2 * time.Second}
	cfg.LocalDir = filepath.Join(t.TempDir(), "local")

	mgr := NewManager(cfg, t.TempDir())
	am, err := mgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierRemotePersonalized, am.Tier)
	assert.Equal(t, "remote-v1", am.Model.Version)

	// The fetch refreshed the local cache, so the local tier serves when the
	// store goes away.
	server.Close()
	mgr2 := NewManager(cfg, t.TempDir())
	am2, err := mgr2.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierLocalCached, am2.Tier)
	assert.Equal(t, "remote-v1", am2.Model.Version)
}

func TestActiveModel_Score(t *testing.T) {
	am := &ActiveModel{
		Tier: TierFoundation,
		Model: &Artifact{
			Version:       "v1",
			FeatureSchema: []string{"a", "b"},
		},
		Scaler: &Scaler{
			ModelVersion:  "v1",
			FeatureSchema: []string{"a", "b"},
			Means:         []float64{10, 0},
			Scales:        []float64{2, 1},
		},
	}

	// a deviates by (14-10)/2 = 2 sigma; b by 1 sigma. Score is the max.
	assert.InDelta(t, 2.0, am.Score([]float64{14, 1}), 1e-9)
	// Negative deviations count by magnitude.
	assert.InDelta(t, 3.0, am.Score([]float64{4, 0}), 1e-9)
}
