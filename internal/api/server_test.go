// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/engine"
	"grimm.is/warden/internal/model"
)

var testSchema = []string{"bytes_in", "bytes_out", "packets_in", "packets_out", "duration", "src_port", "dst_port", "protocol"}

func writeFoundation(t *testing.T, dir string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	n := len(testSchema)
	scales := make([]float64, n)
	for i := range scales {
		scales[i] = 1
	}
	a := model.Artifact{Version: "v1", CreatedAt: createdAt, FeatureSchema: testSchema}
	sc := model.Scaler{Version: "v1", ModelVersion: "v1", CreatedAt: createdAt,
		FeatureSchema: testSchema, Means: make([]float64, n), Scales: scales}
	for name, v := range map[string]any{model.ModelFileName: a, model.ScalerFileName: sc} {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
	}
}

func testServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock.SetFixed(now)
	t.Cleanup(clock.Reset)

	stateDir := t.TempDir()
	foundationDir := filepath.Join(t.TempDir(), "foundation")
	writeFoundation(t, foundationDir, now.Add(-48*time.Hour))

	cfg := &config.Config{
		StateDir: stateDir,
		Models: &config.ModelsConfig{
			FoundationDir: foundationDir,
			FeatureSchema: append([]string(nil), testSchema...),
			ParsedRefreshInterval: time.Minute, ParsedMinAge: time.Hour, ParsedMaxAge: 720 * time.Hour,
		},
		Flows:   &config.FlowsConfig{Dir: t.TempDir(), ErrorCeiling: 5, ReadyMarker: ".ready", ParsedPollInterval: time.Minute},
		Scoring: &config.ScoringConfig{AnomalyThreshold: 3, HighRiskThreshold: 6, Workers: 2},
		Enforcement: &config.EnforcementConfig{
			ParsedDryRunDuration: time.Hour,
			EmergencyStopFile:    filepath.Join(stateDir, "emergency_stop"),
		},
		Blacklist: &config.BlacklistConfig{MaxEntries: 100, ParsedTTL: 24 * time.Hour, ParsedSweepInterval: time.Minute},
		Firewall:  &config.FirewallConfig{Backend: "none"},
		Feedback:  &config.FeedbackConfig{Dir: filepath.Join(stateDir, "feedback")},
		Health:    &config.HealthConfig{MaxBatchBacklog: 100, MaxFirewallFailures: 10, ParsedAlertCooldown: 5 * time.Minute},
		API:       &config.APIConfig{Listen: "127.0.0.1:0"},
	}

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.FlowDB.Close() })
	require.NoError(t, eng.Firewall.Setup(context.Background()))
	_, err = eng.Models.Refresh(context.Background())
	require.NoError(t, err)

	return NewServer(cfg.API, eng), eng
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := do(t, s, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "dry-run", st.Phase)
	assert.Equal(t, "foundation", st.Model.ActiveTier)
}

func TestBlacklistEndpoints(t *testing.T) {
	s, eng := testServer(t)

	rec := do(t, s, "POST", "/api/blacklist", `{"address":"10.0.0.9","reason":"known bad"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, eng.Blacklist.Contains("10.0.0.9"))

	rec = do(t, s, "GET", "/api/blacklist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.0.0.9")

	rec = do(t, s, "DELETE", "/api/blacklist/10.0.0.9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.Blacklist.Contains("10.0.0.9"))

	rec = do(t, s, "DELETE", "/api/blacklist/10.0.0.9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlacklistAdd_RejectsEmptyBody(t *testing.T) {
	s, _ := testServer(t)
	rec := do(t, s, "POST", "/api/blacklist", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFalsePositiveEndpoint(t *testing.T) {
	s, eng := testServer(t)

	rec := do(t, s, "POST", "/api/feedback/false-positive", `{"address":"10.0.0.5","note":"backup host"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.Feedback.IsTrusted("10.0.0.5"))
	assert.True(t, eng.Feedback.RetrainRequested())

	rec = do(t, s, "GET", "/api/feedback/trusted", "")
	assert.Contains(t, rec.Body.String(), "10.0.0.5")

	rec = do(t, s, "POST", "/api/feedback/retrain/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.Feedback.RetrainRequested())

	rec = do(t, s, "DELETE", "/api/feedback/trusted/10.0.0.5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.Feedback.IsTrusted("10.0.0.5"))

	rec = do(t, s, "DELETE", "/api/feedback/trusted/10.0.0.5", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmergencyStopEndpoint(t *testing.T) {
	s, eng := testServer(t)

	rec := do(t, s, "POST", "/api/enforcement/emergency-stop", `{"engaged":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.Machine.EmergencyStopped())

	rec = do(t, s, "POST", "/api/enforcement/emergency-stop", `{"engaged":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.Machine.EmergencyStopped())
}

func TestReaderResetEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := do(t, s, "POST", "/api/reader/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"backoff":false`)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	s, _ := testServer(t)

	rec := do(t, s, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warden_model_tier")
}

func TestVerdictsEndpoint_LimitValidation(t *testing.T) {
	s, _ := testServer(t)

	rec := do(t, s, "GET", "/api/verdicts?limit=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "GET", "/api/verdicts", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
