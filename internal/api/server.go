// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the observability and operator control surface. It
// binds to localhost by default; warden has no built-in authentication and
// must not be exposed beyond the management host.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/engine"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
)

// Server is the HTTP control surface over a running engine.
type Server struct {
	cfg    *config.APIConfig
	engine *engine.Engine
	logger *logging.Logger
	srv    *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg *config.APIConfig, eng *engine.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		logger: logging.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/verdicts", s.handleVerdicts)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)

	mux.HandleFunc("GET /api/blacklist", s.handleBlacklistList)
	mux.HandleFunc("POST /api/blacklist", s.handleBlacklistAdd)
	mux.HandleFunc("DELETE /api/blacklist/{address}", s.handleBlacklistRemove)

	mux.HandleFunc("POST /api/feedback/false-positive", s.handleFalsePositive)
	mux.HandleFunc("GET /api/feedback/trusted", s.handleTrustedList)
	mux.HandleFunc("DELETE /api/feedback/trusted/{address}", s.handleUntrust)
	mux.HandleFunc("POST /api/feedback/retrain/clear", s.handleClearRetrain)

	mux.HandleFunc("POST /api/enforcement/emergency-stop", s.handleEmergencyStop)
	mux.HandleFunc("POST /api/reader/reset", s.handleReaderReset)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", eng.Metrics.Handler())

	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving. Non-blocking; errors other than a clean shutdown
// are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "api listen on %s failed", s.cfg.Listen)
	}
	s.logger.Info("API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string { return s.srv.Addr }

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetKind(err) {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindCapacityExhausted:
		status = http.StatusConflict
	case errors.KindUnavailable, errors.KindTimeout:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats.Snapshot())
}

func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10000 {
			s.writeError(w, errors.Errorf(errors.KindValidation, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	if address := r.URL.Query().Get("address"); address != "" {
		verdicts, err := s.engine.FlowDB.VerdictsForAddress(address, limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, verdicts)
		return
	}

	verdicts, err := s.engine.FlowDB.RecentVerdicts(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, verdicts)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Alerts.History())
}

func (s *Server) handleBlacklistList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Blacklist.Entries())
}

type blockRequest struct {
	Address string `json:"address"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		s.writeError(w, errors.New(errors.KindValidation, "body must be JSON with a non-empty address"))
		return
	}

	entry, err := s.engine.ManualBlock(r.Context(), req.Address, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if !s.engine.Blacklist.Contains(address) {
		s.writeError(w, errors.Errorf(errors.KindNotFound, "address %s is not blacklisted", address))
		return
	}
	if err := s.engine.Unblock(r.Context(), address); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": address})
}

type falsePositiveRequest struct {
	Address string `json:"address"`
	Note    string `json:"note,omitempty"`
}

func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	var req falsePositiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		s.writeError(w, errors.New(errors.KindValidation, "body must be JSON with a non-empty address"))
		return
	}

	entry, err := s.engine.ReportFalsePositive(r.Context(), req.Address, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleTrustedList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Feedback.Trusted())
}

func (s *Server) handleUntrust(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	removed, err := s.engine.Feedback.Untrust(address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !removed {
		s.writeError(w, errors.Errorf(errors.KindNotFound, "address %s is not trusted", address))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"untrusted": address})
}

func (s *Server) handleClearRetrain(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Feedback.ClearRetrainRequest(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"retrain_requested": false})
}

type emergencyStopRequest struct {
	Engaged bool `json:"engaged"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.KindValidation, "body must be JSON with an engaged flag"))
		return
	}
	if err := s.engine.Machine.SetEmergencyStop(req.Engaged); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"engaged": req.Engaged,
		"phase":   string(s.engine.Machine.Phase()),
	})
}

func (s *Server) handleReaderReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reader.Reset()
	s.writeJSON(w, http.StatusOK, map[string]bool{"backoff": s.engine.Reader.Backoff()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
