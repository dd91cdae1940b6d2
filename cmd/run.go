// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the warden subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/warden/internal/api"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/engine"
	"grimm.is/warden/internal/logging"
)

// newAPIServer builds the API server when it is enabled. Listen always has
// a validated default, so the enabled flag alone decides.
func newAPIServer(cfg *config.APIConfig, eng *engine.Engine) *api.Server {
	if !cfg.Enabled {
		return nil
	}
	return api.NewServer(cfg, eng)
}

// RunDaemon runs the enforcement engine in the foreground until a signal or
// a fatal engine error.
func RunDaemon(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	logging.SetDefault(logging.New(logging.Config{
		Level: logging.Level(cfg.LogLevel),
	}))
	logger := logging.WithComponent("daemon")

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	server := newAPIServer(cfg.API, eng)
	if server != nil {
		if err := server.Start(); err != nil {
			eng.Stop()
			return err
		}
	}

	logger.Info("Warden running", "config", configFile, "api", cfg.API.Listen)
	select {
	case <-ctx.Done():
		logger.Info("Shutting down on signal")
	case <-eng.Done():
		logger.Error("Engine loops stopped, shutting down")
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("API shutdown failed", "error", err)
		}
	}
	eng.Stop()

	if err := eng.Err(); err != nil {
		return fmt.Errorf("engine terminated: %w", err)
	}
	return nil
}
