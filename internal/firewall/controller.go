// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall applies blacklist decisions to the packet path. The
// controller surface is deliberately small and idempotent: callers converge
// the firewall toward the blacklist, they do not track rule handles.
package firewall

import (
	"context"
	"sync"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
)

// Controller programs the packet filter. Both operations are idempotent:
// blocking an already-blocked address and unblocking an absent one succeed.
type Controller interface {
	// Setup establishes the managed table, sets, and drop rules.
	Setup(ctx context.Context) error
	// EnsureBlocked makes the address blocked, regardless of prior state.
	EnsureBlocked(ctx context.Context, address string) error
	// EnsureUnblocked makes the address unblocked, regardless of prior state.
	EnsureUnblocked(ctx context.Context, address string) error
	// Backend names the implementation for status reporting.
	Backend() string
}

// New selects the controller for the configured backend.
func New(cfg *config.FirewallConfig) (Controller, error) {
	switch cfg.Backend {
	case "nftables":
		return newNFTables(cfg)
	case "none":
		return NewAudit(), nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown firewall backend %q", cfg.Backend)
	}
}

// Audit is the no-op backend: every action is logged and recorded but no
// packet is ever dropped. Used for dry-run style deployments without
// firewall privileges, and as the test double.
type Audit struct {
	logger *logging.Logger

	mu      sync.Mutex
	blocked map[string]bool

	// Failure injection for tests. When set, calls fail with this error.
	FailWith error
}

// NewAudit creates an audit-only controller.
func NewAudit() *Audit {
	return &Audit{
		logger:  logging.WithComponent("firewall"),
		blocked: make(map[string]bool),
	}
}

func (a *Audit) Backend() string { return "none" }

func (a *Audit) Setup(ctx context.Context) error {
	a.logger.Info("Firewall backend is audit-only; no packets will be dropped")
	return nil
}

func (a *Audit) EnsureBlocked(ctx context.Context, address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailWith != nil {
		return a.FailWith
	}
	if !a.blocked[address] {
		a.blocked[address] = true
		a.logger.Info("Would block address", "address", address)
	}
	return nil
}

func (a *Audit) EnsureUnblocked(ctx context.Context, address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailWith != nil {
		return a.FailWith
	}
	if a.blocked[address] {
		delete(a.blocked, address)
		a.logger.Info("Would unblock address", "address", address)
	}
	return nil
}

// Blocked reports whether the address is currently recorded as blocked.
func (a *Audit) Blocked(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocked[address]
}

// BlockedCount returns the number of recorded blocks.
func (a *Audit) BlockedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocked)
}
