// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package feedback records operator corrections. A reported false positive
// puts the address on the trusted list, unblocks it everywhere, and raises
// the retrain flag so the next training run can fold the correction in.
package feedback

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/state"
)

const (
	trustedDoc      = "trusted_addresses"
	retrainFlagName = "retrain_requested"
)

// TrustedEntry is one operator-vouched address.
type TrustedEntry struct {
	Address    string    `json:"address"`
	Note       string    `json:"note,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// Manager owns the trusted-address list and the retrain trigger flag.
type Manager struct {
	dir    string
	store  state.Store
	logger *logging.Logger

	mu      sync.Mutex
	trusted map[string]TrustedEntry
}

// NewManager loads the trusted list from the feedback directory.
func NewManager(cfg *config.FeedbackConfig) (*Manager, error) {
	store, err := state.NewFileStore(cfg.Dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dir:     cfg.Dir,
		store:   store,
		logger:  logging.WithComponent("feedback"),
		trusted: make(map[string]TrustedEntry),
	}

	var saved []TrustedEntry
	if err := store.Load(trustedDoc, &saved); err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
	}
	for _, e := range saved {
		m.trusted[e.Address] = e
	}
	if len(m.trusted) > 0 {
		m.logger.Info("Trusted address list loaded", "count", len(m.trusted))
	}
	return m, nil
}

// ReportFalsePositive marks the address trusted and raises the retrain
// flag. Reporting the same address again refreshes the note but keeps the
// original report time.
func (m *Manager) ReportFalsePositive(address, note string) (TrustedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.trusted[address]
	if exists {
		e.Note = note
	} else {
		e = TrustedEntry{Address: address, Note: note, ReportedAt: clock.Now()}
	}
	m.trusted[address] = e

	if err := m.persistLocked(); err != nil {
		return TrustedEntry{}, err
	}
	if err := m.raiseRetrainFlag(); err != nil {
		return TrustedEntry{}, err
	}

	m.logger.Info("False positive reported", "address", address, "already_trusted", exists)
	return e, nil
}

// Untrust removes the address from the trusted list.
func (m *Manager) Untrust(address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trusted[address]; !ok {
		return false, nil
	}
	delete(m.trusted, address)
	if err := m.persistLocked(); err != nil {
		return false, err
	}
	m.logger.Info("Address removed from trusted list", "address", address)
	return true, nil
}

// IsTrusted reports whether the address has been vouched for.
func (m *Manager) IsTrusted(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.trusted[address]
	return ok
}

// Trusted returns the trusted list sorted by address.
func (m *Manager) Trusted() []TrustedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TrustedEntry, 0, len(m.trusted))
	for _, e := range m.trusted {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (m *Manager) persistLocked() error {
	entries := make([]TrustedEntry, 0, len(m.trusted))
	for _, e := range m.trusted {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	return m.store.Save(trustedDoc, entries)
}

func (m *Manager) retrainFlagPath() string {
	return filepath.Join(m.dir, retrainFlagName)
}

// raiseRetrainFlag creates the flag file the training job polls for.
func (m *Manager) raiseRetrainFlag() error {
	f, err := os.OpenFile(m.retrainFlagPath(), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to raise retrain flag")
	}
	return f.Close()
}

// RetrainRequested reports whether the flag is currently raised.
func (m *Manager) RetrainRequested() bool {
	_, err := os.Stat(m.retrainFlagPath())
	return err == nil
}

// ClearRetrainRequest lowers the flag. The training job calls this through
// the API once it has picked the request up.
func (m *Manager) ClearRetrainRequest() error {
	if err := os.Remove(m.retrainFlagPath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.KindInternal, "failed to clear retrain flag")
	}
	return nil
}
