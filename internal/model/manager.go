// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
)

// TierChange describes an active-tier transition, emitted for audit.
type TierChange struct {
	Old        Tier
	New        Tier
	Initial    bool
	Provenance Provenance
}

// TierChangeCallback receives tier transitions.
type TierChangeCallback func(TierChange)

// Manager resolves which model+scaler pair is active. Resolution walks the
// tier hierarchy in rank order on every refresh tick and swaps the winning
// pair in as one atomic unit. Scoring reads are non-blocking and always
// observe a consistent pair.
type Manager struct {
	cfg     *config.ModelsConfig
	logger  *logging.Logger
	sources []source

	refreshMu sync.Mutex // serializes Refresh; reads go through the pointer
	active    atomic.Pointer[ActiveModel]
	genCount  atomic.Uint64

	mu          sync.RWMutex
	lastRefresh time.Time
	tierErrors  map[Tier]string
	callbacks   []TierChangeCallback
}

// NewManager wires the tier hierarchy from configuration.
func NewManager(cfg *config.ModelsConfig, stateDir string) *Manager {
	localDir := cfg.LocalDir
	if localDir == "" {
		localDir = filepath.Join(stateDir, "models", "local")
	}

	var sources []source
	if cfg.Remote != nil {
		sources = append(sources, newRemoteSource(cfg.Remote.URL, cfg.Remote.ParsedTimeout, localDir))
	}
	sources = append(sources,
		&dirSource{t: TierLocalCached, dir: localDir},
		&dirSource{t: TierFoundation, dir: cfg.FoundationDir},
		&randomSource{schema: cfg.FeatureSchema},
	)

	return &Manager{
		cfg:        cfg,
		logger:     logging.WithComponent("model"),
		sources:    sources,
		tierErrors: make(map[Tier]string),
	}
}

// OnTierChange registers a callback invoked whenever the active tier changes.
func (m *Manager) OnTierChange(cb TierChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// ActiveModel returns the last resolved selection without blocking. Nil
// before the first successful Refresh.
func (m *Manager) ActiveModel() *ActiveModel {
	return m.active.Load()
}

// Refresh re-resolves the active tier. The first tier whose artifact exists,
// validates, and sits inside the age window wins; failures are recorded and
// resolution falls through. Exhausting every tier, including the fallback's
// own construction, is fatal for the caller.
func (m *Manager) Refresh(ctx context.Context) (*ActiveModel, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	tierErrors := make(map[Tier]string)

	for _, src := range m.sources {
		artifact, scaler, prov, err := src.resolve(ctx)
		if err == nil && src.tier() != TierRandomFallback {
			if verr := ValidatePair(artifact, scaler, m.cfg.FeatureSchema); verr != nil {
				err = verr
			} else if aerr := m.checkAge(artifact); aerr != nil {
				err = aerr
			}
		}
		if err != nil {
			tierErrors[src.tier()] = err.Error()
			m.logger.Debug("Tier resolution failed", "tier", src.tier().String(), "error", err)
			continue
		}

		prov.ResolvedAt = clock.Now()
		am := m.activate(src.tier(), artifact, scaler, prov)
		m.recordRefresh(tierErrors)
		return am, nil
	}

	m.recordRefresh(tierErrors)
	return nil, errors.New(errors.KindInternal, "model hierarchy exhausted: no tier could be resolved")
}

// checkAge enforces the freshness window: not older than max_age, and at
// least min_age past creation (quarantine for freshly trained artifacts).
func (m *Manager) checkAge(a *Artifact) error {
	age := clock.Now().Sub(a.CreatedAt)
	if age < m.cfg.ParsedMinAge {
		return errors.Errorf(errors.KindModelUnavailable,
			"artifact %s is %s old, still in the %s quarantine window", a.Version, age.Round(time.Second), m.cfg.ParsedMinAge)
	}
	if age > m.cfg.ParsedMaxAge {
		return errors.Errorf(errors.KindModelUnavailable,
			"artifact %s is %s old, past the %s maximum age", a.Version, age.Round(time.Second), m.cfg.ParsedMaxAge)
	}
	return nil
}

// activate swaps in a resolved pair. A re-resolution of the same tier and
// version keeps the current generation; anything else becomes a new one.
func (m *Manager) activate(tier Tier, artifact *Artifact, scaler *Scaler, prov Provenance) *ActiveModel {
	current := m.active.Load()
	if current != nil && current.Tier == tier && current.Model.Version == artifact.Version {
		return current
	}

	am := &ActiveModel{
		Tier:          tier,
		Model:         artifact,
		Scaler:        scaler,
		Provenance:    prov,
		Generation:    m.genCount.Add(1),
		LowConfidence: tier == TierRandomFallback,
	}
	m.active.Store(am)

	change := TierChange{New: tier, Initial: current == nil, Provenance: prov}
	if current != nil {
		change.Old = current.Tier
	}

	if change.Initial {
		m.logger.Info("Model activated",
			"tier", tier.String(), "version", artifact.Version, "origin", prov.Origin)
	} else {
		m.logger.Info("Model tier changed",
			"old", change.Old.String(), "new", tier.String(),
			"version", artifact.Version, "origin", prov.Origin)
	}
	if am.LowConfidence {
		m.logger.Warn("Serving random-fallback model; verdicts are low-confidence")
	}

	m.mu.RLock()
	callbacks := append([]TierChangeCallback(nil), m.callbacks...)
	m.mu.RUnlock()
	for _, cb := range callbacks {
		cb(change)
	}
	return am
}

func (m *Manager) recordRefresh(tierErrors map[Tier]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefresh = clock.Now()
	m.tierErrors = tierErrors
}

// Status reports the manager state for the observability surface.
type Status struct {
	ActiveTier    string            `json:"active_tier"`
	ActiveVersion string            `json:"active_version,omitempty"`
	Generation    uint64            `json:"generation"`
	LowConfidence bool              `json:"low_confidence"`
	LastRefresh   time.Time         `json:"last_refresh"`
	TierErrors    map[string]string `json:"tier_errors,omitempty"`
}

// Status returns a point-in-time snapshot.
func (m *Manager) Status() Status {
	st := Status{ActiveTier: "none"}

	if am := m.active.Load(); am != nil {
		st.ActiveTier = am.Tier.String()
		st.ActiveVersion = am.Model.Version
		st.Generation = am.Generation
		st.LowConfidence = am.LowConfidence
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	st.LastRefresh = m.lastRefresh
	if len(m.tierErrors) > 0 {
		st.TierErrors = make(map[string]string, len(m.tierErrors))
		for tier, msg := range m.tierErrors {
			st.TierErrors[tier.String()] = msg
		}
	}
	return st
}
