// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine wires the pipeline together and runs its loops: model
// refresh, batch processing, and blacklist maintenance. Each loop has its
// own cadence; they share state only through the components they drive.
package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/warden/internal/alerting"
	"grimm.is/warden/internal/blacklist"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/enforcement"
	"grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/feedback"
	"grimm.is/warden/internal/firewall"
	"grimm.is/warden/internal/flowsource"
	"grimm.is/warden/internal/flowstore"
	"grimm.is/warden/internal/health"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/model"
	"grimm.is/warden/internal/scoring"
	"grimm.is/warden/internal/state"
)

// Engine owns the full enforcement pipeline.
type Engine struct {
	cfg    *config.Config
	logger *logging.Logger

	Models    *model.Manager
	Reader    *flowsource.Reader
	FlowDB    *flowstore.Store
	Scorer    *scoring.Engine
	Blacklist *blacklist.Blacklist
	Firewall  firewall.Controller
	Machine   *enforcement.Machine
	Feedback  *feedback.Manager
	Monitor   *health.Monitor
	Stats     *health.Stats
	Alerts    *alerting.Engine
	Metrics   *metrics.Metrics

	mu            sync.Mutex
	loopCtx       context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	fatal         error
	lastMaint     enforcement.MaintenanceReport
	lastEvictions uint64
}

// New builds the engine from a validated configuration.
func New(cfg *config.Config) (*Engine, error) {
	stateDir := cfg.StateDir
	store, err := state.NewFileStore(stateDir)
	if err != nil {
		return nil, err
	}

	flowDB, err := flowstore.Open(filepath.Join(stateDir, "flows.db"))
	if err != nil {
		return nil, err
	}

	bl, err := blacklist.New(cfg.Blacklist, store)
	if err != nil {
		flowDB.Close()
		return nil, err
	}

	fw, err := firewall.New(cfg.Firewall)
	if err != nil {
		flowDB.Close()
		return nil, err
	}

	fb, err := feedback.NewManager(cfg.Feedback)
	if err != nil {
		flowDB.Close()
		return nil, err
	}

	machine, err := enforcement.NewMachine(cfg.Enforcement, bl, fw, fb, store)
	if err != nil {
		flowDB.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logging.WithComponent("engine"),
		Models:    model.NewManager(cfg.Models, stateDir),
		FlowDB:    flowDB,
		Scorer:    scoring.NewEngine(cfg.Scoring),
		Blacklist: bl,
		Firewall:  fw,
		Machine:   machine,
		Feedback:  fb,
		Monitor:   health.NewMonitor(cfg.Health),
		Stats:     &health.Stats{},
		Alerts:    alerting.NewEngine(cfg.Notifications),
		Metrics:   metrics.New(),
	}
	e.Reader = flowsource.NewReader(cfg.Flows, flowDB)

	e.Models.OnTierChange(func(c model.TierChange) {
		e.Metrics.SetActiveTier(c.New.String(), c.New == model.TierRandomFallback)
		if c.New == model.TierRandomFallback {
			e.Alerts.Trigger("model.fallback",
				"model hierarchy degraded to random fallback; verdicts are low-confidence",
				alerting.SeverityWarning, c.Provenance)
		}
	})

	return e, nil
}

// Start establishes the firewall, resolves the initial model, and launches
// the loops. An unresolvable model hierarchy at startup is fatal.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Firewall.Setup(ctx); err != nil {
		return errors.Wrap(err, errors.KindFirewallCall, "firewall setup failed")
	}

	if _, err := e.Models.Refresh(ctx); err != nil {
		return err
	}
	e.Stats.ModelRefreshes.Add(1)
	e.Metrics.ModelRefreshes.Inc()

	ctx, e.cancel = context.WithCancel(ctx)
	e.loopCtx = ctx
	e.Alerts.Start(ctx)

	e.loop(ctx, e.cfg.Models.ParsedRefreshInterval, e.refreshModels)
	e.loop(ctx, e.cfg.Flows.ParsedPollInterval, e.processBatches)
	e.loop(ctx, e.cfg.Blacklist.ParsedSweepInterval, e.maintain)

	e.logger.Info("Engine started",
		"phase", string(e.Machine.Phase()),
		"model_tier", e.Models.Status().ActiveTier,
		"firewall", e.Firewall.Backend())
	return nil
}

// Stop cancels the loops, waits for them, and persists final state.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.Alerts.Stop()

	if err := e.Blacklist.Save(); err != nil {
		e.logger.Error("Failed to persist blacklist on shutdown", "error", err)
	}
	if err := e.FlowDB.Close(); err != nil {
		e.logger.Error("Failed to close flow database", "error", err)
	}
	e.logger.Info("Engine stopped")
}

// Done is closed when the loops stop, whether by Stop or by a fatal error.
func (e *Engine) Done() <-chan struct{} {
	if e.loopCtx == nil {
		return nil
	}
	return e.loopCtx.Done()
}

// Err returns the fatal error that shut the loops down, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.mu.Unlock()
	e.logger.Error("Fatal engine error, stopping loops", "error", err)
	e.Alerts.Trigger("engine.fatal", err.Error(), alerting.SeverityCritical, nil)
	e.cancel()
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) refreshModels(ctx context.Context) {
	if _, err := e.Models.Refresh(ctx); err != nil {
		// Even the fallback tier failed to construct. Scoring cannot continue.
		e.fail(err)
		return
	}
	e.Stats.ModelRefreshes.Add(1)
	e.Metrics.ModelRefreshes.Inc()
}

// processBatches drains every available batch on each poll tick.
func (e *Engine) processBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := e.Reader.NextBatch()
		if err != nil {
			if e.Reader.Backoff() {
				e.Alerts.Trigger("reader.backoff",
					"flow reader latched into backoff; manual reset required",
					alerting.SeverityCritical, nil)
			}
			return
		}
		if batch == nil {
			return
		}
		if err := e.processBatch(ctx, batch); err != nil {
			e.logger.Error("Batch processing failed; batch left pending",
				"batch", batch.Name, "error", err)
			return
		}
	}
}

// processBatch scores, enforces, persists the blacklist, and durably marks
// one batch. Marking is last: a crash anywhere before it replays the batch,
// which is safe because every enforcement action is idempotent. The
// blacklist snapshot lands first so a consumed batch's admissions survive a
// restart.
func (e *Engine) processBatch(ctx context.Context, batch *flowsource.Batch) error {
	am := e.Models.ActiveModel()
	verdicts, err := e.Scorer.ScoreBatch(ctx, am, batch.Records)
	if err != nil {
		if errors.IsKind(err, errors.KindSchemaMismatch) {
			e.Alerts.Trigger("scoring.schema_mismatch", err.Error(), alerting.SeverityCritical, nil)
		}
		return err
	}

	decisions := e.Machine.Apply(ctx, verdicts)

	records := make([]flowstore.VerdictRecord, len(decisions))
	now := clock.Now()
	for i, d := range decisions {
		v := d.Verdict
		records[i] = flowstore.VerdictRecord{
			ID:            uuid.NewString(),
			Address:       v.Address,
			Score:         v.Score,
			Class:         string(v.Class),
			ModelTier:     v.ModelTier.String(),
			LowConfidence: v.LowConfidence,
			Enforced:      d.Enforced,
			CreatedAt:     now,
		}
		e.record(d)

		if v.Class == scoring.ClassHighRisk && !v.LowConfidence {
			if devs, derr := scoring.Explain(am, v.Record, 3); derr == nil && len(devs) > 0 {
				parts := make([]string, len(devs))
				for j, dev := range devs {
					parts[j] = dev.String()
				}
				e.logger.Info("High-risk flow deviations",
					"address", v.Address, "score", v.Score, "top", strings.Join(parts, ", "))
			}
		}
	}

	if err := e.Blacklist.Save(); err != nil {
		return err
	}
	if err := e.Reader.MarkConsumed(batch, records); err != nil {
		return err
	}

	e.Stats.BatchesProcessed.Add(1)
	e.Stats.RecordsScored.Add(uint64(len(batch.Records)))
	e.Stats.RecordsSkipped.Add(uint64(batch.Skipped))
	e.Metrics.BatchesProcessed.Inc()
	e.Metrics.RecordsScored.Add(float64(len(batch.Records)))
	e.Metrics.RecordsSkipped.Add(float64(batch.Skipped))

	e.logger.Info("Batch processed", "batch", batch.Name,
		"records", len(batch.Records), "skipped", batch.Skipped)
	return nil
}

func (e *Engine) record(d enforcement.Decision) {
	e.Metrics.Scores.Observe(d.Verdict.Score)
	e.Metrics.Verdicts.WithLabelValues(string(d.Verdict.Class)).Inc()

	switch d.Verdict.Class {
	case scoring.ClassNormal:
		e.Stats.VerdictsNormal.Add(1)
	case scoring.ClassAnomalous:
		e.Stats.VerdictsAnomalous.Add(1)
	case scoring.ClassHighRisk:
		e.Stats.VerdictsHighRisk.Add(1)
	}

	switch d.Action {
	case enforcement.ActionBlock:
		e.Stats.BlocksApplied.Add(1)
		e.Metrics.BlocksApplied.Inc()
	case enforcement.ActionSkipOverride, enforcement.ActionSkipConfidence,
		enforcement.ActionSkipStopped, enforcement.ActionWouldBlock:
		e.Stats.BlocksSkipped.Add(1)
		e.Metrics.BlocksSkipped.WithLabelValues(string(d.Action)).Inc()
	case enforcement.ActionBlockFailed:
		if errors.IsKind(d.Err, errors.KindCapacityExhausted) {
			// Blacklist admission was rejected; no firewall call was made.
			e.Stats.BlocksSkipped.Add(1)
			e.Metrics.BlocksSkipped.WithLabelValues(string(d.Action)).Inc()
		} else {
			e.Stats.FirewallFailures.Add(1)
			e.Metrics.FirewallFailures.Inc()
		}
	}
}

// maintain runs one maintenance pass and the health evaluation on top of it.
func (e *Engine) maintain(ctx context.Context) {
	report, err := e.Machine.Maintain(ctx)
	if err != nil {
		e.logger.Error("Maintenance pass failed", "error", err)
	}
	e.mu.Lock()
	e.lastMaint = report
	e.mu.Unlock()

	e.Metrics.BlacklistSize.Set(float64(e.Blacklist.Len()))
	if ev := e.Blacklist.Evictions(); ev > e.lastEvictions {
		e.Metrics.BlacklistEvictions.Add(float64(ev - e.lastEvictions))
		e.lastEvictions = ev
	}

	pending, perr := e.Reader.PendingCount()
	if perr != nil {
		pending = 0
	}
	e.Metrics.PendingBatches.Set(float64(pending))
	if e.Reader.Backoff() {
		e.Metrics.ReaderBackoff.Set(1)
	} else {
		e.Metrics.ReaderBackoff.Set(0)
	}

	st := e.Models.Status()
	snapshot := health.Snapshot{
		PendingBatches:   pending,
		ReaderBackoff:    e.Reader.Backoff(),
		FirewallFailures: report.FirewallFailures,
		ModelTier:        st.ActiveTier,
		LowConfidence:    st.LowConfidence,
		EmergencyStopped: e.Machine.EmergencyStopped(),
		BlacklistLen:     e.Blacklist.Len(),
		BlacklistCap:     e.Blacklist.Capacity(),
	}
	for _, c := range e.Monitor.Evaluate(snapshot) {
		e.Alerts.Trigger(c.Name, c.Detail, alerting.Severity(c.Severity), nil)
	}
}

// ReportFalsePositive is the operator correction path: trust the address,
// unblock it, raise the retrain flag.
func (e *Engine) ReportFalsePositive(ctx context.Context, address, note string) (feedback.TrustedEntry, error) {
	entry, err := e.Feedback.ReportFalsePositive(address, note)
	if err != nil {
		return feedback.TrustedEntry{}, err
	}
	if err := e.Machine.Unblock(ctx, address); err != nil {
		e.logger.Error("Failed to unblock reported false positive; reconciliation will not retry a trusted address",
			"address", address, "error", err)
		return entry, err
	}
	return entry, nil
}

// ManualBlock pins an address as a permanent blacklist entry and, outside
// dry-run, blocks it immediately. Operator action through the API.
func (e *Engine) ManualBlock(ctx context.Context, address, reason string) (*blacklist.Entry, error) {
	entry, err := e.Blacklist.AddManual(address, reason)
	if err != nil {
		return nil, err
	}
	if e.Machine.Phase() == enforcement.PhaseActive {
		if err := e.Firewall.EnsureBlocked(ctx, address); err != nil {
			e.Stats.FirewallFailures.Add(1)
			e.Metrics.FirewallFailures.Inc()
			return entry, err
		}
	}
	return entry, nil
}

// Unblock removes an address from the blacklist and the firewall.
func (e *Engine) Unblock(ctx context.Context, address string) error {
	return e.Machine.Unblock(ctx, address)
}

// Healthy reports liveness for the health endpoint.
func (e *Engine) Healthy() bool {
	return health.Healthy(health.Snapshot{ReaderBackoff: e.Reader.Backoff()})
}

// Status is the composite status document served by the API.
type Status struct {
	Phase            string                        `json:"phase"`
	ActiveAt         time.Time                     `json:"active_at"`
	EmergencyStopped bool                          `json:"emergency_stopped"`
	Model            model.Status                  `json:"model"`
	BlacklistSize    int                           `json:"blacklist_size"`
	BlacklistCap     int                           `json:"blacklist_capacity"`
	ReaderBackoff    bool                          `json:"reader_backoff"`
	ReaderErrors     int                           `json:"reader_errors"`
	PendingBatches   int                           `json:"pending_batches"`
	RetrainRequested bool                          `json:"retrain_requested"`
	Firewall         string                        `json:"firewall_backend"`
	LastMaintenance  enforcement.MaintenanceReport `json:"last_maintenance"`
	Stats            health.StatsSnapshot          `json:"stats"`
}

// Status assembles the current engine state.
func (e *Engine) Status() Status {
	pending, err := e.Reader.PendingCount()
	if err != nil {
		pending = -1
	}
	e.mu.Lock()
	lastMaint := e.lastMaint
	e.mu.Unlock()

	return Status{
		Phase:            string(e.Machine.Phase()),
		ActiveAt:         e.Machine.ActiveAt(),
		EmergencyStopped: e.Machine.EmergencyStopped(),
		Model:            e.Models.Status(),
		BlacklistSize:    e.Blacklist.Len(),
		BlacklistCap:     e.Blacklist.Capacity(),
		ReaderBackoff:    e.Reader.Backoff(),
		ReaderErrors:     e.Reader.ErrorCount(),
		PendingBatches:   pending,
		RetrainRequested: e.Feedback.RetrainRequested(),
		Firewall:         e.Firewall.Backend(),
		LastMaintenance:  lastMaint,
		Stats:            e.Stats.Snapshot(),
	}
}
