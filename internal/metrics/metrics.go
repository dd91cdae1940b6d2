// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the engine's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all warden Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	BatchesProcessed prometheus.Counter
	RecordsScored    prometheus.Counter
	RecordsSkipped   prometheus.Counter
	Verdicts         *prometheus.CounterVec // label: class
	Scores           prometheus.Histogram

	BlocksApplied    prometheus.Counter
	BlocksSkipped    *prometheus.CounterVec // label: reason
	FirewallFailures prometheus.Counter

	BlacklistSize      prometheus.Gauge
	BlacklistEvictions prometheus.Counter

	ModelRefreshes prometheus.Counter
	ModelTier      *prometheus.GaugeVec // label: tier; 1 for active
	ModelLowConf   prometheus.Gauge

	PendingBatches prometheus.Gauge
	ReaderBackoff  prometheus.Gauge
}

// New creates the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_batches_processed_total",
			Help: "Total number of flow batches consumed",
		}),
		RecordsScored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_records_scored_total",
			Help: "Total number of flow records scored",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_records_skipped_total",
			Help: "Total number of malformed flow records skipped",
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_verdicts_total",
			Help: "Total verdicts by class",
		}, []string{"class"}),
		Scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_scores",
			Help:    "Distribution of anomaly scores",
			Buckets: []float64{0.5, 1, 2, 3, 4, 6, 8, 12, 20},
		}),

		BlocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_blocks_applied_total",
			Help: "Total number of addresses blocked in the firewall",
		}),
		BlocksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_blocks_skipped_total",
			Help: "High-risk verdicts that did not result in a block, by reason",
		}, []string{"reason"}),
		FirewallFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_firewall_failures_total",
			Help: "Total number of failed firewall controller calls",
		}),

		BlacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_blacklist_entries",
			Help: "Current number of blacklist entries",
		}),
		BlacklistEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_blacklist_evictions_total",
			Help: "Total number of capacity evictions from the blacklist",
		}),

		ModelRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_model_refreshes_total",
			Help: "Total number of model hierarchy resolutions",
		}),
		ModelTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_model_tier",
			Help: "1 for the currently active model tier",
		}, []string{"tier"}),
		ModelLowConf: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_model_low_confidence",
			Help: "1 when the active model is a low-confidence fallback",
		}),

		PendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_pending_batches",
			Help: "Completed batches awaiting processing",
		}),
		ReaderBackoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_reader_backoff",
			Help: "1 when the flow reader is latched into backoff",
		}),
	}

	m.registry.MustRegister(
		m.BatchesProcessed, m.RecordsScored, m.RecordsSkipped, m.Verdicts, m.Scores,
		m.BlocksApplied, m.BlocksSkipped, m.FirewallFailures,
		m.BlacklistSize, m.BlacklistEvictions,
		m.ModelRefreshes, m.ModelTier, m.ModelLowConf,
		m.PendingBatches, m.ReaderBackoff,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// SetActiveTier flips the tier gauge so exactly one tier reads 1.
func (m *Metrics) SetActiveTier(tier string, lowConfidence bool) {
	m.ModelTier.Reset()
	m.ModelTier.WithLabelValues(tier).Set(1)
	if lowConfidence {
		m.ModelLowConf.Set(1)
	} else {
		m.ModelLowConf.Set(0)
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
