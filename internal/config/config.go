// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL configuration handling for the warden daemon.
package config

import (
	"time"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the warden configuration.
// It defines the model hierarchy, flow ingestion, scoring thresholds,
// enforcement behavior, blacklist bounds, and observability surfaces.
type Config struct {
	// Schema version for backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// State Directory (overrides default /var/lib/warden)
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	// Log Directory (overrides default /var/log/warden)
	LogDir string `hcl:"log_dir,optional" json:"log_dir,omitempty"`

	// Minimum log level: debug, info, warn, error.
	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`

	Models      *ModelsConfig      `hcl:"models,block" json:"models,omitempty"`
	Flows       *FlowsConfig       `hcl:"flows,block" json:"flows,omitempty"`
	Scoring     *ScoringConfig     `hcl:"scoring,block" json:"scoring,omitempty"`
	Enforcement *EnforcementConfig `hcl:"enforcement,block" json:"enforcement,omitempty"`
	Blacklist   *BlacklistConfig   `hcl:"blacklist,block" json:"blacklist,omitempty"`
	Firewall    *FirewallConfig    `hcl:"firewall,block" json:"firewall,omitempty"`
	Feedback    *FeedbackConfig    `hcl:"feedback,block" json:"feedback,omitempty"`
	Health      *HealthConfig      `hcl:"health,block" json:"health,omitempty"`

	Notifications *NotificationsConfig `hcl:"notifications,block" json:"notifications,omitempty"`

	// API configuration
	API *APIConfig `hcl:"api,block" json:"api,omitempty"`
}

// ModelsConfig configures the scoring model tier hierarchy.
type ModelsConfig struct {
	// How often the model manager re-resolves the active tier.
	// @default: "5m"
	RefreshInterval string `hcl:"refresh_interval,optional" json:"refresh_interval,omitempty"`

	// Oldest artifact the manager will trust.
	// @default: "720h" (30 days)
	MaxAge string `hcl:"max_age,optional" json:"max_age,omitempty"`

	// Quarantine window: a freshly produced artifact is not trusted until it
	// is at least this old, bounding the blast radius of a bad training run.
	// @default: "1h"
	MinAge string `hcl:"min_age,optional" json:"min_age,omitempty"`

	// Remote personalized-model store. Optional; when unset the remote tier
	// never resolves and resolution starts at the local cache.
	Remote *RemoteStoreConfig `hcl:"remote,block" json:"remote,omitempty"`

	// Directory holding the locally cached personalized artifacts produced by
	// the on-site training job.
	LocalDir string `hcl:"local_dir,optional" json:"local_dir,omitempty"`

	// Directory holding the shipped foundation artifacts.
	FoundationDir string `hcl:"foundation_dir,optional" json:"foundation_dir,omitempty"`

	// Declared feature schema, in model feature order. Must match the columns
	// produced by the flow sensor. Defaults to the standard flow feature set.
	FeatureSchema []string `hcl:"feature_schema,optional" json:"feature_schema,omitempty"`

	ParsedRefreshInterval time.Duration `json:"-"`
	ParsedMaxAge          time.Duration `json:"-"`
	ParsedMinAge          time.Duration `json:"-"`
}

// RemoteStoreConfig configures fetching personalized artifacts from a remote
// repository. The fetch is a network call with its own timeout, independent of
// the active serving path.
type RemoteStoreConfig struct {
	URL string `hcl:"url"`
	// @default: "10s"
	Timeout string `hcl:"timeout,optional" json:"timeout,omitempty"`

	ParsedTimeout time.Duration `json:"-"`
}

// FlowsConfig configures the flow batch reader.
type FlowsConfig struct {
	// Directory polled for completed flow batches.
	Dir string `hcl:"dir"`

	// @default: "10s"
	PollInterval string `hcl:"poll_interval,optional" json:"poll_interval,omitempty"`

	// Consecutive read/parse failures before the reader latches into backoff
	// and stops polling until manually reset.
	// @default: 5
	ErrorCeiling int `hcl:"error_ceiling,optional" json:"error_ceiling,omitempty"`

	// Suffix marking a batch as fully written and available.
	// @default: ".ready"
	ReadyMarker string `hcl:"ready_marker,optional" json:"ready_marker,omitempty"`

	ParsedPollInterval time.Duration `json:"-"`
}

// ScoringConfig configures verdict classification. Thresholds are
// configuration, not learned.
type ScoringConfig struct {
	// score >= anomaly_threshold => anomalous
	// @default: 3.0
	AnomalyThreshold float64 `hcl:"anomaly_threshold,optional" json:"anomaly_threshold,omitempty"`

	// score >= high_risk_threshold => high-risk
	// @default: 6.0
	HighRiskThreshold float64 `hcl:"high_risk_threshold,optional" json:"high_risk_threshold,omitempty"`

	// Parallel scoring workers per batch.
	// @default: 4
	Workers int `hcl:"workers,optional" json:"workers,omitempty"`
}

// EnforcementConfig configures the dry-run gate and operator controls.
type EnforcementConfig struct {
	// Mandatory observation period before any blocking action.
	// @default: "168h" (7 days)
	DryRunDuration string `hcl:"dry_run_duration,optional" json:"dry_run_duration,omitempty"`

	// Presence of this file forces all enforcement actions to no-ops.
	// Defaults to <state_dir>/emergency_stop.
	EmergencyStopFile string `hcl:"emergency_stop_file,optional" json:"emergency_stop_file,omitempty"`

	// Operator allow-list. Addresses here are never blocked.
	Overrides []string `hcl:"overrides,optional" json:"overrides,omitempty"`

	ParsedDryRunDuration time.Duration `json:"-"`
}

// BlacklistConfig bounds the enforced address set.
type BlacklistConfig struct {
	// Time-to-live per entry; refreshed on repeated qualifying verdicts.
	// @default: "24h"
	TTL string `hcl:"ttl,optional" json:"ttl,omitempty"`

	// Hard cap on concurrently enforced addresses.
	// @default: 1000
	MaxEntries int `hcl:"max_entries,optional" json:"max_entries,omitempty"`

	// Expiry sweep / maintenance cadence.
	// @default: "30s"
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`

	ParsedTTL           time.Duration `json:"-"`
	ParsedSweepInterval time.Duration `json:"-"`
}

// FirewallConfig configures the external firewall controller.
type FirewallConfig struct {
	// Backend: "nftables" (linux), "none" (audit only).
	// @default: "nftables"
	Backend string `hcl:"backend,optional" json:"backend,omitempty"`

	// nftables table managed by warden.
	// @default: "warden"
	Table string `hcl:"table,optional" json:"table,omitempty"`

	// Per-call timeout for controller operations.
	// @default: "5s"
	CallTimeout string `hcl:"call_timeout,optional" json:"call_timeout,omitempty"`

	ParsedCallTimeout time.Duration `json:"-"`
}

// FeedbackConfig configures operator false-positive feedback.
type FeedbackConfig struct {
	// Directory for the trusted-address list and the retrain trigger flag.
	// Defaults to <state_dir>/feedback.
	Dir string `hcl:"dir,optional" json:"dir,omitempty"`
}

// HealthConfig configures health evaluation thresholds.
type HealthConfig struct {
	// Alert when the pending (unprocessed) batch backlog exceeds this count.
	// @default: 100
	MaxBatchBacklog int `hcl:"max_batch_backlog,optional" json:"max_batch_backlog,omitempty"`

	// Alert when firewall call failures within one sweep exceed this count.
	// @default: 10
	MaxFirewallFailures int `hcl:"max_firewall_failures,optional" json:"max_firewall_failures,omitempty"`

	// Cooldown between repeated health alerts for the same condition.
	// @default: "5m"
	AlertCooldown string `hcl:"alert_cooldown,optional" json:"alert_cooldown,omitempty"`

	ParsedAlertCooldown time.Duration `json:"-"`
}

// NotificationsConfig configures the notification system.
type NotificationsConfig struct {
	Enabled  bool                  `hcl:"enabled,optional"`
	Channels []NotificationChannel `hcl:"channel,block" json:"channel,omitempty"`
	Rules    []AlertRule           `hcl:"rule,block" json:"rule,omitempty"`
}

// AlertRule defines when an alert should be triggered.
type AlertRule struct {
	Name      string   `hcl:"name,label"`
	Enabled   bool     `hcl:"enabled,optional"`
	Condition string   `hcl:"condition"` // e.g. "model.fallback", "blacklist.capacity"
	Severity  string   `hcl:"severity,optional"` // info, warning, critical
	Channels  []string `hcl:"channels,optional"`
	Cooldown  string   `hcl:"cooldown,optional"` // e.g. "1h"
}

// NotificationChannel defines a notification destination.
type NotificationChannel struct {
	Name    string `hcl:"name,label"`
	Type    string `hcl:"type"` // webhook, log
	Enabled bool   `hcl:"enabled,optional"`

	// Webhook settings
	WebhookURL string            `hcl:"webhook_url,optional"`
	Headers    map[string]string `hcl:"headers,optional"`
}

// APIConfig configures the observability HTTP server.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Listen  string `hcl:"listen,optional"` // @default: "127.0.0.1:9090"
}
