// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/warden/internal/errors"
)

// DefaultStateDir is where durable state lives unless overridden.
const DefaultStateDir = "/var/lib/warden"

// DefaultLogDir is where the daemon log lives unless overridden.
const DefaultLogDir = "/var/log/warden"

// DefaultFeatureSchema is the flow feature set produced by the sensor, in
// model feature order.
var DefaultFeatureSchema = []string{
	"bytes_in", "bytes_out", "packets_in", "packets_out",
	"duration", "src_port", "dst_port", "protocol",
}

// LoadFile reads, decodes, and validates an HCL configuration file.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "configuration file %s", path)
	}

	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and parses duration fields. It is idempotent and
// must be called before the configuration is handed to any component.
func (c *Config) Validate() error {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Models == nil {
		c.Models = &ModelsConfig{}
	}
	if err := c.Models.validate(); err != nil {
		return err
	}

	if c.Flows == nil {
		return errors.New(errors.KindValidation, "flows block is required (flow batch directory)")
	}
	if err := c.Flows.validate(); err != nil {
		return err
	}

	if c.Scoring == nil {
		c.Scoring = &ScoringConfig{}
	}
	if err := c.Scoring.validate(); err != nil {
		return err
	}

	if c.Enforcement == nil {
		c.Enforcement = &EnforcementConfig{}
	}
	if err := c.Enforcement.validate(c.StateDir); err != nil {
		return err
	}

	if c.Blacklist == nil {
		c.Blacklist = &BlacklistConfig{}
	}
	if err := c.Blacklist.validate(); err != nil {
		return err
	}

	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	if err := c.Firewall.validate(); err != nil {
		return err
	}

	if c.Feedback == nil {
		c.Feedback = &FeedbackConfig{}
	}
	if c.Feedback.Dir == "" {
		c.Feedback.Dir = filepath.Join(c.StateDir, "feedback")
	}

	if c.Health == nil {
		c.Health = &HealthConfig{}
	}
	if err := c.Health.validate(); err != nil {
		return err
	}

	if c.API == nil {
		c.API = &APIConfig{Enabled: true}
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:9090"
	}

	return nil
}

func (m *ModelsConfig) validate() error {
	var err error
	if m.ParsedRefreshInterval, err = parseDuration(m.RefreshInterval, 5*time.Minute, "models.refresh_interval"); err != nil {
		return err
	}
	if m.ParsedMaxAge, err = parseDuration(m.MaxAge, 720*time.Hour, "models.max_age"); err != nil {
		return err
	}
	if m.ParsedMinAge, err = parseDuration(m.MinAge, time.Hour, "models.min_age"); err != nil {
		return err
	}
	if m.ParsedMinAge >= m.ParsedMaxAge {
		return errors.New(errors.KindValidation, "models.min_age must be smaller than models.max_age")
	}
	if len(m.FeatureSchema) == 0 {
		m.FeatureSchema = append([]string(nil), DefaultFeatureSchema...)
	}
	if m.Remote != nil {
		if m.Remote.URL == "" {
			return errors.New(errors.KindValidation, "models.remote.url must not be empty")
		}
		if m.Remote.ParsedTimeout, err = parseDuration(m.Remote.Timeout, 10*time.Second, "models.remote.timeout"); err != nil {
			return err
		}
	}
	return nil
}

func (f *FlowsConfig) validate() error {
	if f.Dir == "" {
		return errors.New(errors.KindValidation, "flows.dir must not be empty")
	}
	var err error
	if f.ParsedPollInterval, err = parseDuration(f.PollInterval, 10*time.Second, "flows.poll_interval"); err != nil {
		return err
	}
	if f.ErrorCeiling <= 0 {
		f.ErrorCeiling = 5
	}
	if f.ReadyMarker == "" {
		f.ReadyMarker = ".ready"
	}
	return nil
}

func (s *ScoringConfig) validate() error {
	if s.AnomalyThreshold == 0 {
		s.AnomalyThreshold = 3.0
	}
	if s.HighRiskThreshold == 0 {
		s.HighRiskThreshold = 6.0
	}
	if s.HighRiskThreshold <= s.AnomalyThreshold {
		return errors.New(errors.KindValidation, "scoring.high_risk_threshold must exceed scoring.anomaly_threshold")
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
	return nil
}

func (e *EnforcementConfig) validate(stateDir string) error {
	var err error
	if e.ParsedDryRunDuration, err = parseDuration(e.DryRunDuration, 168*time.Hour, "enforcement.dry_run_duration"); err != nil {
		return err
	}
	if e.EmergencyStopFile == "" {
		e.EmergencyStopFile = filepath.Join(stateDir, "emergency_stop")
	}
	return nil
}

func (b *BlacklistConfig) validate() error {
	var err error
	if b.ParsedTTL, err = parseDuration(b.TTL, 24*time.Hour, "blacklist.ttl"); err != nil {
		return err
	}
	if b.ParsedSweepInterval, err = parseDuration(b.SweepInterval, 30*time.Second, "blacklist.sweep_interval"); err != nil {
		return err
	}
	if b.MaxEntries <= 0 {
		b.MaxEntries = 1000
	}
	return nil
}

func (f *FirewallConfig) validate() error {
	switch f.Backend {
	case "":
		f.Backend = "nftables"
	case "nftables", "none":
	default:
		return errors.Errorf(errors.KindValidation, "firewall.backend %q is not supported", f.Backend)
	}
	if f.Table == "" {
		f.Table = "warden"
	}
	var err error
	if f.ParsedCallTimeout, err = parseDuration(f.CallTimeout, 5*time.Second, "firewall.call_timeout"); err != nil {
		return err
	}
	return nil
}

func (h *HealthConfig) validate() error {
	if h.MaxBatchBacklog <= 0 {
		h.MaxBatchBacklog = 100
	}
	if h.MaxFirewallFailures <= 0 {
		h.MaxFirewallFailures = 10
	}
	var err error
	if h.ParsedAlertCooldown, err = parseDuration(h.AlertCooldown, 5*time.Minute, "health.alert_cooldown"); err != nil {
		return err
	}
	return nil
}

func parseDuration(raw string, def time.Duration, field string) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindValidation, "invalid duration for %s", field)
	}
	if d <= 0 {
		return 0, errors.Errorf(errors.KindValidation, "%s must be positive", field)
	}
	return d, nil
}
