// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"

	"grimm.is/warden/internal/config"
)

// RunValidate checks a configuration file and prints the effective settings.
func RunValidate(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	fmt.Printf("Configuration OK: %s\n", configFile)
	fmt.Printf("  state dir:        %s\n", cfg.StateDir)
	fmt.Printf("  flow batches:     %s (poll %s)\n", cfg.Flows.Dir, cfg.Flows.ParsedPollInterval)
	fmt.Printf("  model refresh:    %s (age window %s .. %s)\n",
		cfg.Models.ParsedRefreshInterval, cfg.Models.ParsedMinAge, cfg.Models.ParsedMaxAge)
	fmt.Printf("  thresholds:       anomalous >= %.1f, high-risk >= %.1f\n",
		cfg.Scoring.AnomalyThreshold, cfg.Scoring.HighRiskThreshold)
	fmt.Printf("  dry run:          %s\n", cfg.Enforcement.ParsedDryRunDuration)
	fmt.Printf("  blacklist:        ttl %s, max %d entries\n", cfg.Blacklist.ParsedTTL, cfg.Blacklist.MaxEntries)
	fmt.Printf("  firewall backend: %s (table %s)\n", cfg.Firewall.Backend, cfg.Firewall.Table)
	fmt.Printf("  api:              %s\n", cfg.API.Listen)
	if cfg.Models.Remote != nil {
		fmt.Printf("  remote models:    %s\n", cfg.Models.Remote.URL)
	}
	return nil
}
