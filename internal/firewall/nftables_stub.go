// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package firewall

import (
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/errors"
)

func newNFTables(cfg *config.FirewallConfig) (Controller, error) {
	return nil, errors.New(errors.KindUnavailable, "nftables backend requires linux; use backend \"none\"")
}
