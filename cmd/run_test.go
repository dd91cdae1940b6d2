// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/engine"
)

func TestNewAPIServer_DisabledDespiteDefaultListen(t *testing.T) {
	stateDir := t.TempDir()
	flowDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "warden.hcl")
	body := fmt.Sprintf(`
state_dir = %q

flows {
  dir = %q
}

firewall {
  backend = "none"
}

api {
  enabled = false
}
`, stateDir, flowDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	defer eng.FlowDB.Close()

	// Validation always fills in a listen address, so only the enabled flag
	// may decide whether the server runs.
	require.NotEmpty(t, cfg.API.Listen)
	assert.Nil(t, newAPIServer(cfg.API, eng))

	cfg.API.Enabled = true
	assert.NotNil(t, newAPIServer(cfg.API, eng))
}
