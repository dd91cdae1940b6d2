// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"grimm.is/warden/internal/config"
)

// RunEmergencyStop engages or releases the emergency stop by touching the
// control file directly. Works against a running daemon (which checks the
// file on every decision) and a stopped one alike.
func RunEmergencyStop(configFile string, engage bool) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	path := cfg.Enforcement.EmergencyStopFile

	if engage {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to create emergency stop file: %w", err)
		}
		f.Close()
		fmt.Printf("Emergency stop ENGAGED (%s)\n", path)
		fmt.Println("All enforcement actions are suspended until released.")
		return nil
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Emergency stop was not engaged.")
			return nil
		}
		return fmt.Errorf("failed to remove emergency stop file: %w", err)
	}
	fmt.Printf("Emergency stop released (%s)\n", path)
	return nil
}

// RunReaderReset clears the flow reader's backoff latch through the API of
// the running daemon.
func RunReaderReset(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s/api/reader/reset", cfg.API.Listen)
	resp, err := client.Post(url, "application/json", strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.API.Listen, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reader reset failed: HTTP %d", resp.StatusCode)
	}
	fmt.Println("Reader backoff latch cleared.")
	return nil
}
