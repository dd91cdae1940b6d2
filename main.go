// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Warden watches aggregated network flow batches, scores them against a
// tiered anomaly model hierarchy, and blocks high-risk source addresses
// through the firewall after a mandatory observation period.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/warden/cmd"
)

const defaultConfigFile = "/etc/warden/warden.hcl"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

Commands:
  run                 Run the enforcement engine in the foreground
  validate            Validate the configuration file
  emergency-stop on   Suspend all enforcement immediately
  emergency-stop off  Resume enforcement
  reader-reset        Clear the flow reader backoff latch

Flags:
  -config <file>      Configuration file (default %s)
`, filepath.Base(os.Args[0]), defaultConfigFile)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	command := os.Args[1]
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configFile := fs.String("config", defaultConfigFile, "configuration file")

	var err error
	switch command {
	case "run":
		fs.Parse(os.Args[2:])
		err = cmd.RunDaemon(*configFile)
	case "validate":
		fs.Parse(os.Args[2:])
		err = cmd.RunValidate(*configFile)
	case "emergency-stop":
		if len(os.Args) < 3 || (os.Args[2] != "on" && os.Args[2] != "off") {
			usage()
			os.Exit(2)
		}
		fs.Parse(os.Args[3:])
		err = cmd.RunEmergencyStop(*configFile, os.Args[2] == "on")
	case "reader-reset":
		fs.Parse(os.Args[2:])
		err = cmd.RunReaderReset(*configFile)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
