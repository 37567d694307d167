// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// cliVersion is stamped at build time via -ldflags "-X main.cliVersion=...".
var cliVersion = "dev"

var (
	// Command-line flags
	logLevel    string
	forceBuild  bool
	followLogs  bool
	tailLines   int
	skipConfirm bool

	rootCmd = &cobra.Command{
		Use:     "tradepilot",
		Version: cliVersion,
		Short:   "TradePilot - deployment orchestrator for the trading stack",
		Long: `TradePilot manages the lifecycle of the trading stack: the trader
application server, PostgreSQL, Prometheus, and Grafana.

The deploy command runs the full pipeline: backup, environment resolution,
database initialization, migrations, service startup, and health verification.
The stack and backup commands expose the individual pieces for day-to-day
operations.`,
	}

	deployCmd = &cobra.Command{
		Use:   "deploy",
		Short: "Run the full deployment pipeline",
		Long: `Deploy backs up the current state, resolves the environment file,
starts the database, applies migrations, brings up the full stack, and
verifies every service is healthy.

A failure in any stage stops the pipeline and reports which stage failed.
Monitoring services (Prometheus, Grafana) that fail verification produce
warnings rather than a failed deployment.`,
		Run: runDeploy,
	}

	stackCmd = &cobra.Command{
		Use:   "stack",
		Short: "Manage the trading stack services",
	}

	stackStartCmd = &cobra.Command{
		Use:   "start [service...]",
		Short: "Start stack services",
		Run:   runStackStart,
	}

	stackStopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop all stack services",
		Run:   runStackStop,
	}

	stackRestartCmd = &cobra.Command{
		Use:   "restart [service...]",
		Short: "Restart stack services",
		Run:   runStackRestart,
	}

	stackStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the status of all stack services",
		Run:   runStackStatus,
	}

	stackLogsCmd = &cobra.Command{
		Use:   "logs [service]",
		Short: "Show logs from stack services",
		Run:   runStackLogs,
	}

	stackScaleCmd = &cobra.Command{
		Use:   "scale <service> <replicas>",
		Short: "Scale a stack service to N replicas",
		Args:  cobra.ExactArgs(2),
		Run:   runStackScale,
	}

	stackExecCmd = &cobra.Command{
		Use:   "exec <service> <command> [args...]",
		Short: "Execute a command inside a running service container",
		Args:  cobra.MinimumNArgs(2),
		Run:   runStackExec,
	}

	stackDestroyCmd = &cobra.Command{
		Use:   "destroy",
		Short: "Tear down the stack and remove volumes",
		Long: `Destroy stops every service, removes containers and volumes, and
cleans up orphaned resources. This deletes all database data. Take a
backup first if you need the current state.`,
		Run: runStackDestroy,
	}

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Manage stack backups",
	}

	backupCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a backup of the database, env file, and logs",
		Run:   runBackupCreate,
	}

	backupListCmd = &cobra.Command{
		Use:   "list",
		Short: "List existing backups, newest first",
		Run:   runBackupList,
	}

	backupCleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Remove backups beyond the retention limit",
		Run:   runBackupClean,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	deployCmd.Flags().BoolVar(&forceBuild, "build", false, "Rebuild service images before starting")

	stackStartCmd.Flags().BoolVar(&forceBuild, "build", false, "Rebuild service images before starting")
	stackLogsCmd.Flags().BoolVarP(&followLogs, "follow", "f", false, "Follow log output")
	stackLogsCmd.Flags().IntVar(&tailLines, "tail", 100, "Number of lines to show from the end of the logs")
	stackDestroyCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip the confirmation prompt")

	stackCmd.AddCommand(stackStartCmd)
	stackCmd.AddCommand(stackStopCmd)
	stackCmd.AddCommand(stackRestartCmd)
	stackCmd.AddCommand(stackStatusCmd)
	stackCmd.AddCommand(stackLogsCmd)
	stackCmd.AddCommand(stackScaleCmd)
	stackCmd.AddCommand(stackExecCmd)
	stackCmd.AddCommand(stackDestroyCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupCleanCmd)

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(stackCmd)
	rootCmd.AddCommand(backupCmd)
}
