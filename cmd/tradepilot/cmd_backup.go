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
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// runBackupCreate takes a backup of the database, env file, and logs.
func runBackupCreate(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	manager := buildBackupManager(executor)

	fmt.Println("Creating backup...")
	info, err := manager.CreateBackup(ctx)
	if err != nil {
		fmt.Printf("Error: backup failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Backup created: %s (%s)\n", info.Path, formatBytes(info.Size))
	if !info.DatabaseDumped {
		fmt.Println("  note: database was not running, no dump taken")
	}
	for _, w := range info.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

// runBackupList prints existing backups, newest first.
func runBackupList(cmd *cobra.Command, args []string) {
	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	backups, err := buildBackupManager(executor).ListBackups()
	if err != nil {
		fmt.Printf("Error: failed to list backups: %v\n", err)
		os.Exit(1)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found")
		return
	}

	for _, b := range backups {
		fmt.Printf("%s  %s\n", b.CreatedAt.Format("2006-01-02 15:04:05"), b.Path)
	}
	fmt.Printf("\n%d backup(s)\n", len(backups))
}

// runBackupClean removes backups beyond the retention limit.
func runBackupClean(cmd *cobra.Command, args []string) {
	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	removed, err := buildBackupManager(executor).CleanOldBackups()
	if err != nil {
		fmt.Printf("Error: cleanup failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Removed %d old backup(s)\n", removed)
}

// formatBytes renders a byte count in human-readable units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
