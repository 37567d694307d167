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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// timeRounding trims durations to something readable in summaries.
const timeRounding = 10 * time.Millisecond

// runDeploy executes the full deployment pipeline.
func runDeploy(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	log := buildLogger()

	pipeline, err := buildDeployPipeline(log)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	pipeline.ForceBuild = forceBuild

	fmt.Println("Starting deployment...")
	run, err := pipeline.RunDeploy(ctx)
	if run == nil {
		// Could not even start: lock held by another deploy, etc.
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	printDeploySummary(run)

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("\nDeployment failed: %v\n", err)
	}
	os.Exit(run.ExitCode())
}

// printDeploySummary renders the per-stage outcome table for the user.
func printDeploySummary(run *PipelineRun) {
	fmt.Printf("\nDeployment %s (run %s, %s)\n", run.Status, run.ID,
		run.Duration.Round(timeRounding))
	for _, stage := range run.Stages {
		marker := " "
		switch stage.Status {
		case StageSucceeded:
			marker = "+"
		case StageWarned:
			marker = "!"
		case StageFailed:
			marker = "x"
		case StageSkipped:
			marker = "-"
		}
		line := fmt.Sprintf("  [%s] %-14s %s", marker, stage.Name,
			stage.Duration.Round(timeRounding))
		if stage.Message != "" {
			line += "  " + stage.Message
		}
		fmt.Println(line)
	}
	for _, w := range run.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}
