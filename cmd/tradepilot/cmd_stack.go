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
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
)

// runStackStart starts the named services, or the whole stack.
func runStackStart(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if len(args) == 0 {
		fmt.Println("Starting stack...")
	} else {
		fmt.Printf("Starting %s...\n", strings.Join(args, ", "))
	}

	_, err = executor.Up(ctx, compose.UpOptions{
		Services:      args,
		ForceBuild:    forceBuild,
		RemoveOrphans: len(args) == 0,
	})
	if err != nil {
		fmt.Printf("Error: failed to start stack: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Stack started")
}

// runStackStop stops all stack services with graceful escalation.
func runStackStop(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Stopping stack...")
	result, err := executor.Stop(ctx, compose.StopOptions{})
	if err != nil {
		fmt.Printf("Error: failed to stop stack: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Stopped %d container(s)", result.TotalStopped)
	if result.ForceStopped > 0 {
		fmt.Printf(" (%d required force stop)", result.ForceStopped)
	}
	fmt.Println()
}

// runStackRestart restarts the named services, or the whole stack.
func runStackRestart(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Restarting...")
	if _, err := executor.Restart(ctx, compose.RestartOptions{Services: args}); err != nil {
		fmt.Printf("Error: failed to restart: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Restart complete")
}

// runStackStatus prints a table of service states.
func runStackStatus(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	status, err := executor.Status(ctx)
	if err != nil {
		fmt.Printf("Error: failed to get status: %v\n", err)
		os.Exit(1)
	}

	if len(status.Services) == 0 {
		fmt.Println("No stack containers found")
		return
	}

	fmt.Printf("%-20s %-12s %-10s %s\n", "SERVICE", "STATE", "HEALTHY", "PORTS")
	for _, svc := range status.Services {
		healthy := "-"
		if svc.Healthy != nil {
			if *svc.Healthy {
				healthy = "yes"
			} else {
				healthy = "no"
			}
		}
		fmt.Printf("%-20s %-12s %-10s %s\n", svc.Name, svc.State, healthy,
			formatPorts(svc.Ports))
	}
	fmt.Printf("\n%d running, %d stopped, %d unhealthy\n",
		status.Running, status.Stopped, status.Unhealthy)
}

// formatPorts renders port mappings as host:container pairs.
func formatPorts(ports []compose.PortMapping) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, p.Protocol))
	}
	return strings.Join(parts, ", ")
}

// runStackLogs streams logs for one service or the whole stack.
func runStackLogs(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	opts := compose.LogsOptions{
		Follow:   followLogs,
		Tail:     tailLines,
		Services: args,
	}
	if err := executor.Logs(ctx, opts, os.Stdout); err != nil && ctx.Err() == nil {
		fmt.Printf("Error: failed to stream logs: %v\n", err)
		os.Exit(1)
	}
}

// runStackScale sets the replica count for a single service.
func runStackScale(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	replicas, err := strconv.Atoi(args[1])
	if err != nil || replicas < 0 {
		fmt.Printf("Error: invalid replica count %q\n", args[1])
		os.Exit(1)
	}

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Scaling %s to %d replica(s)...\n", args[0], replicas)
	if _, err := executor.Scale(ctx, args[0], replicas); err != nil {
		fmt.Printf("Error: failed to scale %s: %v\n", args[0], err)
		os.Exit(1)
	}

	fmt.Println("Scale complete")
}

// runStackExec executes a command inside a running service container.
func runStackExec(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	result, err := executor.Exec(ctx, compose.ExecOptions{
		Service: args[0],
		Command: args[1:],
	})
	if err != nil {
		fmt.Printf("Error: exec failed: %v\n", err)
		os.Exit(1)
	}

	if result.Stdout != "" {
		fmt.Print(result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(os.Stderr, result.Stderr)
	}
	os.Exit(result.ExitCode)
}

// runStackDestroy tears down the stack, removing containers and volumes.
func runStackDestroy(cmd *cobra.Command, args []string) {
	ctx, stop := withSignalCancel(context.Background())
	defer stop()

	if !skipConfirm {
		fmt.Print("This will delete all stack containers, volumes, and database data.\n")
		fmt.Print("Type 'yes' to continue: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(strings.ToLower(answer)) != "yes" {
			fmt.Println("Aborted")
			return
		}
	}

	executor, err := buildComposeExecutor()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Stopping stack...")
	if _, err := executor.Stop(ctx, compose.StopOptions{GracefulTimeout: 30 * time.Second}); err != nil {
		fmt.Printf("Warning: stop failed, continuing with teardown: %v\n", err)
	}

	fmt.Println("Removing containers and volumes...")
	if _, err := executor.Down(ctx, compose.DownOptions{
		RemoveOrphans: true,
		RemoveVolumes: true,
	}); err != nil {
		fmt.Printf("Warning: down failed, forcing cleanup: %v\n", err)
		cleanup, cleanupErr := executor.ForceCleanup(ctx)
		if cleanupErr != nil {
			fmt.Printf("Error: force cleanup incomplete: %v\n", cleanupErr)
			os.Exit(1)
		}
		fmt.Printf("Force-removed %d container(s)\n", cleanup.ContainersRemoved)
	}

	fmt.Println("Stack destroyed")
}
