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
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/config"
	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/process"
	"github.com/AleutianAI/TradePilot/pkg/logging"
)

// buildLogger creates the CLI logger from the loaded configuration.
func buildLogger() *logging.Logger {
	level := logging.ParseLevel(config.Global.Logging.Level)
	if logLevel != "" {
		level = logging.ParseLevel(logLevel)
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  config.Global.Logging.Dir,
		Service: "tradepilot",
	})
}

// buildComposeExecutor constructs the stack's compose executor.
func buildComposeExecutor() (compose.ComposeExecutor, error) {
	return compose.NewDefaultComposeExecutor(compose.ComposeConfig{
		StackDir:    config.Global.Stack.Dir,
		ProjectName: config.Global.Stack.ProjectName,
		EnvFile:     config.Global.Stack.EnvFile,
	}, process.NewManager())
}

// envFilePath is the absolute path to the stack's env file.
func envFilePath() string {
	return filepath.Join(config.Global.Stack.Dir, config.Global.Stack.EnvFile)
}

// buildBackupManager constructs the backup manager from the loaded config.
func buildBackupManager(composeExec compose.ComposeExecutor) *DefaultStackBackupManager {
	return NewStackBackupManager(StackBackupConfig{
		Root:            config.Global.Backup.Root,
		MaxBackups:      config.Global.Backup.MaxBackups,
		DatabaseService: config.Global.Database.Service,
		DatabaseName:    config.Global.Database.Name,
		DatabaseUser:    config.Global.Database.User,
		EnvFile:         envFilePath(),
		LogDir:          config.Global.Stack.LogDir,
	}, composeExec)
}

// buildDeployPipeline wires every deploy collaborator from the loaded
// configuration.
func buildDeployPipeline(log *logging.Logger) (*DeployPipeline, error) {
	composeExec, err := buildComposeExecutor()
	if err != nil {
		return nil, fmt.Errorf("compose setup: %w", err)
	}

	lock := process.NewDeployLock(process.DeployLockConfig{})
	backup := buildBackupManager(composeExec)
	resolver := NewDefaultEnvResolver(envFilePath())
	prober := NewDefaultHealthProber(composeExec, config.Global.Verify.Timeout)
	migrator := NewMigrationApplier(
		config.Global.Database.Service,
		config.Global.Database.Name,
		config.Global.Database.User,
		filepath.Join(config.Global.Stack.Dir, "migrations"),
		composeExec,
	)

	return NewDeployPipeline(
		config.Global,
		lock,
		backup,
		resolver,
		composeExec,
		prober,
		migrator,
		log,
	), nil
}
