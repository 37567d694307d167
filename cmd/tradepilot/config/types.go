// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type TradePilotConfig struct {
	// Stack: where the compose project lives and how it is named
	Stack StackConfig `yaml:"stack"`

	// Database: the postgres service the trader depends on
	Database DatabaseConfig `yaml:"database"`

	// Backup: pre-deploy backup location and retention
	Backup BackupConfig `yaml:"backup"`

	// Verify: post-deploy health verification endpoints and budgets
	Verify VerifyConfig `yaml:"verify"`

	// Logging: structured log level and optional file directory
	Logging LoggingConfig `yaml:"logging"`
}

type StackConfig struct {
	Dir         string `yaml:"dir"`          // e.g. ~/.tradepilot/stack
	ProjectName string `yaml:"project_name"` // e.g. tradestack
	EnvFile     string `yaml:"env_file"`     // relative to Dir, e.g. .env
	AppService  string `yaml:"app_service"`  // compose service for the trader
	LogDir      string `yaml:"log_dir"`      // application log dir to back up
}

type DatabaseConfig struct {
	Service      string        `yaml:"service"`       // compose service name
	Name         string        `yaml:"name"`          // database name
	User         string        `yaml:"user"`          // database user
	WaitAttempts int           `yaml:"wait_attempts"` // readiness poll attempts
	WaitInterval time.Duration `yaml:"wait_interval"` // readiness poll interval
}

type BackupConfig struct {
	Root       string `yaml:"root"`        // e.g. ~/.tradepilot/backups
	MaxBackups int    `yaml:"max_backups"` // rotation count
}

type VerifyConfig struct {
	AppURL        string        `yaml:"app_url"`        // trader health endpoint
	PrometheusURL string        `yaml:"prometheus_url"` // collector health endpoint
	GrafanaURL    string        `yaml:"grafana_url"`    // dashboard health endpoint
	MaxAttempts   int           `yaml:"max_attempts"`
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"` // per-probe HTTP timeout
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`   // "" disables file logging
}

// Validate checks for configuration values that would break a deploy.
func (c *TradePilotConfig) Validate() error {
	if c.Stack.Dir == "" {
		return fmt.Errorf("stack.dir must be set")
	}
	if c.Database.Service == "" {
		return fmt.Errorf("database.service must be set")
	}
	if c.Database.WaitAttempts <= 0 {
		return fmt.Errorf("database.wait_attempts must be positive, got %d", c.Database.WaitAttempts)
	}
	if c.Verify.MaxAttempts <= 0 {
		return fmt.Errorf("verify.max_attempts must be positive, got %d", c.Verify.MaxAttempts)
	}
	return nil
}

func DefaultConfig() TradePilotConfig {
	stackDir := filepath.Join(".tradepilot", "stack")
	backupRoot := filepath.Join(".tradepilot", "backups")
	if home, err := os.UserHomeDir(); err == nil {
		stackDir = filepath.Join(home, ".tradepilot", "stack")
		backupRoot = filepath.Join(home, ".tradepilot", "backups")
	}

	return TradePilotConfig{
		Stack: StackConfig{
			Dir:         stackDir,
			ProjectName: "tradestack",
			EnvFile:     ".env",
			AppService:  "trader",
			LogDir:      "/var/log/condition_task_list_trader",
		},
		Database: DatabaseConfig{
			Service:      "postgres",
			Name:         "condition_task_list_trader",
			User:         "postgres",
			WaitAttempts: 30,
			WaitInterval: 2 * time.Second,
		},
		Backup: BackupConfig{
			Root:       backupRoot,
			MaxBackups: 10,
		},
		Verify: VerifyConfig{
			AppURL:        "http://localhost:8001/health",
			PrometheusURL: "http://localhost:8000/-/healthy",
			GrafanaURL:    "http://localhost:3000/api/health",
			MaxAttempts:   10,
			Interval:      3 * time.Second,
			Timeout:       5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.tradepilot/logs",
		},
	}
}
