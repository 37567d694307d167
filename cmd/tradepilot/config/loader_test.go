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
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Load caches through sync.Once, so the first-run path is exercised via
// loadInternal directly against a scratch HOME.
func TestLoadInternal_FirstRunCreatesDefaultConfig(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("HOME override is POSIX-specific")
	}
	t.Setenv("HOME", t.TempDir())

	require.NoError(t, loadInternal())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	configPath := filepath.Join(home, ".tradepilot", "tradepilot.yaml")
	_, err = os.Stat(configPath)
	require.NoError(t, err, "expected config file at %s", configPath)

	assert.Equal(t, "postgres", Global.Database.Service)
	assert.Equal(t, "tradestack", Global.Stack.ProjectName)
}

func TestLoadInternal_RejectsInvalidFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("HOME override is POSIX-specific")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".tradepilot")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	bad := "stack:\n  dir: \"\"\ndatabase:\n  service: \"\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "tradepilot.yaml"), []byte(bad), 0644))

	assert.Error(t, loadInternal(), "expected validation error for empty stack.dir")
}
