// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Manager defines the interface for running external processes.
//
// # Description
//
// Manager abstracts subprocess execution so callers (compose executor,
// migration applier, backup manager) can be tested without spawning real
// processes. All methods honor context cancellation: when ctx is done the
// child process is killed and the context error is returned.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Manager interface {
	// RunInDir executes a command in the given working directory with the
	// given extra environment (appended to os.Environ). Returns captured
	// stdout, stderr, the process exit code, and an error for spawn or
	// non-zero-exit failures. An empty dir means the current directory;
	// a nil env means no additions.
	RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (stdout string, stderr string, exitCode int, err error)

	// RunStreaming executes a command and streams combined output to w as
	// it is produced. Used for log following and long-running builds where
	// buffering the output would hide progress.
	RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error

	// RunWithInput executes a command with stdin supplied from r and
	// captures stdout/stderr. Used to pipe payloads (SQL, secrets) into a
	// child without touching the filesystem.
	RunWithInput(ctx context.Context, dir string, r io.Reader, name string, args ...string) (stdout string, stderr string, exitCode int, err error)
}

// DefaultManager implements Manager using os/exec.
//
// # Description
//
// Thin wrapper over exec.CommandContext. Non-zero exits are reported both
// through the exit code and through a descriptive error that includes
// trailing stderr, so callers that only check err still get context.
//
// # Limitations
//
//   - No PTY allocation; interactive children will not behave as in a shell
//   - Output is unbounded for RunInDir; callers should not capture
//     multi-gigabyte streams (use RunStreaming instead)
type DefaultManager struct{}

// NewManager creates a new process manager.
func NewManager() *DefaultManager {
	return &DefaultManager{}
}

// RunInDir executes a command and captures its output.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout
//   - dir: Working directory ("" for current)
//   - env: Extra KEY=VALUE entries appended to the inherited environment
//   - name: Command to run
//   - args: Command arguments
//
// # Outputs
//
//   - stdout, stderr: Captured output
//   - exitCode: Process exit code (-1 if the process never ran)
//   - error: Non-nil on spawn failure, cancellation, or non-zero exit
func (m *DefaultManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return m.finish(ctx, cmd, stdout.String(), stderr.String(), err)
}

// RunStreaming executes a command, writing combined output to w live.
func (m *DefaultManager) RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// RunWithInput executes a command with stdin from r, capturing output.
func (m *DefaultManager) RunWithInput(ctx context.Context, dir string, r io.Reader, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = r

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return m.finish(ctx, cmd, stdout.String(), stderr.String(), err)
}

// finish normalizes exit codes and wraps failures with trailing stderr.
func (m *DefaultManager) finish(ctx context.Context, cmd *exec.Cmd, stdout, stderr string, runErr error) (string, string, int, error) {
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if runErr == nil {
		return stdout, stderr, exitCode, nil
	}

	if ctx.Err() != nil {
		return stdout, stderr, exitCode, ctx.Err()
	}

	if _, ok := runErr.(*exec.ExitError); ok {
		return stdout, stderr, exitCode, fmt.Errorf("%s exited with code %d: %s",
			cmd.Path, exitCode, tail(stderr, 512))
	}

	// Spawn failure: binary missing, permission denied, etc.
	return stdout, stderr, -1, fmt.Errorf("failed to run %s: %w", cmd.Path, runErr)
}

// tail returns the last n bytes of s, trimmed at a line boundary when possible.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if idx := bytes.IndexByte([]byte(s), '\n'); idx >= 0 && idx+1 < len(s) {
		s = s[idx+1:]
	}
	return s
}

// Compile-time interface satisfaction check
var _ Manager = (*DefaultManager)(nil)

// === MOCK IMPLEMENTATION ===

// ManagerCall records a single invocation on MockManager.
type ManagerCall struct {
	Method string
	Dir    string
	Env    []string
	Name   string
	Args   []string
}

// MockManager implements Manager for testing.
//
// # Description
//
// Function-field mock with call recording. Unset function fields return
// success with empty output, so tests only stub what they assert on.
//
// # Thread Safety
//
// MockManager is safe for concurrent use.
type MockManager struct {
	mu    sync.Mutex
	Calls []ManagerCall

	RunInDirFunc     func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error)
	RunStreamingFunc func(ctx context.Context, dir string, w io.Writer, name string, args ...string) error
	RunWithInputFunc func(ctx context.Context, dir string, r io.Reader, name string, args ...string) (string, string, int, error)
}

// RunInDir records the call and delegates to RunInDirFunc if set.
func (m *MockManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	m.record("RunInDir", dir, env, name, args)
	if m.RunInDirFunc != nil {
		return m.RunInDirFunc(ctx, dir, env, name, args...)
	}
	return "", "", 0, nil
}

// RunStreaming records the call and delegates to RunStreamingFunc if set.
func (m *MockManager) RunStreaming(ctx context.Context, dir string, w io.Writer, name string, args ...string) error {
	m.record("RunStreaming", dir, nil, name, args)
	if m.RunStreamingFunc != nil {
		return m.RunStreamingFunc(ctx, dir, w, name, args...)
	}
	return nil
}

// RunWithInput records the call and delegates to RunWithInputFunc if set.
func (m *MockManager) RunWithInput(ctx context.Context, dir string, r io.Reader, name string, args ...string) (string, string, int, error) {
	m.record("RunWithInput", dir, nil, name, args)
	if m.RunWithInputFunc != nil {
		return m.RunWithInputFunc(ctx, dir, r, name, args...)
	}
	return "", "", 0, nil
}

// CallCount returns the number of recorded calls for a method ("" for all).
func (m *MockManager) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if method == "" {
		return len(m.Calls)
	}
	count := 0
	for _, c := range m.Calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

func (m *MockManager) record(method, dir string, env []string, name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ManagerCall{
		Method: method,
		Dir:    dir,
		Env:    append([]string(nil), env...),
		Name:   name,
		Args:   append([]string(nil), args...),
	})
}

// Compile-time interface satisfaction check
var _ Manager = (*MockManager)(nil)
