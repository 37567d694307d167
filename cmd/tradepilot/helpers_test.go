package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/config"
	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
	"github.com/AleutianAI/TradePilot/pkg/logging"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// testLogger returns a logger that writes nowhere.
func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

// stubComposeExecutor implements compose.ComposeExecutor with function
// fields. Unset fields return success with empty results so tests only
// stub what they assert on.
type stubComposeExecutor struct {
	VersionFunc       func(ctx context.Context) (string, error)
	UpFunc            func(ctx context.Context, opts compose.UpOptions) (*compose.ComposeResult, error)
	DownFunc          func(ctx context.Context, opts compose.DownOptions) (*compose.ComposeResult, error)
	StopFunc          func(ctx context.Context, opts compose.StopOptions) (*compose.StopResult, error)
	RestartFunc       func(ctx context.Context, opts compose.RestartOptions) (*compose.ComposeResult, error)
	ScaleFunc         func(ctx context.Context, service string, replicas int) (*compose.ComposeResult, error)
	LogsFunc          func(ctx context.Context, opts compose.LogsOptions, w io.Writer) error
	TailLinesFunc     func(ctx context.Context, service string, n int) (string, error)
	StatusFunc        func(ctx context.Context) (*compose.ComposeStatus, error)
	ForceCleanupFunc  func(ctx context.Context) (*compose.CleanupResult, error)
	ExecFunc          func(ctx context.Context, opts compose.ExecOptions) (*compose.ExecResult, error)
	ExecStreamingFunc func(ctx context.Context, opts compose.ExecOptions, w io.Writer) error
	ComposeFiles      []string

	mu        sync.Mutex
	UpCalls   []compose.UpOptions
	StopCalls []compose.StopOptions
	ExecCalls []compose.ExecOptions
	TailCalls []string
}

func (s *stubComposeExecutor) Version(ctx context.Context) (string, error) {
	if s.VersionFunc != nil {
		return s.VersionFunc(ctx)
	}
	return "podman-compose version 1.0.6", nil
}

func (s *stubComposeExecutor) Up(ctx context.Context, opts compose.UpOptions) (*compose.ComposeResult, error) {
	s.mu.Lock()
	s.UpCalls = append(s.UpCalls, opts)
	s.mu.Unlock()
	if s.UpFunc != nil {
		return s.UpFunc(ctx, opts)
	}
	return &compose.ComposeResult{Success: true}, nil
}

func (s *stubComposeExecutor) Down(ctx context.Context, opts compose.DownOptions) (*compose.ComposeResult, error) {
	if s.DownFunc != nil {
		return s.DownFunc(ctx, opts)
	}
	return &compose.ComposeResult{Success: true}, nil
}

func (s *stubComposeExecutor) Stop(ctx context.Context, opts compose.StopOptions) (*compose.StopResult, error) {
	s.mu.Lock()
	s.StopCalls = append(s.StopCalls, opts)
	s.mu.Unlock()
	if s.StopFunc != nil {
		return s.StopFunc(ctx, opts)
	}
	return &compose.StopResult{}, nil
}

func (s *stubComposeExecutor) Restart(ctx context.Context, opts compose.RestartOptions) (*compose.ComposeResult, error) {
	if s.RestartFunc != nil {
		return s.RestartFunc(ctx, opts)
	}
	return &compose.ComposeResult{Success: true}, nil
}

func (s *stubComposeExecutor) Scale(ctx context.Context, service string, replicas int) (*compose.ComposeResult, error) {
	if s.ScaleFunc != nil {
		return s.ScaleFunc(ctx, service, replicas)
	}
	return &compose.ComposeResult{Success: true}, nil
}

func (s *stubComposeExecutor) Logs(ctx context.Context, opts compose.LogsOptions, w io.Writer) error {
	if s.LogsFunc != nil {
		return s.LogsFunc(ctx, opts, w)
	}
	return nil
}

func (s *stubComposeExecutor) TailLines(ctx context.Context, service string, n int) (string, error) {
	s.mu.Lock()
	s.TailCalls = append(s.TailCalls, service)
	s.mu.Unlock()
	if s.TailLinesFunc != nil {
		return s.TailLinesFunc(ctx, service, n)
	}
	return "", nil
}

func (s *stubComposeExecutor) Status(ctx context.Context) (*compose.ComposeStatus, error) {
	if s.StatusFunc != nil {
		return s.StatusFunc(ctx)
	}
	return &compose.ComposeStatus{}, nil
}

func (s *stubComposeExecutor) ForceCleanup(ctx context.Context) (*compose.CleanupResult, error) {
	if s.ForceCleanupFunc != nil {
		return s.ForceCleanupFunc(ctx)
	}
	return &compose.CleanupResult{}, nil
}

func (s *stubComposeExecutor) Exec(ctx context.Context, opts compose.ExecOptions) (*compose.ExecResult, error) {
	s.mu.Lock()
	s.ExecCalls = append(s.ExecCalls, opts)
	s.mu.Unlock()
	if s.ExecFunc != nil {
		return s.ExecFunc(ctx, opts)
	}
	return &compose.ExecResult{ExitCode: 0}, nil
}

func (s *stubComposeExecutor) ExecStreaming(ctx context.Context, opts compose.ExecOptions, w io.Writer) error {
	if s.ExecStreamingFunc != nil {
		return s.ExecStreamingFunc(ctx, opts, w)
	}
	return nil
}

func (s *stubComposeExecutor) GetComposeFiles() []string {
	return s.ComposeFiles
}

var _ compose.ComposeExecutor = (*stubComposeExecutor)(nil)

// runningPostgresStatus is a stack status with a running postgres.
func runningPostgresStatus() *compose.ComposeStatus {
	return &compose.ComposeStatus{
		Services: []compose.ServiceStatus{
			{Name: "postgres", ContainerName: "tradestack-postgres-1", State: "running"},
		},
		Running: 1,
	}
}

// testDatabaseConfig returns the database settings used in probe tests.
func testDatabaseConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Service:      "postgres",
		Name:         "condition_task_list_trader",
		User:         "postgres",
		WaitAttempts: 30,
		WaitInterval: 2 * time.Second,
	}
}

// testVerifyConfig returns the verify settings used in probe tests.
func testVerifyConfig() config.VerifyConfig {
	return config.VerifyConfig{
		AppURL:        "http://localhost:8001/health",
		PrometheusURL: "http://localhost:8000/-/healthy",
		GrafanaURL:    "http://localhost:3000/api/health",
		MaxAttempts:   10,
		Interval:      3 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// writeTestFile writes content to path, creating parent directories.
func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
