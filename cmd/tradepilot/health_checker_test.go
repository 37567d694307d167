package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// mockHealthHTTPClient implements HealthHTTPClient for probe tests.
type mockHealthHTTPClient struct {
	DoFunc func(*http.Request) (*http.Response, error)
	calls  int32
}

func (m *mockHealthHTTPClient) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

// createTestProber creates a prober with instant sleeps and a counter
// for how many sleeps happened.
func createTestProber(httpClient HealthHTTPClient, composeExec *stubComposeExecutor) (*DefaultHealthProber, *int32) {
	if httpClient == nil {
		httpClient = &mockHealthHTTPClient{}
	}
	if composeExec == nil {
		composeExec = &stubComposeExecutor{}
	}

	prober := NewDefaultHealthProberWithHTTPClient(composeExec, 1*time.Second, httpClient)
	var sleeps int32
	prober.sleepFn = func(ctx context.Context, d time.Duration) {
		atomic.AddInt32(&sleeps, 1)
	}
	return prober, &sleeps
}

func httpProbe(name string, maxAttempts int, critical bool) ServiceProbe {
	return ServiceProbe{
		ID:          GenerateID(),
		Name:        name,
		Kind:        ProbeKindHTTP,
		URL:         "http://localhost:8001/health",
		MaxAttempts: maxAttempts,
		Interval:    2 * time.Second,
		Critical:    critical,
		Version:     ProbeVersion,
	}
}

// =============================================================================
// UNIT TESTS: WaitReady
// =============================================================================

// TestWaitReady_ReadyFirstAttempt verifies no sleeping when the service
// is ready immediately.
func TestWaitReady_ReadyFirstAttempt(t *testing.T) {
	prober, sleeps := createTestProber(nil, nil)

	result, err := prober.WaitReady(context.Background(), httpProbe("trader", 30, true))

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.State != ProbeStateReady {
		t.Errorf("expected state %s, got %s", ProbeStateReady, result.State)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if got := atomic.LoadInt32(sleeps); got != 0 {
		t.Errorf("expected 0 sleeps for immediate readiness, got %d", got)
	}
}

// TestWaitReady_ExhaustsExactlyMaxAttempts verifies the attempt budget
// is consumed exactly: MaxAttempts attempts, MaxAttempts-1 sleeps.
func TestWaitReady_ExhaustsExactlyMaxAttempts(t *testing.T) {
	httpClient := &mockHealthHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	prober, sleeps := createTestProber(httpClient, nil)

	result, err := prober.WaitReady(context.Background(), httpProbe("postgres", 30, true))

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrProbeTimedOut) {
		t.Errorf("expected ErrProbeTimedOut, got: %v", err)
	}
	if result.State != ProbeStateTimedOut {
		t.Errorf("expected state %s, got %s", ProbeStateTimedOut, result.State)
	}
	if result.Attempts != 30 {
		t.Errorf("expected exactly 30 attempts, got %d", result.Attempts)
	}
	if got := atomic.LoadInt32(sleeps); got != 29 {
		t.Errorf("expected 29 sleeps (none after final attempt), got %d", got)
	}
	if got := atomic.LoadInt32(&httpClient.calls); got != 30 {
		t.Errorf("expected 30 HTTP attempts, got %d", got)
	}
}

// TestWaitReady_ReadyMidway verifies polling stops at the first success.
func TestWaitReady_ReadyMidway(t *testing.T) {
	var attempts int32
	httpClient := &mockHealthHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, errors.New("connection refused")
			}
			return &http.Response{
				StatusCode: 200,
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		},
	}
	prober, sleeps := createTestProber(httpClient, nil)

	result, err := prober.WaitReady(context.Background(), httpProbe("trader", 10, true))

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if got := atomic.LoadInt32(sleeps); got != 2 {
		t.Errorf("expected 2 sleeps, got %d", got)
	}
}

// TestWaitReady_CancelledContext verifies cancellation stops the wait.
func TestWaitReady_CancelledContext(t *testing.T) {
	prober, _ := createTestProber(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := prober.WaitReady(ctx, httpProbe("trader", 30, true))

	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if result.State != ProbeStateCancelled {
		t.Errorf("expected state %s, got %s", ProbeStateCancelled, result.State)
	}
}

// TestWaitReady_WrongHTTPStatus verifies a non-expected status is not
// ready and the message names both codes.
func TestWaitReady_WrongHTTPStatus(t *testing.T) {
	httpClient := &mockHealthHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: 503,
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		},
	}
	prober, _ := createTestProber(httpClient, nil)

	result, err := prober.WaitReady(context.Background(), httpProbe("grafana", 2, false))

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result.HTTPStatus != 503 {
		t.Errorf("expected HTTP status 503, got %d", result.HTTPStatus)
	}
	if !strings.Contains(result.Message, "503") {
		t.Errorf("expected message to contain '503', got: %s", result.Message)
	}
}

// TestWaitReady_AnyTwoHundredClassIsReady verifies that a probe without
// an exact expected status accepts the whole 2xx class (a 204 health
// endpoint is healthy).
func TestWaitReady_AnyTwoHundredClassIsReady(t *testing.T) {
	httpClient := &mockHealthHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: 204,
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		},
	}
	prober, _ := createTestProber(httpClient, nil)

	result, err := prober.WaitReady(context.Background(), httpProbe("trader", 3, true))

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.State != ProbeStateReady {
		t.Errorf("expected state %s, got %s", ProbeStateReady, result.State)
	}
	if result.HTTPStatus != 204 {
		t.Errorf("expected HTTP status 204, got %d", result.HTTPStatus)
	}
}

// TestWaitReady_CommandProbe verifies the in-container command probe
// used for postgres readiness.
func TestWaitReady_CommandProbe(t *testing.T) {
	composeExec := &stubComposeExecutor{}
	prober, _ := createTestProber(nil, composeExec)

	probe := ServiceProbe{
		ID:          GenerateID(),
		Name:        "postgres",
		Kind:        ProbeKindCommand,
		Service:     "postgres",
		Command:     []string{"pg_isready", "-U", "postgres", "-d", "condition_task_list_trader"},
		MaxAttempts: 5,
		Interval:    2 * time.Second,
		Critical:    true,
		Version:     ProbeVersion,
	}

	result, err := prober.WaitReady(context.Background(), probe)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.State != ProbeStateReady {
		t.Errorf("expected state %s, got %s", ProbeStateReady, result.State)
	}
	if len(composeExec.ExecCalls) != 1 {
		t.Fatalf("expected 1 exec call, got %d", len(composeExec.ExecCalls))
	}
	call := composeExec.ExecCalls[0]
	if call.Service != "postgres" {
		t.Errorf("expected exec in postgres, got %s", call.Service)
	}
	if call.Command[0] != "pg_isready" {
		t.Errorf("expected pg_isready, got %v", call.Command)
	}
}

// TestWaitReady_CommandProbeNonZeroExit verifies a failing command
// counts as not ready.
func TestWaitReady_CommandProbeNonZeroExit(t *testing.T) {
	composeExec := &stubComposeExecutor{
		ExecFunc: func(ctx context.Context, opts compose.ExecOptions) (*compose.ExecResult, error) {
			return &compose.ExecResult{ExitCode: 2, Stderr: "no response"}, nil
		},
	}
	prober, _ := createTestProber(nil, composeExec)

	probe := ServiceProbe{
		Name:        "postgres",
		Kind:        ProbeKindCommand,
		Service:     "postgres",
		Command:     []string{"pg_isready"},
		MaxAttempts: 2,
		Critical:    true,
	}

	result, err := prober.WaitReady(context.Background(), probe)

	if !errors.Is(err, ErrProbeTimedOut) {
		t.Fatalf("expected ErrProbeTimedOut, got: %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
	if !strings.Contains(result.Message, "exit code 2") {
		t.Errorf("expected exit code in message, got: %s", result.Message)
	}
}

// =============================================================================
// UNIT TESTS: VerifyStack
// =============================================================================

// TestVerifyStack_AllReady verifies the happy path.
func TestVerifyStack_AllReady(t *testing.T) {
	prober, _ := createTestProber(nil, nil)

	probes := []ServiceProbe{
		httpProbe("trader", 3, true),
		httpProbe("prometheus", 3, false),
		httpProbe("grafana", 3, false),
	}

	report, err := prober.VerifyStack(context.Background(), probes)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !report.Success {
		t.Error("expected report success")
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(report.Results))
	}
	for i, r := range report.Results {
		if r.Name != probes[i].Name {
			t.Errorf("result %d: expected name %s, got %s", i, probes[i].Name, r.Name)
		}
	}
}

// TestVerifyStack_CriticalFailure verifies a failed critical probe
// fails the verification.
func TestVerifyStack_CriticalFailure(t *testing.T) {
	httpClient := &mockHealthHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	prober, _ := createTestProber(httpClient, nil)

	probes := []ServiceProbe{httpProbe("trader", 2, true)}

	report, err := prober.VerifyStack(context.Background(), probes)

	if err == nil {
		t.Fatal("expected error for failed critical probe")
	}
	if !errors.Is(err, ErrCriticalServiceDown) {
		t.Errorf("expected ErrCriticalServiceDown, got: %v", err)
	}
	if report.Success {
		t.Error("expected report failure")
	}
	if len(report.FailedCritical) != 1 || report.FailedCritical[0] != "trader" {
		t.Errorf("expected trader in FailedCritical, got %v", report.FailedCritical)
	}
}

// TestVerifyStack_MonitoringDownIsWarning verifies that failed optional
// probes degrade the report but do not fail it.
func TestVerifyStack_MonitoringDownIsWarning(t *testing.T) {
	httpClient := &mockHealthHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if strings.Contains(req.URL.String(), "8001") {
				return &http.Response{
					StatusCode: 200,
					Body:       io.NopCloser(strings.NewReader("")),
				}, nil
			}
			return nil, errors.New("connection refused")
		},
	}
	prober, _ := createTestProber(httpClient, nil)

	trader := httpProbe("trader", 2, true)
	prometheus := httpProbe("prometheus", 2, false)
	prometheus.URL = "http://localhost:8000/-/healthy"
	grafana := httpProbe("grafana", 2, false)
	grafana.URL = "http://localhost:3000/api/health"

	report, err := prober.VerifyStack(context.Background(),
		[]ServiceProbe{trader, prometheus, grafana})

	if err != nil {
		t.Fatalf("expected no error when only monitoring fails, got: %v", err)
	}
	if !report.Success {
		t.Error("expected report success with warnings")
	}
	if len(report.Warnings) != 2 {
		t.Errorf("expected 2 warnings, got %v", report.Warnings)
	}
	if len(report.FailedCritical) != 0 {
		t.Errorf("expected no critical failures, got %v", report.FailedCritical)
	}
}

// =============================================================================
// UNIT TESTS: SSRF protection
// =============================================================================

func TestIsURLSafe(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"localhost allowed", "http://localhost:8001/health", false},
		{"loopback allowed", "http://127.0.0.1:8000/-/healthy", false},
		{"private network allowed", "http://192.168.1.10:3000/api/health", false},
		{"hostname allowed", "http://grafana:3000/api/health", false},
		{"metadata endpoint blocked", "http://169.254.169.254/latest/meta-data/", true},
		{"link local blocked", "http://169.254.1.1/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := isURLSafe(tt.url)
			if tt.wantErr && err == nil {
				t.Errorf("expected %s to be blocked", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected %s to be allowed, got: %v", tt.url, err)
			}
		})
	}
}

// =============================================================================
// UNIT TESTS: Probe builders
// =============================================================================

func TestStackProbes_CriticalityMatchesService(t *testing.T) {
	cfg := testVerifyConfig()
	probes := StackProbes(cfg)

	if len(probes) != 3 {
		t.Fatalf("expected 3 probes, got %d", len(probes))
	}

	byName := map[string]ServiceProbe{}
	for _, p := range probes {
		byName[p.Name] = p
	}

	if !byName["trader"].Critical {
		t.Error("expected trader probe to be critical")
	}
	if byName["prometheus"].Critical {
		t.Error("expected prometheus probe to be non-critical")
	}
	if byName["grafana"].Critical {
		t.Error("expected grafana probe to be non-critical")
	}
}

func TestDatabaseProbe_UsesConfiguredBudget(t *testing.T) {
	cfg := testDatabaseConfig()
	probe := DatabaseProbe(cfg)

	if probe.MaxAttempts != cfg.WaitAttempts {
		t.Errorf("expected %d attempts, got %d", cfg.WaitAttempts, probe.MaxAttempts)
	}
	if probe.Interval != cfg.WaitInterval {
		t.Errorf("expected interval %s, got %s", cfg.WaitInterval, probe.Interval)
	}
	if !probe.Critical {
		t.Error("expected database probe to be critical")
	}
	if probe.Kind != ProbeKindCommand {
		t.Errorf("expected command probe, got %s", probe.Kind)
	}
	want := fmt.Sprintf("pg_isready -U %s -d %s", cfg.User, cfg.Name)
	if got := strings.Join(probe.Command, " "); got != want {
		t.Errorf("expected command %q, got %q", want, got)
	}
}
