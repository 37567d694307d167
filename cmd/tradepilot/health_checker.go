package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
)

// =============================================================================
// INTERFACES
// =============================================================================

// HealthProber polls services until they are ready.
//
// # Description
//
// This interface provides bounded readiness polling for deploy
// sequencing. It supports HTTP, TCP, and in-container command probes.
// Every wait is strictly bounded: a probe either becomes ready or
// fails after exactly MaxAttempts attempts.
//
// # Examples
//
//	prober := NewDefaultHealthProber(composeExec, 5*time.Second)
//
//	// Wait for postgres before applying migrations
//	result, err := prober.WaitReady(ctx, DatabaseProbe(config.Global.Database))
//	if result.State != ProbeStateReady {
//	    return fmt.Errorf("database never became ready")
//	}
//
//	// Verify the full stack after startup
//	report, err := prober.VerifyStack(ctx, StackProbes(config.Global.Verify))
//	for _, name := range report.Warnings {
//	    log.Printf("monitoring degraded: %s", name)
//	}
//
// # Limitations
//
//   - Binary readiness only; no degraded state
//   - Fixed interval between attempts; no backoff
//
// # Assumptions
//
//   - The compose stack has been started before probing
//   - Network connectivity to probed endpoints is available
type HealthProber interface {
	// WaitReady polls a single probe until ready or attempts exhausted.
	//
	// # Description
	//
	// Attempts the probe up to probe.MaxAttempts times with
	// probe.Interval between attempts. Returns as soon as one attempt
	// succeeds; a probe that is ready on the first attempt sleeps zero
	// times. Context cancellation stops the wait immediately.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation. Cancellation interrupts both
	//     attempts and the sleeps between them.
	//   - probe: The probe definition to poll.
	//
	// # Outputs
	//
	//   - *ProbeResult: Always non-nil, with the terminal state and the
	//     number of attempts consumed.
	//   - error: Non-nil if the probe timed out or the context was
	//     cancelled. Wraps ErrProbeTimedOut on exhaustion.
	//
	// # Limitations
	//
	//   - No exponential backoff; interval is fixed
	//
	// # Assumptions
	//
	//   - probe.MaxAttempts >= 1
	WaitReady(ctx context.Context, probe ServiceProbe) (*ProbeResult, error)

	// VerifyStack probes multiple services concurrently.
	//
	// # Description
	//
	// Runs WaitReady for every probe in parallel and aggregates the
	// outcomes. Critical failures produce an error; optional failures
	// are collected as warnings and do not fail the verification.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation.
	//   - probes: Probes to run. Order is preserved in the report.
	//
	// # Outputs
	//
	//   - *VerifyReport: Always non-nil with per-service results.
	//   - error: Non-nil if any critical probe failed.
	//
	// # Limitations
	//
	//   - All probes run in parallel; no dependency ordering
	//
	// # Assumptions
	//
	//   - Reasonable number of probes (< 50)
	VerifyStack(ctx context.Context, probes []ServiceProbe) (*VerifyReport, error)
}

// HealthHTTPClient abstracts HTTP operations for readiness probing.
//
// # Description
//
// Uses the standard http.Client.Do pattern so tests can substitute a
// mock that returns canned responses.
//
// # Examples
//
//	type MockHealthHTTPClient struct {
//	    DoFunc func(*http.Request) (*http.Response, error)
//	}
//
//	func (m *MockHealthHTTPClient) Do(req *http.Request) (*http.Response, error) {
//	    return m.DoFunc(req)
//	}
//
// # Assumptions
//
//   - Caller handles response body closing
type HealthHTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// ERROR VARIABLES
// =============================================================================

// ErrProbeTimedOut is returned when a probe exhausts its attempt budget.
var ErrProbeTimedOut = fmt.Errorf("probe timed out")

// ErrCriticalServiceDown is returned when a critical probe fails during VerifyStack.
var ErrCriticalServiceDown = fmt.Errorf("critical service down")

// ErrSSRFBlocked is returned when a URL targets a blocked IP range.
var ErrSSRFBlocked = fmt.Errorf("URL blocked: potential SSRF attack")

// =============================================================================
// SSRF PROTECTION
// =============================================================================

// isURLSafe validates that a URL doesn't target dangerous IP ranges.
//
// # Description
//
// Protects against Server-Side Request Forgery (SSRF) by blocking
// requests to cloud metadata endpoints and link-local ranges, while
// allowing localhost and private networks for legitimate probes.
//
// # Security
//
// Blocks:
//   - Cloud metadata: 169.254.169.254
//   - Link-local: 169.254.0.0/16
//
// Allows:
//   - localhost, 127.0.0.1, ::1
//   - Private networks: 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16
func isURLSafe(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}

	// Always allow localhost
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname (not IP) - allow DNS resolution
		return nil
	}

	metadataIP := net.ParseIP("169.254.169.254")
	if ip.Equal(metadataIP) {
		return fmt.Errorf("%w: cloud metadata endpoint blocked", ErrSSRFBlocked)
	}

	linkLocal := net.IPNet{
		IP:   net.ParseIP("169.254.0.0"),
		Mask: net.CIDRMask(16, 32),
	}
	if linkLocal.Contains(ip) {
		return fmt.Errorf("%w: link-local address blocked", ErrSSRFBlocked)
	}

	return nil
}

// =============================================================================
// STRUCTS AND CONSTRUCTORS
// =============================================================================

// DefaultHealthProber implements HealthProber.
//
// # Description
//
// Production implementation supporting HTTP, TCP, and in-container
// command probes. Command probes exec inside the service's container
// via the compose executor; HTTP probes use an injectable client.
// The sleep and clock functions are injectable so tests can verify
// timing behavior without real waits.
//
// # Thread Safety
//
// Safe for concurrent use.
type DefaultHealthProber struct {
	compose        compose.ComposeExecutor
	httpClient     HealthHTTPClient
	defaultTimeout time.Duration
	sleepFn        func(ctx context.Context, d time.Duration)
	nowFn          func() time.Time
	mu             sync.RWMutex
}

// MockHealthProber is a mock implementation for testing.
//
// # Description
//
// Provides a configurable mock for unit testing code that depends on
// HealthProber. All methods can be configured via function fields;
// calls are recorded for assertion.
//
// # Examples
//
//	mock := &MockHealthProber{
//	    WaitReadyFunc: func(ctx context.Context, probe ServiceProbe) (*ProbeResult, error) {
//	        return &ProbeResult{State: ProbeStateTimedOut, Attempts: probe.MaxAttempts}, ErrProbeTimedOut
//	    },
//	}
type MockHealthProber struct {
	WaitReadyFunc   func(ctx context.Context, probe ServiceProbe) (*ProbeResult, error)
	VerifyStackFunc func(ctx context.Context, probes []ServiceProbe) (*VerifyReport, error)

	WaitReadyCalls   []ServiceProbe
	VerifyStackCalls [][]ServiceProbe
	mu               sync.Mutex
}

// NewDefaultHealthProber creates a production health prober.
//
// # Inputs
//
//   - composeExec: Executor for in-container command probes.
//   - defaultTimeout: Per-attempt timeout when the probe doesn't set one.
//
// # Outputs
//
//   - *DefaultHealthProber: Ready-to-use prober.
func NewDefaultHealthProber(composeExec compose.ComposeExecutor, defaultTimeout time.Duration) *DefaultHealthProber {
	return &DefaultHealthProber{
		compose:        composeExec,
		defaultTimeout: defaultTimeout,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		sleepFn: sleepWithContext,
		nowFn:   time.Now,
	}
}

// NewDefaultHealthProberWithHTTPClient creates a prober with a custom HTTP client.
//
// Used primarily for testing to mock HTTP responses.
func NewDefaultHealthProberWithHTTPClient(composeExec compose.ComposeExecutor, defaultTimeout time.Duration, httpClient HealthHTTPClient) *DefaultHealthProber {
	return &DefaultHealthProber{
		compose:        composeExec,
		defaultTimeout: defaultTimeout,
		httpClient:     httpClient,
		sleepFn:        sleepWithContext,
		nowFn:          time.Now,
	}
}

// =============================================================================
// DefaultHealthProber METHODS
// =============================================================================

// WaitReady polls a single probe until ready or attempts exhausted.
func (p *DefaultHealthProber) WaitReady(ctx context.Context, probe ServiceProbe) (*ProbeResult, error) {
	result := &ProbeResult{
		ID:        GenerateID(),
		Name:      probe.Name,
		ProbeID:   probe.ID,
		StartedAt: p.nowFn(),
	}

	maxAttempts := probe.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.State = ProbeStateCancelled
			result.CompletedAt = p.nowFn()
			return result, fmt.Errorf("probe %s cancelled: %w", probe.Name, err)
		}

		result.Attempts = attempt
		attemptStart := p.nowFn()
		ready := p.attemptOnce(ctx, probe, result)
		result.Latency = p.nowFn().Sub(attemptStart)

		if ready {
			result.State = ProbeStateReady
			result.CompletedAt = p.nowFn()
			return result, nil
		}

		// No sleep after the final attempt
		if attempt < maxAttempts {
			p.sleepFn(ctx, probe.Interval)
		}
	}

	result.State = ProbeStateTimedOut
	result.CompletedAt = p.nowFn()
	return result, fmt.Errorf("%w: %s not ready after %d attempts (last: %s)",
		ErrProbeTimedOut, probe.Name, maxAttempts, result.Message)
}

// VerifyStack probes multiple services concurrently.
func (p *DefaultHealthProber) VerifyStack(ctx context.Context, probes []ServiceProbe) (*VerifyReport, error) {
	startTime := p.nowFn()
	report := &VerifyReport{
		ID:        GenerateID(),
		StartedAt: startTime,
		Results:   make([]ProbeResult, len(probes)),
	}

	var g errgroup.Group
	for i, probe := range probes {
		idx, pr := i, probe
		g.Go(func() error {
			result, err := p.WaitReady(ctx, pr)
			report.Results[idx] = *result
			if err != nil && pr.Critical {
				return fmt.Errorf("%w: %s: %v", ErrCriticalServiceDown, pr.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	for i, probe := range probes {
		if report.Results[i].State == ProbeStateReady {
			continue
		}
		if probe.Critical {
			report.FailedCritical = append(report.FailedCritical, probe.Name)
		} else {
			report.Warnings = append(report.Warnings, probe.Name)
		}
	}

	report.Duration = p.nowFn().Sub(startTime)
	report.CompletedAt = p.nowFn()
	report.Success = len(report.FailedCritical) == 0

	if err != nil {
		return report, err
	}
	return report, nil
}

// =============================================================================
// DefaultHealthProber PRIVATE HELPER METHODS
// =============================================================================

// attemptOnce performs a single probe attempt and updates the result's
// message fields. Returns true if the service is ready.
func (p *DefaultHealthProber) attemptOnce(ctx context.Context, probe ServiceProbe, result *ProbeResult) bool {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch probe.Kind {
	case ProbeKindHTTP:
		return p.attemptHTTP(attemptCtx, probe, result)
	case ProbeKindTCP:
		return p.attemptTCP(attemptCtx, probe, result)
	case ProbeKindCommand:
		return p.attemptCommand(attemptCtx, probe, result)
	default:
		result.Message = fmt.Sprintf("unknown probe kind: %s", probe.Kind)
		return false
	}
}

// attemptHTTP probes via HTTP GET.
func (p *DefaultHealthProber) attemptHTTP(ctx context.Context, probe ServiceProbe, result *ProbeResult) bool {
	if probe.URL == "" {
		result.Message = "no URL configured for HTTP probe"
		return false
	}

	// SSRF protection: validate URL before making request
	if err := isURLSafe(probe.URL); err != nil {
		result.Message = fmt.Sprintf("blocked: %v", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.URL, nil)
	if err != nil {
		result.Message = fmt.Sprintf("failed to create request: %v", err)
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		result.Message = fmt.Sprintf("request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	result.HTTPStatus = resp.StatusCode

	if probe.ExpectedStatus != 0 {
		if resp.StatusCode == probe.ExpectedStatus {
			result.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
			return true
		}
		result.Message = fmt.Sprintf("HTTP %d (expected %d)", resp.StatusCode, probe.ExpectedStatus)
		return false
	}

	// No exact status configured: any 2xx is healthy.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return true
	}
	result.Message = fmt.Sprintf("HTTP %d (expected 2xx)", resp.StatusCode)
	return false
}

// attemptTCP probes via TCP connection.
func (p *DefaultHealthProber) attemptTCP(ctx context.Context, probe ServiceProbe, result *ProbeResult) bool {
	if probe.URL == "" {
		result.Message = "no address configured for TCP probe"
		return false
	}

	host := strings.TrimPrefix(probe.URL, "tcp://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")

	if err := isURLSafe("tcp://" + host); err != nil {
		result.Message = fmt.Sprintf("blocked: %v", err)
		return false
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		result.Message = fmt.Sprintf("TCP connection failed: %v", err)
		return false
	}
	defer conn.Close()

	result.Message = "TCP port open"
	return true
}

// attemptCommand probes by executing a command inside the service container.
func (p *DefaultHealthProber) attemptCommand(ctx context.Context, probe ServiceProbe, result *ProbeResult) bool {
	if probe.Service == "" || len(probe.Command) == 0 {
		result.Message = "no service or command configured for command probe"
		return false
	}

	execResult, err := p.compose.Exec(ctx, compose.ExecOptions{
		Service: probe.Service,
		Command: probe.Command,
	})
	if err != nil {
		result.Message = fmt.Sprintf("exec failed: %v", err)
		return false
	}

	if execResult.ExitCode == 0 {
		result.Message = strings.TrimSpace(execResult.Stdout)
		if result.Message == "" {
			result.Message = "command succeeded"
		}
		return true
	}
	result.Message = fmt.Sprintf("exit code %d: %s", execResult.ExitCode, strings.TrimSpace(execResult.Stderr))
	return false
}

// sleepWithContext sleeps for duration or until context is done.
func sleepWithContext(ctx context.Context, duration time.Duration) {
	if duration <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}
}

// =============================================================================
// MockHealthProber METHODS
// =============================================================================

// WaitReady implements HealthProber for MockHealthProber.
//
// Records the call and delegates to WaitReadyFunc if set.
func (m *MockHealthProber) WaitReady(ctx context.Context, probe ServiceProbe) (*ProbeResult, error) {
	m.mu.Lock()
	m.WaitReadyCalls = append(m.WaitReadyCalls, probe)
	m.mu.Unlock()

	if m.WaitReadyFunc != nil {
		return m.WaitReadyFunc(ctx, probe)
	}
	return &ProbeResult{
		ID:       GenerateID(),
		Name:     probe.Name,
		State:    ProbeStateReady,
		Attempts: 1,
		ProbeID:  probe.ID,
	}, nil
}

// VerifyStack implements HealthProber for MockHealthProber.
//
// Records the call and delegates to VerifyStackFunc if set.
func (m *MockHealthProber) VerifyStack(ctx context.Context, probes []ServiceProbe) (*VerifyReport, error) {
	m.mu.Lock()
	m.VerifyStackCalls = append(m.VerifyStackCalls, probes)
	m.mu.Unlock()

	if m.VerifyStackFunc != nil {
		return m.VerifyStackFunc(ctx, probes)
	}
	results := make([]ProbeResult, len(probes))
	for i, probe := range probes {
		results[i] = ProbeResult{
			ID:       GenerateID(),
			Name:     probe.Name,
			State:    ProbeStateReady,
			Attempts: 1,
			ProbeID:  probe.ID,
		}
	}
	return &VerifyReport{ID: GenerateID(), Success: true, Results: results}, nil
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var _ HealthProber = (*DefaultHealthProber)(nil)
var _ HealthProber = (*MockHealthProber)(nil)
