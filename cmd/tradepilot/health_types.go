package main

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/config"
)

// ProbeVersion is the current version of probe definitions.
// Increment when probe semantics change.
const ProbeVersion = "1.0.0"

// ProbeKind specifies the mechanism used to probe a service.
//
// # Description
//
// Defines how readiness is determined for a service. Each kind has
// different requirements: HTTP probes need a URL, command probes need
// a compose service and argv.
//
// # Limitations
//
//   - ProbeKindTCP only verifies the port is open, not service health
//
// # Assumptions
//
//   - HTTP probes expect the endpoint to respond within the probe timeout
//   - Command probes run inside the compose service's container
type ProbeKind string

const (
	// ProbeKindHTTP probes via HTTP GET. Ready on the expected status code.
	ProbeKindHTTP ProbeKind = "http"

	// ProbeKindTCP probes via TCP connection. Ready when the port accepts.
	ProbeKindTCP ProbeKind = "tcp"

	// ProbeKindCommand probes by running a command inside the service's
	// container. Ready on exit code zero.
	ProbeKindCommand ProbeKind = "command"
)

// ProbeState is the terminal outcome of a readiness wait.
type ProbeState string

const (
	// ProbeStateReady indicates the probe succeeded.
	ProbeStateReady ProbeState = "ready"

	// ProbeStateTimedOut indicates all attempts were exhausted.
	ProbeStateTimedOut ProbeState = "timed-out"

	// ProbeStateCancelled indicates the wait was interrupted.
	ProbeStateCancelled ProbeState = "cancelled"
)

// ServiceProbe describes a readiness probe for one service.
//
// # Description
//
// Defines the parameters for polling a service until it is ready:
// probe kind, target, attempt budget, and criticality. Each probe has
// a unique ID for tracking and correlation.
//
// # Examples
//
//	probe := ServiceProbe{
//	    ID:          GenerateID(),
//	    Name:        "trader",
//	    Kind:        ProbeKindHTTP,
//	    URL:         "http://localhost:8001/health",
//	    MaxAttempts: 10,
//	    Interval:    3 * time.Second,
//	    Critical:    true,
//	    Version:     ProbeVersion,
//	}
//
// # Limitations
//
//   - URL is required for HTTP and TCP probes
//   - Service and Command are required for command probes
//
// # Assumptions
//
//   - Endpoints are reachable from the deploy host
//   - MaxAttempts >= 1
type ServiceProbe struct {
	// ID is a unique identifier for this probe definition.
	ID string

	// Name is the human-readable service name.
	Name string

	// Kind specifies how to probe.
	Kind ProbeKind

	// URL is the probe endpoint (HTTP/TCP probes).
	URL string

	// Service is the compose service to exec into (command probes).
	Service string

	// Command is the argv to run inside the container (command probes).
	Command []string

	// MaxAttempts is the total attempt budget. The probe fails after
	// exactly this many attempts without success.
	MaxAttempts int

	// Interval is the pause between attempts.
	Interval time.Duration

	// Timeout bounds a single attempt. Zero means the prober default.
	Timeout time.Duration

	// ExpectedStatus is the exact HTTP status code required for success.
	// Zero accepts any 2xx response.
	ExpectedStatus int

	// Critical marks the service as required. A failed critical probe
	// fails the deploy; a failed optional probe becomes a warning.
	Critical bool

	// Version indicates the probe definition version.
	Version string

	// CreatedAt is when this definition was created.
	CreatedAt time.Time
}

// ProbeResult is the outcome of waiting on a single probe.
//
// # Description
//
// Records the terminal state, the number of attempts consumed, and
// diagnostic context from the last attempt.
type ProbeResult struct {
	// ID is a unique identifier for this result.
	ID string

	// Name is the probed service name.
	Name string

	// State is the terminal probe state.
	State ProbeState

	// Attempts is how many attempts were made.
	Attempts int

	// Message carries the last attempt's diagnostic (error text, HTTP code).
	Message string

	// Latency is the duration of the final attempt.
	Latency time.Duration

	// HTTPStatus is the last HTTP status code (HTTP probes only).
	HTTPStatus int

	// StartedAt is when the wait began.
	StartedAt time.Time

	// CompletedAt is when the wait ended.
	CompletedAt time.Time

	// ProbeID references the ServiceProbe definition.
	ProbeID string
}

// VerifyReport aggregates the outcome of probing a set of services.
type VerifyReport struct {
	// ID is a unique identifier for this verification run.
	ID string

	// Success is true if all critical probes reached ready.
	Success bool

	// Duration is the wall-clock time of the whole verification.
	Duration time.Duration

	// Results holds the per-service outcomes, in input order.
	Results []ProbeResult

	// FailedCritical lists critical services that did not become ready.
	FailedCritical []string

	// Warnings lists optional services that did not become ready.
	Warnings []string

	// StartedAt is when verification started.
	StartedAt time.Time

	// CompletedAt is when verification completed.
	CompletedAt time.Time
}

// DatabaseProbe builds the readiness probe for the postgres service.
//
// # Description
//
// Runs pg_isready inside the database container until it reports the
// server is accepting connections. Attempts and interval come from
// the database section of the config.
//
// # Assumptions
//
//   - The database container is already started when this probe runs
func DatabaseProbe(cfg config.DatabaseConfig) ServiceProbe {
	return ServiceProbe{
		ID:      GenerateID(),
		Name:    cfg.Service,
		Kind:    ProbeKindCommand,
		Service: cfg.Service,
		Command: []string{
			"pg_isready",
			"-U", cfg.User,
			"-d", cfg.Name,
		},
		MaxAttempts: cfg.WaitAttempts,
		Interval:    cfg.WaitInterval,
		Critical:    true,
		Version:     ProbeVersion,
		CreatedAt:   time.Now(),
	}
}

// StackProbes builds the post-deploy verification probes.
//
// # Description
//
// Returns probes for the trader application and the monitoring pair.
// The trader is critical: if it does not come up the deploy fails.
// Prometheus and Grafana are optional: their failure downgrades the
// deploy to a warning instead of failing it.
func StackProbes(cfg config.VerifyConfig) []ServiceProbe {
	now := time.Now()
	return []ServiceProbe{
		{
			ID:             GenerateID(),
			Name:           "trader",
			Kind:           ProbeKindHTTP,
			URL:            cfg.AppURL,
			MaxAttempts:    cfg.MaxAttempts,
			Interval:       cfg.Interval,
			Timeout:        cfg.Timeout,
			ExpectedStatus: 200,
			Critical:       true,
			Version:        ProbeVersion,
			CreatedAt:      now,
		},
		{
			ID:             GenerateID(),
			Name:           "prometheus",
			Kind:           ProbeKindHTTP,
			URL:            cfg.PrometheusURL,
			MaxAttempts:    cfg.MaxAttempts,
			Interval:       cfg.Interval,
			Timeout:        cfg.Timeout,
			ExpectedStatus: 200,
			Critical:       false,
			Version:        ProbeVersion,
			CreatedAt:      now,
		},
		{
			ID:             GenerateID(),
			Name:           "grafana",
			Kind:           ProbeKindHTTP,
			URL:            cfg.GrafanaURL,
			MaxAttempts:    cfg.MaxAttempts,
			Interval:       cfg.Interval,
			Timeout:        cfg.Timeout,
			ExpectedStatus: 200,
			Critical:       false,
			Version:        ProbeVersion,
			CreatedAt:      now,
		},
	}
}

// GenerateID creates a unique identifier for deploy entities.
//
// # Description
//
// Generates a cryptographically random hex string for uniquely
// identifying probes, results, and pipeline runs.
//
// # Outputs
//
//   - string: 16-character hex string (8 random bytes)
//
// # Limitations
//
//   - Not a UUID; shorter for readability
func GenerateID() string {
	b := make([]byte, 8)
	_, err := rand.Read(b)
	if err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000")))[:16]
	}
	return hex.EncodeToString(b)
}
