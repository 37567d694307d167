package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/process"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrComposeNotFound is returned when podman-compose binary is not available.
	ErrComposeNotFound = errors.New("podman-compose not found")

	// ErrComposeFileMissing is returned when a required compose file doesn't exist.
	ErrComposeFileMissing = errors.New("compose file not found")

	// ErrServiceNotFound is returned when a specified service doesn't exist.
	ErrServiceNotFound = errors.New("service not found")

	// ErrContainerNotRunning is returned for exec on stopped container.
	ErrContainerNotRunning = errors.New("container not running")

	// ErrCleanupPartial is returned when cleanup completes with some errors.
	ErrCleanupPartial = errors.New("cleanup completed with errors")

	// ErrInvalidConfig is returned when ComposeConfig is invalid.
	ErrInvalidConfig = errors.New("invalid compose configuration")

	// ErrInvalidEnvVar is returned when an environment variable key is invalid.
	// This prevents config injection attacks through malformed env var names.
	ErrInvalidEnvVar = errors.New("invalid environment variable")

	// ErrInvalidScale is returned when a scale spec is malformed.
	ErrInvalidScale = errors.New("invalid scale specification")
)

// envVarKeyRegex validates environment variable key names.
// Keys must:
//   - Start with a letter or underscore
//   - Contain only alphanumeric characters and underscores
//   - Not be empty
//
// This prevents shell metacharacter injection and other config attacks.
var envVarKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// =============================================================================
// Interface Definition
// =============================================================================

// ComposeExecutor manages podman-compose operations for the trading stack.
//
// # Description
//
// This interface abstracts all interactions with podman-compose, enabling
// testable orchestration of the trader, postgres, prometheus, and grafana
// services. It handles compose file layering (base, override), environment
// injection, and provides both graceful and forceful container management.
//
// # Security
//
//   - Validates compose file paths to prevent directory traversal
//   - Sanitizes environment variables before injection
//   - Does not log sensitive environment values (passwords, secrets)
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Operations that modify
// container state (Up, Down, Restart, Scale, ForceCleanup) are serialized.
type ComposeExecutor interface {
	// Version returns the podman-compose version string. Doubles as the
	// runtime availability check: a binary that cannot be executed is
	// reported as ErrComposeNotFound.
	Version(ctx context.Context) (string, error)

	// Up starts services defined in the compose configuration.
	//
	// Executes `podman-compose up -d` with optional build flag. Injects
	// environment variables from the provided map. An empty Services slice
	// starts the whole stack; a non-empty slice starts only those services
	// (used to bring up postgres alone before migrations run).
	Up(ctx context.Context, opts UpOptions) (*ComposeResult, error)

	// Down stops and removes containers defined in the compose configuration.
	// RemoveVolumes is destructive and cannot be undone.
	Down(ctx context.Context, opts DownOptions) (*ComposeResult, error)

	// Stop stops stack containers with timeout-based escalation: graceful
	// stop with configurable timeout first, then force stop for whatever
	// remains. Use before Down() to guarantee containers are stopped.
	Stop(ctx context.Context, opts StopOptions) (*StopResult, error)

	// Restart restarts the named services (all when empty).
	Restart(ctx context.Context, opts RestartOptions) (*ComposeResult, error)

	// Scale sets the replica count for a single service.
	// Executes `podman-compose up -d --scale service=n`.
	Scale(ctx context.Context, service string, replicas int) (*ComposeResult, error)

	// Logs streams container logs to the provided writer until the context
	// is cancelled (follow mode) or the backlog is drained.
	Logs(ctx context.Context, opts LogsOptions, w io.Writer) error

	// TailLines returns the last n log lines for a single service as a
	// string. Convenience wrapper over Logs for failure diagnostics.
	TailLines(ctx context.Context, service string, n int) (string, error)

	// Status returns the current state of compose services, parsed from
	// `podman ps --format json`.
	Status(ctx context.Context) (*ComposeStatus, error)

	// ForceCleanup removes all stack containers regardless of compose
	// state. Nuclear option when Down fails; continues past individual
	// step failures and returns ErrCleanupPartial if any occurred.
	ForceCleanup(ctx context.Context) (*CleanupResult, error)

	// Exec runs a command inside a running service container. Stdin, when
	// non-nil, is piped to the command (used for SQL payloads).
	Exec(ctx context.Context, opts ExecOptions) (*ExecResult, error)

	// ExecStreaming runs a command inside a running service container and
	// streams its combined output to w (used for database dumps where
	// buffering the whole output in memory would be wasteful).
	ExecStreaming(ctx context.Context, opts ExecOptions, w io.Writer) error

	// GetComposeFiles returns the ordered list of compose files in use.
	GetComposeFiles() []string
}

// =============================================================================
// Supporting Types
// =============================================================================

// ComposeConfig provides configuration for compose operations.
type ComposeConfig struct {
	// StackDir is the directory containing compose files.
	// All compose file paths are relative to this directory.
	StackDir string

	// ProjectName is the compose project name.
	// Default: "tradestack"
	ProjectName string

	// BaseFile is the primary compose file name.
	// Default: "podman-compose.yml"
	BaseFile string

	// OverrideFile is the user override file name.
	// Optional, only used if file exists.
	// Default: "podman-compose.override.yml"
	OverrideFile string

	// EnvFile is the environment file passed via --env-file.
	// Optional, only used if file exists.
	// Default: ".env"
	EnvFile string

	// ContainerNamePrefix is the prefix for container names.
	// Used for filtering in ForceCleanup and Status.
	// Default: "tradestack-"
	ContainerNamePrefix string

	// DefaultTimeout is the default timeout for compose operations.
	// Default: 5 minutes
	DefaultTimeout time.Duration
}

// UpOptions configures the Up operation.
type UpOptions struct {
	// ForceBuild rebuilds images even if they exist.
	// Maps to: --build flag
	ForceBuild bool

	// Services limits which services to start.
	// Empty means all services.
	Services []string

	// Env contains environment variables to inject.
	// These are passed to compose and available to all services.
	Env map[string]string

	// RemoveOrphans removes containers for services not defined.
	RemoveOrphans bool

	// Timeout overrides the default operation timeout.
	// Zero means use DefaultTimeout from config.
	Timeout time.Duration
}

// DownOptions configures the Down operation.
type DownOptions struct {
	// RemoveOrphans removes containers for services not in compose file.
	RemoveOrphans bool

	// RemoveVolumes removes named volumes declared in compose file.
	// WARNING: This is destructive and cannot be undone.
	RemoveVolumes bool

	// Timeout for graceful container shutdown.
	Timeout time.Duration
}

// StopOptions configures the Stop operation.
type StopOptions struct {
	// GracefulTimeout is the time to wait for graceful shutdown (SIGTERM)
	// before escalating to SIGKILL. Default: 10 seconds.
	GracefulTimeout time.Duration

	// Services limits which services to stop.
	// Empty means all stack services.
	Services []string

	// SkipForceStop disables the automatic force-stop after graceful timeout.
	SkipForceStop bool
}

// RestartOptions configures the Restart operation.
type RestartOptions struct {
	// Services limits which services to restart. Empty means all.
	Services []string

	// Timeout overrides the default operation timeout.
	Timeout time.Duration
}

// StopResult contains the result of a Stop operation.
type StopResult struct {
	// TotalStopped is the total number of containers stopped.
	TotalStopped int

	// GracefulStopped is containers that stopped gracefully (SIGTERM).
	GracefulStopped int

	// ForceStopped is containers that required force stop (SIGKILL).
	ForceStopped int

	// ContainerNames lists all containers that were running before the stop.
	ContainerNames []string

	// Errors contains any non-fatal errors encountered.
	Errors []string
}

// LogsOptions configures the Logs operation.
type LogsOptions struct {
	// Follow streams logs continuously.
	Follow bool

	// Services limits which services to show logs for.
	Services []string

	// Tail limits output to last N lines per container. Zero means all.
	Tail int

	// Timestamps prepends each line with timestamp.
	Timestamps bool
}

// ExecOptions configures the Exec operation.
type ExecOptions struct {
	// Service is the compose service name. Required.
	Service string

	// Command is the command and arguments to execute.
	// Required, must have at least one element.
	Command []string

	// User overrides the user to run as.
	User string

	// WorkDir overrides the working directory.
	WorkDir string

	// Env contains additional environment variables.
	Env map[string]string

	// Stdin, when non-nil, is piped to the command.
	Stdin io.Reader
}

// ComposeResult contains the result of a compose operation.
type ComposeResult struct {
	// Success indicates if the operation completed without error.
	Success bool

	// ExitCode is the exit code of the compose command.
	ExitCode int

	// Stdout contains standard output.
	Stdout string

	// Stderr contains standard error.
	Stderr string

	// Duration is how long the operation took.
	Duration time.Duration

	// Command is the full command that was executed (for debugging).
	Command string
}

// ComposeStatus contains the current state of compose services.
type ComposeStatus struct {
	// Services contains status for each service.
	Services []ServiceStatus

	// Running is the count of running services.
	Running int

	// Stopped is the count of stopped services.
	Stopped int

	// Unhealthy is the count of unhealthy services.
	Unhealthy int
}

// ServiceStatus contains the status of a single service.
type ServiceStatus struct {
	// Name is the compose service name.
	Name string

	// ContainerName is the actual container name.
	ContainerName string

	// State is the container state (running, exited, etc.).
	State string

	// Healthy indicates health check status.
	// nil means no health check defined.
	Healthy *bool

	// Ports contains published port mappings.
	Ports []PortMapping

	// Image is the container image.
	Image string
}

// PortMapping represents a port binding.
type PortMapping struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// CleanupResult contains details of a ForceCleanup operation.
type CleanupResult struct {
	// ContainersStopped is the number of containers force-stopped.
	ContainersStopped int

	// ContainersRemoved is the number of containers removed.
	ContainersRemoved int

	// PodsRemoved is the number of pods removed.
	PodsRemoved int

	// ContainerNames lists the names of removed containers.
	ContainerNames []string

	// PodNames lists the names of removed pods.
	PodNames []string

	// Errors contains any non-fatal errors encountered.
	Errors []string
}

// ExecResult contains the result of an Exec operation.
type ExecResult struct {
	// ExitCode is the exit code of the executed command.
	ExitCode int

	// Stdout contains standard output.
	Stdout string

	// Stderr contains standard error.
	Stderr string
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultComposeExecutor implements ComposeExecutor using podman-compose.
type DefaultComposeExecutor struct {
	config     ComposeConfig
	proc       process.Manager
	osStatFunc func(string) (os.FileInfo, error)
	mu         sync.Mutex
}

// NewDefaultComposeExecutor creates a new ComposeExecutor.
//
// # Description
//
// Creates an executor configured for podman-compose operations.
// Validates the configuration and sets sensible defaults.
//
// # Inputs
//
//   - cfg: Compose configuration (StackDir required)
//   - proc: Manager for command execution
//
// # Outputs
//
//   - *DefaultComposeExecutor: Configured executor
//   - error: If configuration is invalid
//
// # Defaults Applied
//
//   - ProjectName: "tradestack"
//   - BaseFile: "podman-compose.yml"
//   - OverrideFile: "podman-compose.override.yml"
//   - EnvFile: ".env"
//   - ContainerNamePrefix: "tradestack-"
//   - DefaultTimeout: 5 minutes
//
// # Limitations
//
//   - Does not verify podman-compose is installed (checked at runtime)
//   - Does not verify StackDir exists (checked at runtime)
func NewDefaultComposeExecutor(cfg ComposeConfig, proc process.Manager) (*DefaultComposeExecutor, error) {
	if err := validateComposeConfig(&cfg); err != nil {
		return nil, err
	}

	applyComposeConfigDefaults(&cfg)

	return &DefaultComposeExecutor{
		config:     cfg,
		proc:       proc,
		osStatFunc: os.Stat,
	}, nil
}

func validateComposeConfig(cfg *ComposeConfig) error {
	if cfg.StackDir == "" {
		return fmt.Errorf("%w: StackDir is required", ErrInvalidConfig)
	}
	return nil
}

func applyComposeConfigDefaults(cfg *ComposeConfig) {
	if cfg.ProjectName == "" {
		cfg.ProjectName = "tradestack"
	}
	if cfg.BaseFile == "" {
		cfg.BaseFile = "podman-compose.yml"
	}
	if cfg.OverrideFile == "" {
		cfg.OverrideFile = "podman-compose.override.yml"
	}
	if cfg.EnvFile == "" {
		cfg.EnvFile = ".env"
	}
	if cfg.ContainerNamePrefix == "" {
		cfg.ContainerNamePrefix = "tradestack-"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
}

// =============================================================================
// Interface Implementation
// =============================================================================

// Version returns the podman-compose version string.
//
// Deploy prerequisites call this before any mutating operation so a
// missing or broken runtime fails the run up front.
func (e *DefaultComposeExecutor) Version(ctx context.Context) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stdout, _, _, err := e.proc.RunInDir(execCtx, "", nil, "podman-compose", "--version")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrComposeNotFound, err)
	}
	return strings.TrimSpace(stdout), nil
}

// Up starts services defined in the compose configuration.
//
// # Description
//
// Executes `podman-compose up -d` with optional build flag. Injects
// environment variables from the provided map after validating keys.
// Acquires mutex to serialize with other mutating operations.
//
// # Limitations
//
//   - Does not verify service health after startup (use HealthProber)
//   - Blocks until containers are started, not until healthy
func (e *DefaultComposeExecutor) Up(ctx context.Context, opts UpOptions) (*ComposeResult, error) {
	// Validate env vars before proceeding to prevent config injection
	if err := e.validateEnvVars(opts.Env); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.buildComposeFileArgs()
	args = append(args, "up", "-d")

	if opts.ForceBuild {
		args = append(args, "--build")
	}
	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}
	if len(opts.Services) > 0 {
		args = append(args, opts.Services...)
	}

	timeout := e.resolveTimeout(opts.Timeout)

	return e.runCompose(ctx, args, opts.Env, timeout)
}

// Down stops and removes containers defined in the compose configuration.
func (e *DefaultComposeExecutor) Down(ctx context.Context, opts DownOptions) (*ComposeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.buildComposeFileArgs()
	args = append(args, "down")

	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}
	if opts.RemoveVolumes {
		args = append(args, "-v")
	}

	timeout := e.resolveTimeout(opts.Timeout)

	return e.runCompose(ctx, args, nil, timeout)
}

// Stop stops stack containers with timeout-based escalation.
//
// # Description
//
// Two-phase stop:
//  1. Graceful stop: SIGTERM, waits GracefulTimeout (default 10s)
//  2. Force stop: SIGKILL to any remaining containers
//
// Acquires mutex to serialize with other mutating operations. Partial
// results are returned alongside the error.
func (e *DefaultComposeExecutor) Stop(ctx context.Context, opts StopOptions) (*StopResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &StopResult{
		ContainerNames: []string{},
		Errors:         []string{},
	}

	gracefulTimeout := opts.GracefulTimeout
	if gracefulTimeout == 0 {
		gracefulTimeout = 10 * time.Second
	}

	runningBefore, err := e.listRunningContainers(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to list containers: %v", err))
	}

	// Phase 1: Graceful stop with timeout
	if err := e.executeStop(ctx, gracefulTimeout); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("graceful stop: %v", err))
	}

	runningAfterGraceful, _ := e.listRunningContainers(ctx)
	// A failed listing leaves a short "before" count; never report a
	// negative stop count for it.
	if n := len(runningBefore) - len(runningAfterGraceful); n > 0 {
		result.GracefulStopped = n
	}

	// Phase 2: Force stop if containers remain and not skipped
	if !opts.SkipForceStop && len(runningAfterGraceful) > 0 {
		if err := e.executeStop(ctx, 0); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("force stop: %v", err))
		}

		runningAfterForce, _ := e.listRunningContainers(ctx)
		if n := len(runningAfterGraceful) - len(runningAfterForce); n > 0 {
			result.ForceStopped = n
		}
	}

	result.TotalStopped = result.GracefulStopped + result.ForceStopped
	result.ContainerNames = append(result.ContainerNames, runningBefore...)

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("stop completed with errors: %v", result.Errors)
	}
	return result, nil
}

// Restart restarts the named services (all when empty).
func (e *DefaultComposeExecutor) Restart(ctx context.Context, opts RestartOptions) (*ComposeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.buildComposeFileArgs()
	args = append(args, "restart")
	if len(opts.Services) > 0 {
		args = append(args, opts.Services...)
	}

	timeout := e.resolveTimeout(opts.Timeout)

	return e.runCompose(ctx, args, nil, timeout)
}

// Scale sets the replica count for a single service.
func (e *DefaultComposeExecutor) Scale(ctx context.Context, service string, replicas int) (*ComposeResult, error) {
	if service == "" || !envVarKeyRegex.MatchString(strings.ReplaceAll(service, "-", "_")) {
		return nil, fmt.Errorf("%w: service name %q", ErrInvalidScale, service)
	}
	if replicas < 0 {
		return nil, fmt.Errorf("%w: replicas must be >= 0, got %d", ErrInvalidScale, replicas)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.buildComposeFileArgs()
	args = append(args, "up", "-d", "--scale", fmt.Sprintf("%s=%d", service, replicas), service)

	return e.runCompose(ctx, args, nil, e.config.DefaultTimeout)
}

// Logs streams container logs to the provided writer.
// Does not acquire mutex (read-only operation). Follow mode blocks until
// context cancellation.
func (e *DefaultComposeExecutor) Logs(ctx context.Context, opts LogsOptions, w io.Writer) error {
	args := e.buildComposeFileArgs()
	args = append(args, "logs")

	if opts.Follow {
		args = append(args, "-f")
	}
	if opts.Tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", opts.Tail))
	}
	if opts.Timestamps {
		args = append(args, "--timestamps")
	}
	if len(opts.Services) > 0 {
		args = append(args, opts.Services...)
	}

	return e.runComposeStreaming(ctx, args, w)
}

// TailLines returns the last n log lines for a single service.
func (e *DefaultComposeExecutor) TailLines(ctx context.Context, service string, n int) (string, error) {
	var buf strings.Builder
	err := e.Logs(ctx, LogsOptions{Services: []string{service}, Tail: n}, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to tail logs for %s: %w", service, err)
	}
	return buf.String(), nil
}

// Status returns the current state of compose services.
//
// # Description
//
// Executes `podman ps -a` with JSON output, filtered to the configured
// container name prefix, and parses the result. Includes stopped and
// exited containers for debugging. Does not acquire mutex.
func (e *DefaultComposeExecutor) Status(ctx context.Context) (*ComposeStatus, error) {
	args := []string{
		"ps",
		"-a",
		"--filter", fmt.Sprintf("name=%s", e.config.ContainerNamePrefix),
		"--format", "json",
	}

	output, err := e.runPodman(ctx, args, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to get container status: %w", err)
	}

	return e.parseContainerStatus(output.Stdout)
}

// ForceCleanup removes all stack containers regardless of compose state.
//
// # Description
//
// Nuclear option when compose down fails. Executes four steps:
//  1. Force stop all matching containers (podman stop -t 0)
//  2. Force remove by name filter
//  3. Force remove by compose project label
//  4. Remove matching pods
//
// Each step continues even if previous steps fail, collecting all errors.
// Returns ErrCleanupPartial when some steps failed.
func (e *DefaultComposeExecutor) ForceCleanup(ctx context.Context) (*CleanupResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &CleanupResult{
		ContainerNames: []string{},
		PodNames:       []string{},
		Errors:         []string{},
	}

	// Step 1: Force stop all containers
	if err := e.executeStop(ctx, 0); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("force stop: %v", err))
	} else {
		running, _ := e.listRunningContainers(ctx)
		result.ContainersStopped = len(running)
	}

	// Step 2: Remove by name filter
	e.removeContainers(ctx, result, "--filter", fmt.Sprintf("name=%s", e.config.ContainerNamePrefix))

	// Step 3: Remove by label filter
	e.removeContainers(ctx, result, "--filter",
		fmt.Sprintf("label=io.podman.compose.project=%s", e.config.ProjectName))

	// Step 4: Remove pods
	e.removePods(ctx, result)

	if len(result.Errors) > 0 {
		return result, ErrCleanupPartial
	}
	return result, nil
}

// Exec runs a command inside a running service container.
//
// # Description
//
// Executes `podman-compose exec -T` (no pseudo-TTY). When opts.Stdin is
// non-nil it is piped to the command, which is how SQL payloads reach
// psql without touching the filesystem. Does not acquire mutex.
func (e *DefaultComposeExecutor) Exec(ctx context.Context, opts ExecOptions) (*ExecResult, error) {
	if err := e.validateExecOptions(opts); err != nil {
		return nil, err
	}
	if err := e.validateEnvVars(opts.Env); err != nil {
		return nil, err
	}

	args := e.buildExecArgs(opts)

	execCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	var stdout, stderr string
	var exitCode int
	var err error
	if opts.Stdin != nil {
		stdout, stderr, exitCode, err = e.proc.RunWithInput(execCtx, e.config.StackDir, opts.Stdin, "podman-compose", args...)
	} else {
		stdout, stderr, exitCode, err = e.proc.RunInDir(execCtx, e.config.StackDir, nil, "podman-compose", args...)
	}

	if err != nil {
		if e.isContainerNotRunningError(stderr) {
			return nil, ErrContainerNotRunning
		}
		return &ExecResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr},
			fmt.Errorf("exec in %s failed: %w", opts.Service, err)
	}

	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// ExecStreaming runs a command inside a service container, streaming output.
func (e *DefaultComposeExecutor) ExecStreaming(ctx context.Context, opts ExecOptions, w io.Writer) error {
	if err := e.validateExecOptions(opts); err != nil {
		return err
	}

	args := e.buildExecArgs(opts)
	return e.proc.RunStreaming(ctx, e.config.StackDir, w, "podman-compose", args...)
}

// GetComposeFiles returns the ordered list of compose files in use:
// base, then override when it exists on disk.
func (e *DefaultComposeExecutor) GetComposeFiles() []string {
	files := []string{}

	basePath := filepath.Join(e.config.StackDir, e.config.BaseFile)
	files = append(files, basePath)

	overridePath := filepath.Join(e.config.StackDir, e.config.OverrideFile)
	if e.fileExists(overridePath) {
		files = append(files, overridePath)
	}

	return files
}

// =============================================================================
// Private Helper Methods
// =============================================================================

// buildComposeFileArgs builds the -f arguments for compose files plus the
// --env-file argument when the env file exists.
func (e *DefaultComposeExecutor) buildComposeFileArgs() []string {
	args := []string{}

	for _, file := range e.GetComposeFiles() {
		args = append(args, "-f", file)
	}

	envPath := filepath.Join(e.config.StackDir, e.config.EnvFile)
	if e.fileExists(envPath) {
		args = append(args, "--env-file", envPath)
	}

	return args
}

// runCompose executes a podman-compose command with captured output.
func (e *DefaultComposeExecutor) runCompose(ctx context.Context, args []string, env map[string]string, timeout time.Duration) (*ComposeResult, error) {
	start := time.Now()

	cmdEnv := e.buildCommandEnvironment(env)
	cmdStr := fmt.Sprintf("podman-compose %s", strings.Join(args, " "))

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := e.proc.RunInDir(execCtx, e.config.StackDir, cmdEnv, "podman-compose", args...)

	result := &ComposeResult{
		Success:  exitCode == 0 && err == nil,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
		Command:  cmdStr,
	}

	if err != nil {
		return result, fmt.Errorf("compose command failed: %w", err)
	}
	if exitCode != 0 {
		return result, fmt.Errorf("compose command exited with code %d: %s", exitCode, stderr)
	}

	return result, nil
}

// runComposeStreaming executes a podman-compose command streaming to w.
func (e *DefaultComposeExecutor) runComposeStreaming(ctx context.Context, args []string, w io.Writer) error {
	return e.proc.RunStreaming(ctx, e.config.StackDir, w, "podman-compose", args...)
}

// runPodman executes a direct podman command (stop, rm, ps) when direct
// container manipulation is needed rather than going through compose.
func (e *DefaultComposeExecutor) runPodman(ctx context.Context, args []string, timeout time.Duration) (*ComposeResult, error) {
	start := time.Now()
	cmdStr := fmt.Sprintf("podman %s", strings.Join(args, " "))

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := e.proc.RunInDir(execCtx, "", nil, "podman", args...)

	result := &ComposeResult{
		Success:  exitCode == 0 && err == nil,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
		Command:  cmdStr,
	}

	if err != nil {
		return result, fmt.Errorf("podman command failed: %w", err)
	}
	if exitCode != 0 {
		return result, fmt.Errorf("podman command exited with code %d: %s", exitCode, stderr)
	}

	return result, nil
}

// listRunningContainers returns IDs of running containers matching the prefix.
func (e *DefaultComposeExecutor) listRunningContainers(ctx context.Context) ([]string, error) {
	args := []string{
		"ps", "-q",
		"--filter", fmt.Sprintf("name=%s", e.config.ContainerNamePrefix),
		"--filter", "status=running",
	}

	output, err := e.runPodman(ctx, args, 30*time.Second)
	if err != nil {
		return nil, err
	}

	return parseLines(output.Stdout), nil
}

// executeStop runs podman stop against all prefix-matched containers.
// A zero timeout means immediate SIGKILL.
func (e *DefaultComposeExecutor) executeStop(ctx context.Context, timeout time.Duration) error {
	args := []string{
		"stop",
		"-t", fmt.Sprintf("%d", int(timeout.Seconds())),
		"--filter", fmt.Sprintf("name=%s", e.config.ContainerNamePrefix),
	}

	_, err := e.runPodman(ctx, args, e.config.DefaultTimeout)
	return err
}

// removeContainers force-removes containers matching the given filter args.
func (e *DefaultComposeExecutor) removeContainers(ctx context.Context, result *CleanupResult, filterArgs ...string) {
	listArgs := append([]string{"ps", "-a", "-q"}, filterArgs...)
	output, err := e.runPodman(ctx, listArgs, 30*time.Second)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list containers: %v", err))
		return
	}

	ids := parseLines(output.Stdout)
	if len(ids) == 0 {
		return
	}

	rmArgs := append([]string{"rm", "-f"}, ids...)
	if _, err := e.runPodman(ctx, rmArgs, 60*time.Second); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("remove containers: %v", err))
		return
	}

	result.ContainersRemoved += len(ids)
	result.ContainerNames = append(result.ContainerNames, ids...)
}

// removePods removes pods matching the container name prefix.
func (e *DefaultComposeExecutor) removePods(ctx context.Context, result *CleanupResult) {
	listArgs := []string{
		"pod", "ps", "-q",
		"--filter", fmt.Sprintf("name=%s", e.config.ContainerNamePrefix),
	}
	output, err := e.runPodman(ctx, listArgs, 30*time.Second)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list pods: %v", err))
		return
	}

	ids := parseLines(output.Stdout)
	if len(ids) == 0 {
		return
	}

	rmArgs := append([]string{"pod", "rm", "-f"}, ids...)
	if _, err := e.runPodman(ctx, rmArgs, 60*time.Second); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("remove pods: %v", err))
		return
	}

	result.PodsRemoved += len(ids)
	result.PodNames = append(result.PodNames, ids...)
}

// parseContainerStatus parses podman ps JSON output to ComposeStatus.
//
// Container names follow the pattern prefix-servicename-N; service names
// are recovered by stripping the prefix and replica suffix.
func (e *DefaultComposeExecutor) parseContainerStatus(jsonOutput string) (*ComposeStatus, error) {
	status := &ComposeStatus{
		Services: []ServiceStatus{},
	}

	if strings.TrimSpace(jsonOutput) == "" {
		return status, nil
	}

	var containers []struct {
		Names  []string `json:"Names"`
		State  string   `json:"State"`
		Status string   `json:"Status"`
		Image  string   `json:"Image"`
		Ports  []struct {
			HostIP        string `json:"host_ip"`
			HostPort      int    `json:"host_port"`
			ContainerPort int    `json:"container_port"`
			Protocol      string `json:"protocol"`
		} `json:"Ports"`
	}

	if err := json.Unmarshal([]byte(jsonOutput), &containers); err != nil {
		return nil, fmt.Errorf("failed to parse container JSON: %w", err)
	}

	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}

		svc := ServiceStatus{
			Name:          e.extractServiceName(name),
			ContainerName: name,
			State:         c.State,
			Image:         c.Image,
			Ports:         []PortMapping{},
		}
		svc.Healthy = parseHealthStatus(c.Status)

		for _, p := range c.Ports {
			svc.Ports = append(svc.Ports, PortMapping{
				HostIP:        p.HostIP,
				HostPort:      p.HostPort,
				ContainerPort: p.ContainerPort,
				Protocol:      p.Protocol,
			})
		}

		status.Services = append(status.Services, svc)

		switch c.State {
		case "running":
			status.Running++
		case "exited", "stopped":
			status.Stopped++
		}
		if svc.Healthy != nil && !*svc.Healthy {
			status.Unhealthy++
		}
	}

	return status, nil
}

// parseHealthStatus extracts health from a status string like
// "Up 2 hours (healthy)". Returns nil when no healthcheck is defined.
func parseHealthStatus(statusStr string) *bool {
	if strings.Contains(statusStr, "unhealthy") {
		healthy := false
		return &healthy
	}
	if strings.Contains(statusStr, "healthy") {
		healthy := true
		return &healthy
	}
	return nil
}

// extractServiceName extracts the compose service name from a container
// name like "tradestack-postgres-1".
func (e *DefaultComposeExecutor) extractServiceName(containerName string) string {
	name := strings.TrimPrefix(containerName, e.config.ContainerNamePrefix)

	parts := strings.Split(name, "-")
	if len(parts) > 1 {
		lastPart := parts[len(parts)-1]
		if _, err := fmt.Sscanf(lastPart, "%d", new(int)); err == nil {
			parts = parts[:len(parts)-1]
		}
	}

	return strings.Join(parts, "-")
}

// buildExecArgs constructs the exec argument list.
func (e *DefaultComposeExecutor) buildExecArgs(opts ExecOptions) []string {
	args := e.buildComposeFileArgs()
	args = append(args, "exec", "-T")

	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "--workdir", opts.WorkDir)
	}
	for k, v := range opts.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, opts.Service)
	args = append(args, opts.Command...)
	return args
}

// validateExecOptions checks required exec fields.
func (e *DefaultComposeExecutor) validateExecOptions(opts ExecOptions) error {
	if opts.Service == "" {
		return fmt.Errorf("%w: service is required", ErrServiceNotFound)
	}
	if len(opts.Command) == 0 {
		return fmt.Errorf("exec command is required for service %s", opts.Service)
	}
	return nil
}

// validateEnvVars validates all env keys against envVarKeyRegex.
func (e *DefaultComposeExecutor) validateEnvVars(env map[string]string) error {
	for key := range env {
		if !envVarKeyRegex.MatchString(key) {
			return fmt.Errorf("%w: key %q", ErrInvalidEnvVar, key)
		}
	}
	return nil
}

// buildCommandEnvironment converts an env map to KEY=VALUE entries,
// always including the compose project name.
func (e *DefaultComposeExecutor) buildCommandEnvironment(env map[string]string) []string {
	cmdEnv := []string{
		fmt.Sprintf("COMPOSE_PROJECT_NAME=%s", e.config.ProjectName),
	}
	for k, v := range env {
		cmdEnv = append(cmdEnv, fmt.Sprintf("%s=%s", k, v))
	}
	return cmdEnv
}

// isContainerNotRunningError detects the stopped-container exec failure.
func (e *DefaultComposeExecutor) isContainerNotRunningError(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "is not running") ||
		strings.Contains(s, "no container found") ||
		strings.Contains(s, "container state improper")
}

func (e *DefaultComposeExecutor) resolveTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return e.config.DefaultTimeout
}

func (e *DefaultComposeExecutor) fileExists(path string) bool {
	_, err := e.osStatFunc(path)
	return err == nil
}

// parseLines splits command output into trimmed non-empty lines.
func parseLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Compile-time interface check
var _ ComposeExecutor = (*DefaultComposeExecutor)(nil)
