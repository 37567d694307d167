package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/config"
	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/process"
	"github.com/AleutianAI/TradePilot/pkg/logging"
)

// =============================================================================
// PIPELINE TYPES
// =============================================================================

// RunStatus is the terminal status of a pipeline run.
type RunStatus string

const (
	// RunStatusSucceeded means every stage completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusSucceededWithWarnings means the deploy completed but
	// non-critical steps degraded (monitoring down, logs not copied).
	RunStatusSucceededWithWarnings RunStatus = "succeeded-with-warnings"

	// RunStatusInterrupted means the run was cancelled by a signal.
	RunStatusInterrupted RunStatus = "interrupted"
)

// FailedAtStatus builds the status for a run that died in a stage.
func FailedAtStatus(stage string) RunStatus {
	return RunStatus("failed-at:" + stage)
}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	// StageSucceeded means the stage completed without error.
	StageSucceeded StageStatus = "succeeded"

	// StageWarned means the stage failed but was non-fatal.
	StageWarned StageStatus = "warned"

	// StageFailed means the stage failed and stopped the pipeline.
	StageFailed StageStatus = "failed"

	// StageSkipped means an earlier failure prevented the stage.
	StageSkipped StageStatus = "skipped"
)

// Stage is one step of the deploy pipeline.
//
// # Description
//
// A stage is a named unit of work. A fatal stage stops the pipeline
// on error and every later stage is skipped; a non-fatal stage's
// failure is downgraded to a warning and the pipeline continues.
type Stage struct {
	// Name identifies the stage in statuses and logs.
	Name string

	// Run executes the stage's work.
	Run func(ctx context.Context) error

	// FatalOnError stops the pipeline when Run fails.
	FatalOnError bool
}

// StageResult records the outcome of a single stage.
type StageResult struct {
	// Name is the stage name.
	Name string

	// Status is the stage outcome.
	Status StageStatus

	// Duration is how long the stage ran.
	Duration time.Duration

	// Message carries the error text for failed or warned stages.
	Message string
}

// PipelineRun is the complete record of one pipeline execution.
type PipelineRun struct {
	// ID uniquely identifies this run.
	ID string

	// Status is the terminal run status.
	Status RunStatus

	// Stages holds per-stage outcomes in execution order.
	Stages []StageResult

	// Warnings collects non-fatal problems from the whole run.
	Warnings []string

	// StartedAt is when the run began.
	StartedAt time.Time

	// CompletedAt is when the run ended.
	CompletedAt time.Time

	// Duration is the total wall-clock time.
	Duration time.Duration
}

// ExitCode maps the run status to a process exit code.
// Warnings do not fail the deploy.
func (r *PipelineRun) ExitCode() int {
	switch r.Status {
	case RunStatusSucceeded, RunStatusSucceededWithWarnings:
		return 0
	default:
		return 1
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator executes a sequence of stages.
//
// # Description
//
// Runs stages in order with fail-fast semantics for fatal stages.
// Each stage is logged with the run ID so concurrent tooling can
// correlate output. The clock is injectable for tests.
type Orchestrator struct {
	log   *logging.Logger
	nowFn func() time.Time
}

// NewOrchestrator creates an orchestrator logging through the given logger.
func NewOrchestrator(log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		log:   log,
		nowFn: time.Now,
	}
}

// Execute runs the stages and returns the complete run record.
//
// # Description
//
// Stages run strictly in order. A fatal stage failure marks the run
// failed-at:<stage> and skips every later stage. A non-fatal failure
// becomes a warning and execution continues. Context cancellation at
// any point marks the run interrupted; the stage that observed the
// cancellation is recorded as failed and the rest as skipped.
func (o *Orchestrator) Execute(ctx context.Context, stages []Stage) *PipelineRun {
	run := &PipelineRun{
		ID:        uuid.NewString(),
		StartedAt: o.nowFn(),
	}

	failedAt := -1
	for i, stage := range stages {
		if failedAt >= 0 {
			run.Stages = append(run.Stages, StageResult{Name: stage.Name, Status: StageSkipped})
			continue
		}

		if err := ctx.Err(); err != nil {
			run.Status = RunStatusInterrupted
			run.Stages = append(run.Stages, StageResult{
				Name:    stage.Name,
				Status:  StageSkipped,
				Message: err.Error(),
			})
			failedAt = i
			continue
		}

		o.log.Info("stage started", "run_id", run.ID, "stage", stage.Name)
		start := o.nowFn()
		err := stage.Run(ctx)
		result := StageResult{
			Name:     stage.Name,
			Duration: o.nowFn().Sub(start),
		}

		switch {
		case err == nil:
			result.Status = StageSucceeded
			o.log.Info("stage completed", "run_id", run.ID, "stage", stage.Name,
				"duration", result.Duration.String())

		case ctx.Err() != nil:
			result.Status = StageFailed
			result.Message = err.Error()
			run.Status = RunStatusInterrupted
			failedAt = i
			o.log.Warn("stage interrupted", "run_id", run.ID, "stage", stage.Name,
				"error", err.Error())

		case stage.FatalOnError:
			result.Status = StageFailed
			result.Message = err.Error()
			run.Status = FailedAtStatus(stage.Name)
			failedAt = i
			o.log.Error("stage failed", "run_id", run.ID, "stage", stage.Name,
				"error", err.Error())

		default:
			result.Status = StageWarned
			result.Message = err.Error()
			run.Warnings = append(run.Warnings, fmt.Sprintf("%s: %v", stage.Name, err))
			o.log.Warn("stage degraded", "run_id", run.ID, "stage", stage.Name,
				"error", err.Error())
		}

		run.Stages = append(run.Stages, result)
	}

	if run.Status == "" {
		if len(run.Warnings) > 0 {
			run.Status = RunStatusSucceededWithWarnings
		} else {
			run.Status = RunStatusSucceeded
		}
	}

	run.CompletedAt = o.nowFn()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)
	return run
}

// =============================================================================
// DEPLOY PIPELINE
// =============================================================================

// verifyLogTail is how many trader log lines to capture when
// verification fails.
const verifyLogTail = 50

// DeployPipeline wires the deploy stages together.
//
// # Description
//
// Owns the full deploy sequence for the trading stack:
//
//	prerequisites -> backup -> environment -> database-init ->
//	migrate -> services -> verify -> summary
//
// A cross-run lock guarantees only one deploy at a time. Mutable
// per-run state (backup info, verify report) is kept on the pipeline
// so the summary stage can report it.
type DeployPipeline struct {
	cfg      config.TradePilotConfig
	lock     process.DeployLocker
	backup   StackBackupManager
	resolver EnvResolver
	compose  compose.ComposeExecutor
	prober   HealthProber
	migrator MigrationApplier
	log      *logging.Logger

	// ForceBuild rebuilds service images when the stack comes up.
	ForceBuild bool

	mu         sync.Mutex
	backupInfo *StackBackupInfo
	envResult  *EnvResolveResult
	report     *VerifyReport
	warnings   []string
}

// NewDeployPipeline creates a pipeline from its collaborators.
func NewDeployPipeline(
	cfg config.TradePilotConfig,
	lock process.DeployLocker,
	backup StackBackupManager,
	resolver EnvResolver,
	composeExec compose.ComposeExecutor,
	prober HealthProber,
	migrator MigrationApplier,
	log *logging.Logger,
) *DeployPipeline {
	return &DeployPipeline{
		cfg:      cfg,
		lock:     lock,
		backup:   backup,
		resolver: resolver,
		compose:  composeExec,
		prober:   prober,
		migrator: migrator,
		log:      log,
	}
}

// RunDeploy acquires the deploy lock and executes the pipeline.
//
// # Outputs
//
//   - *PipelineRun: The complete run record, never nil.
//   - error: Non-nil when the deploy did not succeed. Warnings alone
//     do not produce an error.
func (p *DeployPipeline) RunDeploy(ctx context.Context) (*PipelineRun, error) {
	if err := p.lock.Acquire(); err != nil {
		return nil, err
	}
	defer p.lock.Release()

	orch := NewOrchestrator(p.log)
	run := orch.Execute(ctx, p.Stages())

	// Merge warnings collected inside stages (verify degradation,
	// backup copy failures) into the run record.
	p.mu.Lock()
	run.Warnings = append(run.Warnings, p.warnings...)
	p.mu.Unlock()

	if run.Status == RunStatusSucceeded && len(run.Warnings) > 0 {
		run.Status = RunStatusSucceededWithWarnings
	}

	if run.Status == RunStatusInterrupted {
		// No teardown: services are left exactly as the interrupt found
		// them so the operator can inspect partial state. In-progress
		// temp artifacts are already handled by the writers themselves
		// (the database dump lands in a temp file renamed on success).
		p.log.Warn("deploy interrupted, leaving services as-is for inspection",
			"run_id", run.ID)
		return run, fmt.Errorf("deploy interrupted")
	}
	if run.ExitCode() != 0 {
		return run, fmt.Errorf("deploy %s", run.Status)
	}
	return run, nil
}

// Stages builds the deploy stage sequence.
func (p *DeployPipeline) Stages() []Stage {
	return []Stage{
		{Name: "prerequisites", FatalOnError: true, Run: p.stagePrerequisites},
		{Name: "backup", FatalOnError: true, Run: p.stageBackup},
		{Name: "environment", FatalOnError: true, Run: p.stageEnvironment},
		{Name: "database-init", FatalOnError: true, Run: p.stageDatabaseInit},
		{Name: "migrate", FatalOnError: true, Run: p.stageMigrate},
		{Name: "services", FatalOnError: true, Run: p.stageServices},
		{Name: "verify", FatalOnError: true, Run: p.stageVerify},
		{Name: "summary", FatalOnError: false, Run: p.stageSummary},
	}
}

// stagePrerequisites validates the runtime and stack layout before
// touching anything.
func (p *DeployPipeline) stagePrerequisites(ctx context.Context) error {
	if _, err := p.compose.Version(ctx); err != nil {
		return fmt.Errorf("container runtime check failed: %w", err)
	}

	if _, err := os.Stat(p.cfg.Stack.Dir); err != nil {
		return fmt.Errorf("stack directory %s not found: %w", p.cfg.Stack.Dir, err)
	}

	composeFound := false
	for _, file := range p.compose.GetComposeFiles() {
		if fileExists(file) {
			composeFound = true
			break
		}
	}
	if !composeFound {
		return fmt.Errorf("no compose file found in %s", p.cfg.Stack.Dir)
	}

	if err := os.MkdirAll(p.cfg.Backup.Root, 0755); err != nil {
		return fmt.Errorf("failed to create backup root: %w", err)
	}
	return nil
}

// stageBackup snapshots the current state before the deploy changes it.
func (p *DeployPipeline) stageBackup(ctx context.Context) error {
	info, err := p.backup.CreateBackup(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.backupInfo = info
	p.warnings = append(p.warnings, info.Warnings...)
	p.mu.Unlock()

	p.log.Info("backup created", "path", info.Path,
		"database_dumped", info.DatabaseDumped, "size_bytes", info.Size)
	return nil
}

// stageEnvironment resolves placeholder secrets in the env file.
func (p *DeployPipeline) stageEnvironment(ctx context.Context) error {
	result, err := p.resolver.Resolve()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.envResult = result
	p.mu.Unlock()

	if len(result.Generated) > 0 {
		p.log.Info("generated secrets", "keys", strings.Join(result.Generated, ","))
	}
	return nil
}

// stageDatabaseInit starts postgres alone and waits until it accepts
// connections.
func (p *DeployPipeline) stageDatabaseInit(ctx context.Context) error {
	if _, err := p.compose.Up(ctx, compose.UpOptions{
		Services: []string{p.cfg.Database.Service},
	}); err != nil {
		return fmt.Errorf("failed to start database: %w", err)
	}

	result, err := p.prober.WaitReady(ctx, DatabaseProbe(p.cfg.Database))
	if err != nil {
		return fmt.Errorf("database readiness: %w (attempts: %d)", err, result.Attempts)
	}
	p.log.Info("database ready", "attempts", result.Attempts)
	return nil
}

// stageMigrate applies the schema.
func (p *DeployPipeline) stageMigrate(ctx context.Context) error {
	result, err := p.migrator.Apply(ctx)
	if err != nil {
		return err
	}
	p.log.Info("migrations applied", "count", len(result.Applied),
		"duration", result.Duration.String())
	return nil
}

// stageServices starts the full stack.
func (p *DeployPipeline) stageServices(ctx context.Context) error {
	opts := compose.UpOptions{RemoveOrphans: true, ForceBuild: p.ForceBuild}
	if _, err := p.compose.Up(ctx, opts); err != nil {
		return fmt.Errorf("failed to start stack: %w", err)
	}
	return nil
}

// stageVerify probes the running stack. Critical failure captures the
// trader's recent log lines for diagnosis before failing the deploy.
func (p *DeployPipeline) stageVerify(ctx context.Context) error {
	report, err := p.prober.VerifyStack(ctx, StackProbes(p.cfg.Verify))

	p.mu.Lock()
	p.report = report
	if report != nil {
		for _, name := range report.Warnings {
			p.warnings = append(p.warnings, fmt.Sprintf("verify: %s not ready", name))
		}
	}
	p.mu.Unlock()

	if err != nil {
		p.captureAppLogs(ctx)
		return err
	}
	return nil
}

// stageSummary logs the run outcome. Never fails the deploy.
func (p *DeployPipeline) stageSummary(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.backupInfo != nil {
		p.log.Info("summary: backup", "path", p.backupInfo.Path,
			"database_dumped", p.backupInfo.DatabaseDumped)
	}
	if p.envResult != nil {
		p.log.Info("summary: environment", "file", p.envResult.Path,
			"generated", len(p.envResult.Generated))
	}
	if p.report != nil {
		for _, r := range p.report.Results {
			p.log.Info("summary: service", "name", r.Name,
				"state", string(r.State), "attempts", r.Attempts)
		}
	}
	for _, w := range p.warnings {
		p.log.Warn("summary: warning", "detail", w)
	}
	return nil
}

// captureAppLogs tails the trader's recent log lines on verify failure.
func (p *DeployPipeline) captureAppLogs(ctx context.Context) {
	// Verification failed but the deploy context may still be live;
	// bound the log fetch on its own.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	lines, err := p.compose.TailLines(logCtx, p.cfg.Stack.AppService, verifyLogTail)
	if err != nil {
		p.log.Warn("could not fetch application logs", "error", err.Error())
		return
	}
	p.log.Error("application failed verification; recent logs follow",
		"service", p.cfg.Stack.AppService, "lines", verifyLogTail)
	for _, line := range strings.Split(strings.TrimRight(lines, "\n"), "\n") {
		p.log.Error("app: " + line)
	}
}
