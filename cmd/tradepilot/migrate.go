package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
)

// ErrMigrationFailed is returned when a migration statement fails.
var ErrMigrationFailed = fmt.Errorf("migration failed")

// baselineSchema is the idempotent schema for the trader database.
// Every statement uses IF NOT EXISTS so repeated deploys are no-ops.
const baselineSchema = `
CREATE TABLE IF NOT EXISTS task_lists (
    id          SERIAL PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tasks (
    id            SERIAL PRIMARY KEY,
    task_list_id  INTEGER NOT NULL REFERENCES task_lists(id) ON DELETE CASCADE,
    symbol        TEXT NOT NULL,
    action        TEXT NOT NULL,
    quantity      NUMERIC(18,8) NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conditions (
    id          SERIAL PRIMARY KEY,
    task_id     INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    kind        TEXT NOT NULL,
    operator    TEXT NOT NULL,
    threshold   NUMERIC(18,8) NOT NULL,
    met_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS executions (
    id           SERIAL PRIMARY KEY,
    task_id      INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    executed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    fill_price   NUMERIC(18,8),
    detail       TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_conditions_task_id ON conditions (task_id);
CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions (task_id);
`

// MigrationApplier applies database schema migrations.
//
// # Description
//
// Applies the baseline schema and any migration files to the trader
// database. SQL is piped to psql running inside the postgres container
// with ON_ERROR_STOP so a failing statement aborts the migration with
// a non-zero exit code instead of silently continuing.
//
// # Example
//
//	applier := NewMigrationApplier(cfg, composeExec, migrationsDir)
//	result, err := applier.Apply(ctx)
//	if err != nil {
//	    return fmt.Errorf("schema migration failed: %w", err)
//	}
//	log.Printf("applied %d migration(s)", len(result.Applied))
type MigrationApplier interface {
	// Apply runs the baseline schema plus any pending migration files.
	Apply(ctx context.Context) (*MigrationResult, error)
}

// MigrationResult contains the outcome of a migration run.
type MigrationResult struct {
	// Applied lists what was applied: "baseline" plus file names.
	Applied []string

	// Duration is the total migration time.
	Duration time.Duration
}

// DefaultMigrationApplier implements MigrationApplier via psql inside
// the database container.
//
// # Limitations
//
//   - No migration version tracking; files must be idempotent
//   - Files are applied in lexical order
type DefaultMigrationApplier struct {
	service       string
	database      string
	user          string
	migrationsDir string
	compose       compose.ComposeExecutor
}

// NewMigrationApplier creates a migration applier.
//
// migrationsDir may be empty; then only the baseline schema is applied.
func NewMigrationApplier(service, database, user, migrationsDir string, composeExec compose.ComposeExecutor) *DefaultMigrationApplier {
	return &DefaultMigrationApplier{
		service:       service,
		database:      database,
		user:          user,
		migrationsDir: migrationsDir,
		compose:       composeExec,
	}
}

// Apply runs the baseline schema plus any pending migration files.
func (a *DefaultMigrationApplier) Apply(ctx context.Context) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{}

	if err := a.applySQL(ctx, baselineSchema); err != nil {
		return result, fmt.Errorf("baseline schema: %w", err)
	}
	result.Applied = append(result.Applied, "baseline")

	files, err := a.migrationFiles()
	if err != nil {
		return result, err
	}

	for _, file := range files {
		data, rerr := os.ReadFile(file)
		if rerr != nil {
			return result, fmt.Errorf("failed to read migration %s: %w", file, rerr)
		}
		if aerr := a.applySQL(ctx, string(data)); aerr != nil {
			return result, fmt.Errorf("migration %s: %w", filepath.Base(file), aerr)
		}
		result.Applied = append(result.Applied, filepath.Base(file))
	}

	result.Duration = time.Since(start)
	return result, nil
}

// applySQL pipes SQL into psql with ON_ERROR_STOP enabled.
func (a *DefaultMigrationApplier) applySQL(ctx context.Context, sql string) error {
	execResult, err := a.compose.Exec(ctx, compose.ExecOptions{
		Service: a.service,
		Command: []string{
			"psql",
			"-v", "ON_ERROR_STOP=1",
			"-U", a.user,
			"-d", a.database,
		},
		Stdin: strings.NewReader(sql),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	if execResult.ExitCode != 0 {
		return fmt.Errorf("%w: psql exited with code %d: %s",
			ErrMigrationFailed, execResult.ExitCode, strings.TrimSpace(execResult.Stderr))
	}
	return nil
}

// migrationFiles returns the *.sql files in the migrations directory,
// sorted lexically. Missing directory means no extra migrations.
func (a *DefaultMigrationApplier) migrationFiles() ([]string, error) {
	if a.migrationsDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(a.migrationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(a.migrationsDir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// MockMigrationApplier is a mock implementation for testing.
type MockMigrationApplier struct {
	ApplyFunc func(ctx context.Context) (*MigrationResult, error)

	ApplyCalls int
	mu         sync.Mutex
}

// Apply implements MigrationApplier for MockMigrationApplier.
func (m *MockMigrationApplier) Apply(ctx context.Context) (*MigrationResult, error) {
	m.mu.Lock()
	m.ApplyCalls++
	m.mu.Unlock()

	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx)
	}
	return &MigrationResult{Applied: []string{"baseline"}}, nil
}

// Compile-time interface checks
var _ MigrationApplier = (*DefaultMigrationApplier)(nil)
var _ MigrationApplier = (*MockMigrationApplier)(nil)
