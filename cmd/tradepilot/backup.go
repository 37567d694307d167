package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
)

// backupDirPrefix names backup directories: backup_<timestamp>.
const backupDirPrefix = "backup_"

// backupTimeFormat is the timestamp format in backup directory names.
const backupTimeFormat = "2006-01-02_150405"

// dumpFileName is the database dump file inside a backup directory.
const dumpFileName = "database.sql"

// StackBackupManager defines pre-deploy backup operations.
//
// # Description
//
// StackBackupManager snapshots the deployable state before each deploy:
// a database dump, the environment file, and the application logs.
// Each backup lands in its own timestamped directory so a failed deploy
// can be investigated or rolled back from a known-good snapshot.
//
// # Thread Safety
//
// Implementations should be safe for concurrent use.
type StackBackupManager interface {
	// CreateBackup creates a new timestamped backup directory.
	CreateBackup(ctx context.Context) (*StackBackupInfo, error)

	// ListBackups returns all backups, newest first.
	ListBackups() ([]StackBackupInfo, error)

	// CleanOldBackups removes backups beyond the retention limit.
	// Returns the number of backups removed.
	CleanOldBackups() (int, error)
}

// StackBackupInfo contains information about one backup.
type StackBackupInfo struct {
	// Path is the full path to the backup directory.
	Path string

	// CreatedAt is when the backup was created.
	CreatedAt time.Time

	// DatabaseDumped is true if a database dump was captured.
	DatabaseDumped bool

	// LogsCopied is true if application logs were captured.
	LogsCopied bool

	// Size is the total size of the backup in bytes.
	Size int64

	// Warnings lists non-fatal problems hit while backing up.
	Warnings []string
}

// StackBackupConfig configures backup behavior.
type StackBackupConfig struct {
	// Root is the directory that holds backup directories.
	Root string

	// MaxBackups is the number of backups to retain. Default: 10.
	MaxBackups int

	// DatabaseService is the compose service to dump.
	DatabaseService string

	// DatabaseName is the database to dump.
	DatabaseName string

	// DatabaseUser is the user for pg_dump.
	DatabaseUser string

	// EnvFile is the environment file to snapshot (may be empty).
	EnvFile string

	// LogDir is the application log directory to snapshot (may be empty).
	LogDir string
}

// DefaultStackBackupManager implements StackBackupManager.
//
// # Description
//
// Creates timestamped backup directories under the configured root.
// The database dump runs inside the postgres container via pg_dump
// and is written through a temporary file so an interrupted deploy
// never leaves a partial database.sql behind. Environment file and
// log copies are best-effort: their failure is recorded as a warning,
// not an error.
//
// # Limitations
//
//   - The database dump is skipped when the postgres container is
//     not running (first deploy, stopped stack)
//   - Very large log directories may take time to copy
//
// # Assumptions
//
//   - Sufficient disk space under Root
//   - pg_dump is available inside the database container
//
// # Example
//
//	mgr := NewStackBackupManager(cfg, composeExec)
//	info, err := mgr.CreateBackup(ctx)
//	if err != nil {
//	    return err
//	}
//	log.Printf("backup created at %s", info.Path)
type DefaultStackBackupManager struct {
	config  StackBackupConfig
	compose compose.ComposeExecutor
	nowFn   func() time.Time
	mu      sync.Mutex
}

// NewStackBackupManager creates a new backup manager.
func NewStackBackupManager(config StackBackupConfig, composeExec compose.ComposeExecutor) *DefaultStackBackupManager {
	if config.MaxBackups <= 0 {
		config.MaxBackups = 10
	}
	return &DefaultStackBackupManager{
		config:  config,
		compose: composeExec,
		nowFn:   time.Now,
	}
}

// CreateBackup creates a new timestamped backup directory.
//
// # Description
//
// Creates backup_<timestamp> under the configured root. When two
// backups land in the same second, a numeric suffix keeps the
// directory names unique (backup_..._2, backup_..._3). Captures the
// database dump, the environment file, and the application logs, then
// rotates backups beyond the retention limit.
//
// # Outputs
//
//   - *StackBackupInfo: The created backup with capture flags and any
//     warnings from best-effort steps.
//   - error: Non-nil only if the backup directory itself could not be
//     created or the context was cancelled.
func (m *DefaultStackBackupManager) CreateBackup(ctx context.Context) (*StackBackupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.config.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup root %s: %w", m.config.Root, err)
	}

	createdAt := m.nowFn()
	dir, err := m.createUniqueDir(createdAt)
	if err != nil {
		return nil, err
	}

	info := &StackBackupInfo{
		Path:      dir,
		CreatedAt: createdAt,
	}

	if err := ctx.Err(); err != nil {
		return info, fmt.Errorf("backup interrupted: %w", err)
	}

	if derr := m.dumpDatabase(ctx, dir); derr != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("database dump skipped: %v", derr))
	} else {
		info.DatabaseDumped = true
	}

	if m.config.EnvFile != "" {
		if cerr := copyFile(m.config.EnvFile, filepath.Join(dir, filepath.Base(m.config.EnvFile))); cerr != nil {
			if !os.IsNotExist(cerr) {
				info.Warnings = append(info.Warnings, fmt.Sprintf("env file copy failed: %v", cerr))
			}
		}
	}

	if m.config.LogDir != "" {
		if lerr := copyDir(m.config.LogDir, filepath.Join(dir, "logs")); lerr != nil {
			if !os.IsNotExist(lerr) {
				info.Warnings = append(info.Warnings, fmt.Sprintf("log copy failed: %v", lerr))
			}
		} else {
			info.LogsCopied = true
		}
	}

	info.Size = dirSize(dir)

	if _, rerr := m.cleanOldBackupsLocked(); rerr != nil {
		// Rotation failure never fails the backup itself
		info.Warnings = append(info.Warnings, fmt.Sprintf("rotation failed: %v", rerr))
	}

	return info, nil
}

// ListBackups returns all backups, newest first.
func (m *DefaultStackBackupManager) ListBackups() ([]StackBackupInfo, error) {
	entries, err := os.ReadDir(m.config.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup root: %w", err)
	}

	var backups []StackBackupInfo
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), backupDirPrefix) {
			continue
		}

		createdAt, ok := parseBackupTimestamp(entry.Name())
		if !ok {
			continue
		}

		path := filepath.Join(m.config.Root, entry.Name())
		backups = append(backups, StackBackupInfo{
			Path:           path,
			CreatedAt:      createdAt,
			DatabaseDumped: fileExists(filepath.Join(path, dumpFileName)),
			LogsCopied:     fileExists(filepath.Join(path, "logs")),
			Size:           dirSize(path),
		})
	}

	// Newest first; directory name breaks same-second ties
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].Path > backups[j].Path
		}
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// CleanOldBackups removes backups beyond the retention limit.
func (m *DefaultStackBackupManager) CleanOldBackups() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanOldBackupsLocked()
}

// =============================================================================
// Private Helpers
// =============================================================================

// createUniqueDir creates the backup directory, appending a numeric
// suffix when another backup already claimed this second.
func (m *DefaultStackBackupManager) createUniqueDir(createdAt time.Time) (string, error) {
	base := filepath.Join(m.config.Root, backupDirPrefix+createdAt.Format(backupTimeFormat))

	candidate := base
	for i := 2; ; i++ {
		err := os.Mkdir(candidate, 0755)
		if err == nil {
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create backup directory %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
}

// dumpDatabase runs pg_dump inside the database container, writing
// through a temp file so interruption never leaves a partial dump.
func (m *DefaultStackBackupManager) dumpDatabase(ctx context.Context, dir string) error {
	if m.compose == nil || m.config.DatabaseService == "" {
		return fmt.Errorf("no database configured")
	}

	running, err := m.isDatabaseRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("database container not running")
	}

	tmp, err := os.CreateTemp(dir, "dump-*.sql.tmp")
	if err != nil {
		return fmt.Errorf("failed to create dump temp file: %w", err)
	}
	tmpName := tmp.Name()

	execErr := m.compose.ExecStreaming(ctx, compose.ExecOptions{
		Service: m.config.DatabaseService,
		Command: []string{
			"pg_dump",
			"-U", m.config.DatabaseUser,
			"--no-owner",
			m.config.DatabaseName,
		},
	}, tmp)
	closeErr := tmp.Close()

	if execErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pg_dump failed: %w", execErr)
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize dump: %w", closeErr)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, dumpFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize dump: %w", err)
	}
	return nil
}

// isDatabaseRunning checks the compose status for the database service.
func (m *DefaultStackBackupManager) isDatabaseRunning(ctx context.Context) (bool, error) {
	status, err := m.compose.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to query stack status: %w", err)
	}
	for _, svc := range status.Services {
		if svc.Name == m.config.DatabaseService && svc.State == "running" {
			return true, nil
		}
	}
	return false, nil
}

// cleanOldBackupsLocked removes backups beyond MaxBackups. Caller holds mu.
func (m *DefaultStackBackupManager) cleanOldBackupsLocked() (int, error) {
	backups, err := m.ListBackups()
	if err != nil {
		return 0, err
	}
	if len(backups) <= m.config.MaxBackups {
		return 0, nil
	}

	removed := 0
	// List is sorted newest first
	for i := m.config.MaxBackups; i < len(backups); i++ {
		if err := os.RemoveAll(backups[i].Path); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

// parseBackupTimestamp extracts the creation time from a backup
// directory name, tolerating the same-second numeric suffix.
func parseBackupTimestamp(name string) (time.Time, bool) {
	stamp := strings.TrimPrefix(name, backupDirPrefix)

	if t, err := time.Parse(backupTimeFormat, stamp); err == nil {
		return t, true
	}

	// backup_<timestamp>_<n>
	idx := strings.LastIndex(stamp, "_")
	if idx > 0 {
		if _, err := strconv.Atoi(stamp[idx+1:]); err == nil {
			if t, perr := time.Parse(backupTimeFormat, stamp[:idx]); perr == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// copyFile copies src to dst preserving the source mode.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to create copy: %w", err)
	}
	defer dstFile.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := srcFile.Read(buf)
		if n > 0 {
			if _, werr := dstFile.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write copy: %w", werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			// A truncated copy must not look like a good one.
			return fmt.Errorf("failed to read source: %w", rerr)
		}
	}
}

// copyDir recursively copies src into dst.
func copyDir(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		rel, rerr := filepath.Rel(src, path)
		if rerr != nil {
			return rerr
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

// dirSize sums the file sizes under a directory. Best effort.
func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// fileExists reports whether a path exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockStackBackupManager is a mock implementation for testing.
type MockStackBackupManager struct {
	CreateBackupFunc    func(ctx context.Context) (*StackBackupInfo, error)
	ListBackupsFunc     func() ([]StackBackupInfo, error)
	CleanOldBackupsFunc func() (int, error)

	CreateBackupCalls    int
	ListBackupsCalls     int
	CleanOldBackupsCalls int
	mu                   sync.Mutex
}

// CreateBackup implements StackBackupManager for MockStackBackupManager.
func (m *MockStackBackupManager) CreateBackup(ctx context.Context) (*StackBackupInfo, error) {
	m.mu.Lock()
	m.CreateBackupCalls++
	m.mu.Unlock()

	if m.CreateBackupFunc != nil {
		return m.CreateBackupFunc(ctx)
	}
	return &StackBackupInfo{Path: "/tmp/backup_test", CreatedAt: time.Now()}, nil
}

// ListBackups implements StackBackupManager for MockStackBackupManager.
func (m *MockStackBackupManager) ListBackups() ([]StackBackupInfo, error) {
	m.mu.Lock()
	m.ListBackupsCalls++
	m.mu.Unlock()

	if m.ListBackupsFunc != nil {
		return m.ListBackupsFunc()
	}
	return nil, nil
}

// CleanOldBackups implements StackBackupManager for MockStackBackupManager.
func (m *MockStackBackupManager) CleanOldBackups() (int, error) {
	m.mu.Lock()
	m.CleanOldBackupsCalls++
	m.mu.Unlock()

	if m.CleanOldBackupsFunc != nil {
		return m.CleanOldBackupsFunc()
	}
	return 0, nil
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var _ StackBackupManager = (*DefaultStackBackupManager)(nil)
var _ StackBackupManager = (*MockStackBackupManager)(nil)
