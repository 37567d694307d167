package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/TradePilot/cmd/tradepilot/internal/infra/compose"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// createTestBackupManager wires a backup manager against a temp root
// and a stub compose with a running postgres.
func createTestBackupManager(t *testing.T, composeExec *stubComposeExecutor) (*DefaultStackBackupManager, string) {
	t.Helper()
	root := t.TempDir()

	if composeExec == nil {
		composeExec = &stubComposeExecutor{
			StatusFunc: func(ctx context.Context) (*compose.ComposeStatus, error) {
				return runningPostgresStatus(), nil
			},
			ExecStreamingFunc: func(ctx context.Context, opts compose.ExecOptions, w io.Writer) error {
				fmt.Fprintln(w, "-- PostgreSQL database dump")
				return nil
			},
		}
	}

	mgr := NewStackBackupManager(StackBackupConfig{
		Root:            root,
		MaxBackups:      10,
		DatabaseService: "postgres",
		DatabaseName:    "condition_task_list_trader",
		DatabaseUser:    "postgres",
	}, composeExec)
	return mgr, root
}

// =============================================================================
// UNIT TESTS: CreateBackup
// =============================================================================

// TestCreateBackup_DumpsDatabase verifies the dump lands as database.sql.
func TestCreateBackup_DumpsDatabase(t *testing.T) {
	mgr, _ := createTestBackupManager(t, nil)

	info, err := mgr.CreateBackup(context.Background())

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !info.DatabaseDumped {
		t.Error("expected database to be dumped")
	}
	data, rerr := os.ReadFile(filepath.Join(info.Path, dumpFileName))
	if rerr != nil {
		t.Fatalf("expected dump file, got: %v", rerr)
	}
	if !strings.Contains(string(data), "PostgreSQL database dump") {
		t.Errorf("unexpected dump content: %s", data)
	}
}

// TestCreateBackup_SameSecondGetsSuffix verifies two backups in the
// same second produce distinct directories.
func TestCreateBackup_SameSecondGetsSuffix(t *testing.T) {
	mgr, root := createTestBackupManager(t, nil)

	fixed := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	mgr.nowFn = func() time.Time { return fixed }

	first, err := mgr.CreateBackup(context.Background())
	if err != nil {
		t.Fatalf("first backup: %v", err)
	}
	second, err := mgr.CreateBackup(context.Background())
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}
	third, err := mgr.CreateBackup(context.Background())
	if err != nil {
		t.Fatalf("third backup: %v", err)
	}

	stamp := backupDirPrefix + fixed.Format(backupTimeFormat)
	if first.Path != filepath.Join(root, stamp) {
		t.Errorf("unexpected first path: %s", first.Path)
	}
	if second.Path != filepath.Join(root, stamp+"_2") {
		t.Errorf("expected _2 suffix, got: %s", second.Path)
	}
	if third.Path != filepath.Join(root, stamp+"_3") {
		t.Errorf("expected _3 suffix, got: %s", third.Path)
	}
}

// TestCreateBackup_DatabaseDownIsWarning verifies the backup still
// succeeds without a running database.
func TestCreateBackup_DatabaseDownIsWarning(t *testing.T) {
	composeExec := &stubComposeExecutor{
		StatusFunc: func(ctx context.Context) (*compose.ComposeStatus, error) {
			return &compose.ComposeStatus{}, nil
		},
	}
	mgr, _ := createTestBackupManager(t, composeExec)

	info, err := mgr.CreateBackup(context.Background())

	if err != nil {
		t.Fatalf("expected no error for stopped database, got: %v", err)
	}
	if info.DatabaseDumped {
		t.Error("expected no dump when database is down")
	}
	if len(info.Warnings) == 0 {
		t.Error("expected a warning about the skipped dump")
	}
	if fileExists(filepath.Join(info.Path, dumpFileName)) {
		t.Error("expected no dump file")
	}
}

// TestCreateBackup_FailedDumpLeavesNoPartialFile verifies an
// interrupted pg_dump never leaves database.sql behind.
func TestCreateBackup_FailedDumpLeavesNoPartialFile(t *testing.T) {
	composeExec := &stubComposeExecutor{
		StatusFunc: func(ctx context.Context) (*compose.ComposeStatus, error) {
			return runningPostgresStatus(), nil
		},
		ExecStreamingFunc: func(ctx context.Context, opts compose.ExecOptions, w io.Writer) error {
			// Partial output before the failure
			fmt.Fprintln(w, "-- PostgreSQL database dump")
			return fmt.Errorf("connection reset")
		},
	}
	mgr, _ := createTestBackupManager(t, composeExec)

	info, err := mgr.CreateBackup(context.Background())

	if err != nil {
		t.Fatalf("dump failure must degrade to a warning, got: %v", err)
	}
	if info.DatabaseDumped {
		t.Error("expected DatabaseDumped false")
	}
	if fileExists(filepath.Join(info.Path, dumpFileName)) {
		t.Error("expected no partial database.sql")
	}
	entries, _ := os.ReadDir(info.Path)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("expected temp file to be removed, found %s", e.Name())
		}
	}
}

// TestCreateBackup_CopiesEnvFile verifies the env file snapshot.
func TestCreateBackup_CopiesEnvFile(t *testing.T) {
	mgr, _ := createTestBackupManager(t, nil)
	envPath := filepath.Join(t.TempDir(), ".env")
	writeTestFile(t, envPath, "POSTGRES_USER=postgres\n")
	mgr.config.EnvFile = envPath

	info, err := mgr.CreateBackup(context.Background())

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	copied := filepath.Join(info.Path, ".env")
	data, rerr := os.ReadFile(copied)
	if rerr != nil {
		t.Fatalf("expected env file copy, got: %v", rerr)
	}
	if string(data) != "POSTGRES_USER=postgres\n" {
		t.Errorf("unexpected copy content: %s", data)
	}
}

// TestCreateBackup_CancelledContext verifies interruption aborts before
// any capture work.
func TestCreateBackup_CancelledContext(t *testing.T) {
	mgr, _ := createTestBackupManager(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	info, err := mgr.CreateBackup(ctx)

	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if info == nil {
		t.Fatal("expected partial info with the created directory")
	}
	if fileExists(filepath.Join(info.Path, dumpFileName)) {
		t.Error("expected no dump after cancellation")
	}
}

// =============================================================================
// UNIT TESTS: ListBackups and rotation
// =============================================================================

// TestListBackups_NewestFirst verifies ordering including same-second
// suffixed directories.
func TestListBackups_NewestFirst(t *testing.T) {
	mgr, root := createTestBackupManager(t, nil)

	for _, name := range []string{
		"backup_2026-08-27_090000",
		"backup_2026-08-29_120000",
		"backup_2026-08-29_120000_2",
		"backup_2026-08-28_100000",
	} {
		if err := os.Mkdir(filepath.Join(root, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	backups, err := mgr.ListBackups()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(backups) != 4 {
		t.Fatalf("expected 4 backups, got %d", len(backups))
	}

	var names []string
	for _, b := range backups {
		names = append(names, filepath.Base(b.Path))
	}
	want := []string{
		"backup_2026-08-29_120000_2",
		"backup_2026-08-29_120000",
		"backup_2026-08-28_100000",
		"backup_2026-08-27_090000",
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

// TestListBackups_IgnoresForeignDirectories verifies non-backup entries
// are skipped.
func TestListBackups_IgnoresForeignDirectories(t *testing.T) {
	mgr, root := createTestBackupManager(t, nil)

	os.Mkdir(filepath.Join(root, "backup_2026-08-29_120000"), 0755)
	os.Mkdir(filepath.Join(root, "not-a-backup"), 0755)
	os.Mkdir(filepath.Join(root, "backup_garbage"), 0755)
	os.WriteFile(filepath.Join(root, "backup_2026-08-29_130000"), []byte("file, not dir"), 0644)

	backups, err := mgr.ListBackups()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("expected 1 backup, got %d", len(backups))
	}
}

// TestCleanOldBackups_RespectsRetention verifies only the newest
// MaxBackups survive.
func TestCleanOldBackups_RespectsRetention(t *testing.T) {
	mgr, root := createTestBackupManager(t, nil)
	mgr.config.MaxBackups = 2

	for day := 20; day <= 24; day++ {
		name := fmt.Sprintf("backup_2026-08-%d_090000", day)
		if err := os.Mkdir(filepath.Join(root, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := mgr.CleanOldBackups()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}

	remaining, _ := mgr.ListBackups()
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(remaining))
	}
	if filepath.Base(remaining[0].Path) != "backup_2026-08-24_090000" {
		t.Errorf("expected newest kept, got %s", remaining[0].Path)
	}
}

// TestCopyFile_ReadErrorPropagates verifies a mid-copy read failure is
// reported instead of yielding a silently truncated copy. Reading from
// a directory fd fails after open, which exercises exactly that path.
func TestCopyFile_ReadErrorPropagates(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out")

	err := copyFile(t.TempDir(), dst)
	if err == nil {
		t.Fatal("expected read error to propagate")
	}
	if !strings.Contains(err.Error(), "failed to read source") {
		t.Errorf("expected read failure in error, got: %v", err)
	}
}

// TestParseBackupTimestamp covers plain and suffixed names.
func TestParseBackupTimestamp(t *testing.T) {
	tests := []struct {
		name   string
		wantOK bool
	}{
		{"backup_2026-08-29_120000", true},
		{"backup_2026-08-29_120000_2", true},
		{"backup_2026-08-29_120000_17", true},
		{"backup_garbage", false},
		{"backup_2026-08-29", false},
	}

	for _, tt := range tests {
		_, ok := parseBackupTimestamp(tt.name)
		if ok != tt.wantOK {
			t.Errorf("%s: expected ok=%v, got %v", tt.name, tt.wantOK, ok)
		}
	}
}
