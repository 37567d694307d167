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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// DeployLocker defines the interface for deploy-run mutual exclusion.
//
// # Description
//
// DeployLocker prevents two deploy runs from mutating the same stack at the
// same time. The pipeline itself guarantees nothing across processes; races
// like one terminal running a deploy while another tears the stack down are
// only prevented by taking this lock first.
//
// # Thread Safety
//
// Implementations must be safe for use from a single goroutine. The lock
// provides inter-process synchronization, not intra-process.
type DeployLocker interface {
	// Acquire attempts to get an exclusive lock.
	// Returns nil if lock acquired, *LockHeldError if another run holds it.
	Acquire() error

	// Release releases the lock if held.
	// Safe to call multiple times or if lock was never acquired.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID of the process holding the lock.
	// Returns 0 if no process holds the lock or if unable to determine.
	HolderPID() int
}

// DeployLockConfig configures deploy lock behavior.
type DeployLockConfig struct {
	// LockDir is the directory for lock files.
	// Default: system temp directory
	LockDir string

	// LockName is the base name for lock files.
	// Default: "tradepilot"
	LockName string
}

// DefaultDeployLockConfig returns sensible defaults.
//
// # Description
//
// Uses the system temp directory and "tradepilot" as the lock name, which
// is writable on every supported platform.
func DefaultDeployLockConfig() DeployLockConfig {
	return DeployLockConfig{
		LockDir:  os.TempDir(),
		LockName: "tradepilot",
	}
}

// DeployLock implements DeployLocker using file-based locking.
//
// # Description
//
// Uses the flock(2) system call for advisory file locking. Guards against
// concurrent mutating runs such as:
//
//   - Terminal A: `tradepilot deploy` (waiting for postgres readiness)
//   - Terminal B: `tradepilot stack destroy` (removes the container A polls)
//
// # How It Works
//
//  1. Creates a lock file at {LockDir}/{LockName}.lock
//  2. Attempts exclusive flock on the file
//  3. Writes PID to {LockDir}/{LockName}.pid for debugging
//  4. On release, removes PID file and releases flock
//
// # Limitations
//
//   - Advisory lock only - other processes can ignore it if they don't check
//   - NFS and some network filesystems don't support flock properly
//   - The OS releases the flock if the process crashes without Release
//
// # Example
//
//	lock := NewDeployLock(DefaultDeployLockConfig())
//	if err := lock.Acquire(); err != nil {
//	    fmt.Fprintf(os.Stderr, "Error: %v\n", err)
//	    os.Exit(1)
//	}
//	defer lock.Release()
type DeployLock struct {
	config   DeployLockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewDeployLock creates a new deploy lock. Does not acquire it.
func NewDeployLock(config DeployLockConfig) *DeployLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "tradepilot"
	}

	return &DeployLock{
		config:   config,
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire attempts to get an exclusive lock.
//
// # Description
//
// Non-blocking flock. If another process holds the lock, returns a
// *LockHeldError carrying the holder PID when the PID file is readable.
func (p *DeployLock) Acquire() error {
	if p.held {
		return nil // Already held
	}

	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", p.lockPath, err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		f.Close()

		if err == syscall.EWOULDBLOCK {
			return &LockHeldError{
				HolderPID: p.readHolderPID(),
				LockPath:  p.lockPath,
			}
		}

		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	p.lockFile = f
	p.held = true

	// PID file is debugging aid only; lock is held regardless.
	_ = p.writePID()

	return nil
}

// Release releases the lock if held. Safe to call multiple times.
func (p *DeployLock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}

	os.Remove(p.pidPath)

	err := syscall.Flock(int(p.lockFile.Fd()), syscall.LOCK_UN)

	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	// Lock file is left in place for faster subsequent acquires.

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// IsHeld returns true if this instance currently holds the lock.
// Checks local state only; does not re-verify the flock.
func (p *DeployLock) IsHeld() bool {
	return p.held
}

// HolderPID returns the PID of the process holding the lock, or 0 if
// unknown. May return a stale PID if the holder crashed without cleanup.
func (p *DeployLock) HolderPID() int {
	return p.readHolderPID()
}

// LockPath returns the path to the lock file.
func (p *DeployLock) LockPath() string {
	return p.lockPath
}

func (p *DeployLock) writePID() error {
	content := fmt.Sprintf("%d\n", os.Getpid())
	return os.WriteFile(p.pidPath, []byte(content), 0644)
}

func (p *DeployLock) readHolderPID() int {
	data, err := os.ReadFile(p.pidPath)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	return pid
}

// LockHeldError is returned when the lock is held by another process.
type LockHeldError struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another tradepilot run is in progress (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another tradepilot run is in progress (check: lsof %s)", e.LockPath)
}

// Compile-time interface satisfaction check
var _ DeployLocker = (*DeployLock)(nil)
