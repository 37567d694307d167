package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

// envPlaceholder is the sentinel value marking a secret that must be
// generated before the stack can start.
const envPlaceholder = "CHANGE_ME"

// envSecretBytes is the number of random bytes per generated secret.
// Hex-encoded this yields 64 characters (256 bits of entropy).
const envSecretBytes = 32

// ErrEnvFileCreated is returned when the env file did not exist and a
// template was written. The operator must review it before deploying.
var ErrEnvFileCreated = fmt.Errorf("environment file created from template")

// defaultEnvTemplate is written when no env file exists. Placeholder
// values are replaced with generated secrets on the next resolve.
const defaultEnvTemplate = `# Trading stack environment.
# Values set to CHANGE_ME are generated automatically on deploy.

POSTGRES_USER=postgres
POSTGRES_DB=condition_task_list_trader
POSTGRES_PASSWORD=CHANGE_ME

SECRET_KEY=CHANGE_ME

GF_SECURITY_ADMIN_USER=admin
GF_SECURITY_ADMIN_PASSWORD=CHANGE_ME
`

// =============================================================================
// INTERFACES
// =============================================================================

// EnvResolver prepares the stack's environment file for deployment.
//
// # Description
//
// Reads the stack's .env file, replaces every CHANGE_ME placeholder
// with a freshly generated 256-bit secret, and rewrites the file
// atomically. Resolution is idempotent: values that are already set
// are never touched, so repeated deploys keep stable credentials.
//
// # Example
//
//	resolver := NewDefaultEnvResolver(filepath.Join(stackDir, ".env"))
//	result, err := resolver.Resolve()
//	if err != nil {
//	    return err
//	}
//	for _, key := range result.Generated {
//	    log.Printf("generated secret for %s", key)
//	}
//
// # Limitations
//
//   - Only exact CHANGE_ME values are treated as placeholders
//   - Multi-line values are not supported (one KEY=VALUE per line)
type EnvResolver interface {
	// Resolve processes the env file and returns the resolved variables.
	//
	// # Outputs
	//
	//   - *EnvResolveResult: Resolved variables and generated key names.
	//   - error: ErrEnvFileCreated if the file had to be created from
	//     the template, or I/O errors.
	Resolve() (*EnvResolveResult, error)
}

// EnvResolveResult contains the outcome of resolving an env file.
type EnvResolveResult struct {
	// Path is the env file that was processed.
	Path string

	// Generated lists keys whose placeholder values were replaced.
	Generated []string

	// Created is true if the file was materialized from the template.
	Created bool

	// Vars holds the resolved environment, with secrets marked sensitive.
	Vars *EnvVars
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultEnvResolver implements EnvResolver against the filesystem.
//
// The random source is injectable for tests.
type DefaultEnvResolver struct {
	path     string
	template string
	randRead func(b []byte) (int, error)
	mu       sync.Mutex
}

// NewDefaultEnvResolver creates a resolver for the given env file path.
func NewDefaultEnvResolver(path string) *DefaultEnvResolver {
	return &DefaultEnvResolver{
		path:     path,
		template: defaultEnvTemplate,
		randRead: rand.Read,
	}
}

// Resolve processes the env file and returns the resolved variables.
//
// # Description
//
// If the file does not exist, writes the default template and returns
// ErrEnvFileCreated so the deploy stops for operator review. Otherwise
// scans each KEY=VALUE line, replaces CHANGE_ME values with generated
// secrets, and rewrites the file atomically (temp file + rename, mode
// 0600) only when something changed. Comments, blank lines, and line
// order are preserved.
func (r *DefaultEnvResolver) Resolve() (*EnvResolveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &EnvResolveResult{Path: r.path}

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		if werr := r.writeAtomic([]byte(r.template)); werr != nil {
			return nil, fmt.Errorf("failed to create environment file %s: %w", r.path, werr)
		}
		result.Created = true
		return result, fmt.Errorf("%w: %s - review it and run deploy again", ErrEnvFileCreated, r.path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read environment file %s: %w", r.path, err)
	}

	lines := strings.Split(string(data), "\n")
	vars := EmptyEnvVars()
	changed := false

	for i, line := range lines {
		key, value, ok := parseEnvLine(line)
		if !ok {
			continue
		}
		if value == envPlaceholder {
			secret, gerr := r.generateSecret()
			if gerr != nil {
				return nil, fmt.Errorf("failed to generate secret for %s: %w", key, gerr)
			}
			lines[i] = fmt.Sprintf("%s=%s", key, secret)
			value = secret
			result.Generated = append(result.Generated, key)
			changed = true
		}
		if aerr := vars.Add(key, value, isSensitiveKey(key)); aerr != nil {
			return nil, fmt.Errorf("invalid entry on line %d of %s: %w", i+1, r.path, aerr)
		}
	}

	if changed {
		if werr := r.writeAtomic([]byte(strings.Join(lines, "\n"))); werr != nil {
			return nil, fmt.Errorf("failed to rewrite environment file %s: %w", r.path, werr)
		}
	}

	result.Vars = vars
	return result, nil
}

// generateSecret returns a hex-encoded 256-bit random value.
func (r *DefaultEnvResolver) generateSecret() (string, error) {
	b := make([]byte, envSecretBytes)
	if _, err := r.randRead(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// writeAtomic writes content to the env file via temp file + rename so
// a crash mid-write never leaves a truncated file. Mode 0600 because
// the file holds credentials.
func (r *DefaultEnvResolver) writeAtomic(content []byte) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".env-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// parseEnvLine splits a KEY=VALUE line. Returns ok=false for blank
// lines, comments, and lines without '='. The export prefix used by
// some shells is tolerated.
func parseEnvLine(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")

	idx := strings.Index(trimmed, "=")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(trimmed[:idx])
	value = strings.TrimSpace(trimmed[idx+1:])
	if !envVarKeyPattern.MatchString(key) {
		return "", "", false
	}
	return key, value, true
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockEnvResolver is a mock implementation for testing.
type MockEnvResolver struct {
	ResolveFunc func() (*EnvResolveResult, error)

	ResolveCalls int
	mu           sync.Mutex
}

// Resolve implements EnvResolver for MockEnvResolver.
func (m *MockEnvResolver) Resolve() (*EnvResolveResult, error) {
	m.mu.Lock()
	m.ResolveCalls++
	m.mu.Unlock()

	if m.ResolveFunc != nil {
		return m.ResolveFunc()
	}
	return &EnvResolveResult{Vars: EmptyEnvVars()}, nil
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var _ EnvResolver = (*DefaultEnvResolver)(nil)
var _ EnvResolver = (*MockEnvResolver)(nil)
