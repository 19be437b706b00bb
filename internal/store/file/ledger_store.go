// Package file implements domain.LedgerStore as a single JSON document on
// local disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// LedgerStore writes the whole ledger to one JSON file. Writes go to a
// temporary file in the same directory that is then renamed over the
// target, so a crash leaves either the old or the new document.
type LedgerStore struct {
	path string
}

// NewLedgerStore creates a store at path, creating parent directories.
func NewLedgerStore(path string) (*LedgerStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file: create dir %s: %w", dir, err)
		}
	}
	return &LedgerStore{path: path}, nil
}

// Path returns the file location.
func (s *LedgerStore) Path() string { return s.path }

// Save replaces the stored ledger with state.
func (s *LedgerStore) Save(_ context.Context, state domain.LedgerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("file: marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("file: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("file: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("file: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("file: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("file: rename into place: %w", err)
	}
	return nil
}

// Load reads the stored ledger. It returns domain.ErrNotFound when the file
// does not exist yet.
func (s *LedgerStore) Load(_ context.Context) (domain.LedgerState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.LedgerState{}, fmt.Errorf("file: load %s: %w", s.path, domain.ErrNotFound)
		}
		return domain.LedgerState{}, fmt.Errorf("file: read ledger: %w", err)
	}

	var state domain.LedgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.LedgerState{}, fmt.Errorf("file: decode ledger: %w", err)
	}
	return state, nil
}

// Close is a no-op.
func (s *LedgerStore) Close() error { return nil }
