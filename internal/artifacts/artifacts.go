// Package artifacts reads and writes the JSON files the daily pipeline
// leaves behind: the active watchlist, per-batch outputs and the final
// selection snapshot. Writes are atomic (temp sibling + rename) so a
// crash never leaves a half-written file for the recovery scan to read.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store resolves artifact paths under the configured data root.
type Store struct {
	root string
}

// NewStore creates a store rooted at dataRoot.
func NewStore(dataRoot string) *Store {
	return &Store{root: dataRoot}
}

// Root returns the data root directory.
func (s *Store) Root() string { return s.root }

// WatchlistPath is the current active watchlist snapshot.
func (s *Store) WatchlistPath() string {
	return filepath.Join(s.root, "watchlist", "watchlist.json")
}

// SelectionDir holds one trading day's batch and selection artifacts.
func (s *Store) SelectionDir(day string) string {
	return filepath.Join(s.root, "daily_selection", day)
}

// BatchPath is the artifact of one scoring batch. Batch ids are zero
// padded so a directory listing sorts in execution order.
func (s *Store) BatchPath(day string, id int) string {
	return filepath.Join(s.SelectionDir(day), fmt.Sprintf("batch_%02d.json", id))
}

// SelectionPath is the final daily selection snapshot.
func (s *Store) SelectionPath(day string) string {
	return filepath.Join(s.SelectionDir(day), "selection.json")
}

// DrawdownPath is the drawdown monitor's persisted peak-and-level state.
func (s *Store) DrawdownPath() string {
	return filepath.Join(s.root, "risk", "drawdown.json")
}

// CircuitBreakerPath is the circuit breaker's persisted trip state.
func (s *Store) CircuitBreakerPath() string {
	return filepath.Join(s.root, "risk", "circuit_breaker.json")
}

// PositionsPath is the engine's persisted position book, carrying the stop
// levels and holding clocks the broker does not.
func (s *Store) PositionsPath() string {
	return filepath.Join(s.root, "engine", "positions.json")
}

// Write marshals v and atomically replaces path with it.
func Write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding artifact %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing artifact: %w", err)
	}
	return nil
}

// Read unmarshals path into dest. A missing file surfaces as os.ErrNotExist.
func Read(path string, dest any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decoding artifact %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Exists reports whether an artifact is present. Used by startup recovery
// to decide which pipeline stages already ran today.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
