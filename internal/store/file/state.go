package file

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/chatweave/internal/thread"
)

// StateStore snapshots the per-channel thread tables to a single JSON file.
// Writes are atomic (temp file + rename) so a crash mid-save never leaves a
// truncated snapshot behind.
type StateStore struct {
	path string
}

// NewStateStore creates a store writing to path. A leading "~/" expands to
// the user's home directory.
func NewStateStore(path string) (*StateStore, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, err
	}
	return &StateStore{path: expanded}, nil
}

type snapshot struct {
	Version  int                      `json:"version"`
	Channels map[string]*thread.Table `json:"channels"`
}

// Load reads the snapshot. A missing file is an empty state, not an error.
func (s *StateStore) Load() (map[string]*thread.Table, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*thread.Table{}, nil
		}
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Channels == nil {
		snap.Channels = map[string]*thread.Table{}
	}
	return snap.Channels, nil
}

// Save writes the snapshot atomically.
func (s *StateStore) Save(tables map[string]*thread.Table) error {
	data, err := json.MarshalIndent(snapshot{Version: 1, Channels: tables}, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), "state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
