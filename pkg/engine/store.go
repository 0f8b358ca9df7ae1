package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Store.Load when no state is persisted for
// the workflow identity.
var ErrNotFound = errors.New("run state not found")

// Store persists run state. Save must be atomic: a reader never
// observes a partially written state. One active engine per workflow
// identity is the caller's responsibility; the store does not lock.
type Store interface {
	Save(state *RunState) error
	Load(workflowID string) (*RunState, error)
}

// FileStore keeps one JSON state file per workflow identity under Dir.
// Writes go to a temp file in the same directory and are renamed into
// place, so readers see either the old state or the new one.
type FileStore struct {
	Dir string
}

func (fs FileStore) path(workflowID string) string {
	return filepath.Join(fs.Dir, sanitizeID(workflowID)+".json")
}

func (fs FileStore) Save(state *RunState) error {
	if err := os.MkdirAll(fs.Dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	tmp, err := os.CreateTemp(fs.Dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write run state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, fs.path(state.WorkflowID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("swap run state: %w", err)
	}
	return nil
}

func (fs FileStore) Load(workflowID string) (*RunState, error) {
	data, err := os.ReadFile(fs.path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	return &state, nil
}

// sanitizeID maps a workflow identity (often a file path) to a safe
// file name.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
