package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSnapshotCorrupted is returned when a cache snapshot cannot be decoded.
var ErrSnapshotCorrupted = errors.New("cache snapshot corrupted")

// SaveFile writes the exported cache state to path as a JSON array.
func (c *Cache) SaveFile(path string) error {
	data, err := json.MarshalIndent(c.ExportState(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache snapshot: %w", err)
	}
	return nil
}

// LoadFile imports a snapshot written by SaveFile. A missing file leaves the
// cache empty and is not an error. It returns the number of entries imported.
func (c *Cache) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache snapshot: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	return c.ImportState(entries), nil
}
