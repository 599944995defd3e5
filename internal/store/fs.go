package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileRepository stores each document as an indented JSON file under Root.
type FileRepository struct {
	Root string
}

// NewFileRepository returns a repository rooted at dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{Root: dir}
}

// Path returns the file backing key.
func (r *FileRepository) Path(key string) string {
	name := key
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return filepath.Join(r.Root, filepath.Base(name))
}

func (r *FileRepository) Load(key string, v any) (bool, error) {
	data, err := os.ReadFile(r.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", r.Path(key), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.Path(key), err)
	}
	return true, nil
}

func (r *FileRepository) Save(key string, v any) error {
	return WriteJSON(r.Path(key), v)
}

// Replace is Save without creating Root. It fails with an error matching
// os.ErrNotExist when Root is gone.
func (r *FileRepository) Replace(key string, v any) error {
	path := r.Path(key)
	data, err := encodeJSON(path, v)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// WriteJSON marshals v with indentation and writes it atomically to path.
func WriteJSON(path string, v any) error {
	data, err := encodeJSON(path, v)
	if err != nil {
		return err
	}
	return WriteBytes(path, data)
}

func encodeJSON(path string, v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	return append(data, '\n'), nil
}

// WriteBytes writes data to a temp file next to path and renames it into
// place, so readers see either the old or the new content.
func WriteBytes(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".rhythmdeck-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
