package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KV is the minimal byte-blob interface the file-backed log needs. Embedders
// with their own persistence (mobile shells, test harnesses) implement these
// two methods; everyone else uses DirKV.
type KV interface {
	// Get returns the value for key. The boolean reports whether the key
	// exists; a missing key is not an error.
	Get(key string) ([]byte, bool, error)

	// Set durably writes value under key, replacing any previous value.
	Set(key string, value []byte) error
}

// DirKV stores each key as a file in a directory. Writes go through a temp
// file, fsync, and rename so a crash never leaves a half-written value.
type DirKV struct {
	dir string
}

// NewDirKV creates the directory if needed and returns a DirKV over it.
func NewDirKV(dir string) (*DirKV, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	return &DirKV{dir: dir}, nil
}

// Get reads the file named key, reporting false for a missing key.
func (kv *DirKV) Get(key string) ([]byte, bool, error) {
	path, err := kv.keyPath(key)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return data, true, nil
}

// Set writes value to a temp file, syncs it, and renames it over key.
func (kv *DirKV) Set(key string, value []byte) error {
	path, err := kv.keyPath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(kv.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for key %s: %w", key, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync key %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file for key %s: %w", key, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace key %s: %w", key, err)
	}
	return nil
}

// keyPath rejects keys that would escape the directory.
func (kv *DirKV) keyPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return "", fmt.Errorf("invalid kv key %q", key)
	}
	return filepath.Join(kv.dir, key), nil
}
