package verdant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ArchiveBackend stores checkpoint copies off the primary data directory.
// Implementations must be safe for concurrent use.
type ArchiveBackend interface {
	// Put stores data under name, replacing any existing object.
	Put(ctx context.Context, name string, data []byte) error
	// Get retrieves the object stored under name.
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns all stored object names in lexical order.
	List(ctx context.Context) ([]string, error)
	// Delete removes the object stored under name.
	Delete(ctx context.Context, name string) error
	// Close releases backend resources.
	Close() error
}

// DirBackend archives checkpoints into a local directory, e.g. a mounted
// backup volume.
type DirBackend struct {
	dir string
}

// NewDirBackend creates a directory-based archive backend.
func NewDirBackend(dir string) (*DirBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newStorageError(StorageErrorTypeWrite, "create archive directory", dir, err)
	}
	return &DirBackend{dir: dir}, nil
}

func (b *DirBackend) objectPath(name string) (string, error) {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid archive object name %q", name)
	}
	return filepath.Join(b.dir, name), nil
}

// Put stores data under name, replacing any existing object.
func (b *DirBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.objectPath(name)
	if err != nil {
		return err
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write archive object", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return newStorageError(StorageErrorTypeWrite, "install archive object", path, err)
	}
	return nil
}

// Get retrieves the object stored under name.
func (b *DirBackend) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := b.objectPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read archive object", path, err)
	}
	return data, nil
}

// List returns all stored object names in lexical order.
func (b *DirBackend) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list archive", b.dir, err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		out = append(out, entry.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes the object stored under name.
func (b *DirBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.objectPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return newStorageError(StorageErrorTypeWrite, "delete archive object", path, err)
	}
	return nil
}

// Close is a no-op for directory backends.
func (b *DirBackend) Close() error { return nil }
