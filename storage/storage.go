// Package storage abstracts the blob store used to cache raw tarball bytes
// fetched from the registry, independent of the package cache's local
// on-disk extracted-folder layout (cache.Cache always extracts to the local
// filesystem, since the node resolver walks real directories).
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Storage is a content-addressable-by-key blob store: Put writes a blob
// under key, Get reads it back, Stat checks existence without reading.
type Storage interface {
	Stat(ctx context.Context, key string) (size int64, exists bool, err error)
	Get(ctx context.Context, key string) (r io.ReadCloser, exists bool, err error)
	Put(ctx context.Context, key string) (w io.WriteCloser, err error)
}

var _ Storage = (*FileSystem)(nil)

// FileSystem implements Storage using the local filesystem.
type FileSystem struct {
	basePath string
}

// NewFileSystem creates a FileSystem storage backend rooted at basePath.
func NewFileSystem(basePath string) *FileSystem {
	return &FileSystem{basePath: basePath}
}

func (fs *FileSystem) path(key string) string {
	return filepath.Join(fs.basePath, filepath.FromSlash(key))
}

func (fs *FileSystem) Stat(ctx context.Context, key string) (size int64, exists bool, err error) {
	info, err := os.Stat(fs.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (fs *FileSystem) Get(ctx context.Context, key string) (r io.ReadCloser, exists bool, err error) {
	f, err := os.Open(fs.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

func (fs *FileSystem) Put(ctx context.Context, key string) (w io.WriteCloser, err error) {
	fullPath := fs.path(key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return f, nil
}
