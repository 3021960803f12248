package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
)

// StorageFS keeps archived clips in a local directory tree, typically a network mount
type StorageFS struct {
	Root string
	log  logs.Log
}

func NewStorageFS(log logs.Log, root string) (*StorageFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create archive directory '%v': %w", abs, err)
	}
	return &StorageFS{Root: abs, log: log}, nil
}

// resolve maps an object name to a path inside Root
func (fs *StorageFS) resolve(name string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("Invalid object name '%v'", name)
	}
	return filepath.Join(fs.Root, filepath.FromSlash(name)), nil
}

// atomicFile becomes visible under its final name only once it is closed
type atomicFile struct {
	*os.File
	final string
}

func (f *atomicFile) Close() error {
	if err := f.File.Close(); err != nil {
		os.Remove(f.File.Name())
		return err
	}
	return os.Rename(f.File.Name(), f.final)
}

func (fs *StorageFS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	full, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".partial-*")
	if err != nil {
		return nil, err
	}
	return &atomicFile{File: tmp, final: full}, nil
}

func (fs *StorageFS) ReadFile(ctx context.Context, name string) (*File, error) {
	full, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{Reader: f, ModifiedAt: info.ModTime(), Size: info.Size()}, nil
}

func (fs *StorageFS) DeleteFile(ctx context.Context, name string) error {
	full, err := fs.resolve(name)
	if err != nil {
		return err
	}
	fs.log.Infof("Removing archived %v", name)
	return os.Remove(full)
}

// URL always fails, because a local directory has no public address
func (fs *StorageFS) URL(name string) (string, error) {
	return "", ErrNoPublicUrl
}
