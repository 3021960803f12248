package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
)

var ErrNoPublicUrl = errors.New("No public URL")

const (
	TypeNone = ""
	TypeFS   = "fs"
	TypeGCS  = "gcs"
)

// Config selects where extracted clips are archived
type Config struct {
	Type   string `yaml:"type"`   // "", "fs", or "gcs"
	Root   string `yaml:"root"`   // fs: directory
	Bucket string `yaml:"bucket"` // gcs: bucket name
	Public bool   `yaml:"public"` // gcs: objects are publicly readable
	Prefix string `yaml:"prefix"` // Prepended to every object name
}

func (c *Config) Validate() error {
	switch c.Type {
	case TypeNone:
	case TypeFS:
		if c.Root == "" {
			return fmt.Errorf("root is required for type '%v'", c.Type)
		}
	case TypeGCS:
		if c.Bucket == "" {
			return fmt.Errorf("bucket is required for type '%v'", c.Type)
		}
	default:
		return fmt.Errorf("Unknown archive type '%v'", c.Type)
	}
	return nil
}

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	// URL returns a public URL of the file, or ErrNoPublicUrl
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Open creates the storage described by cfg. Returns nil if archiving is disabled.
func Open(ctx context.Context, log logs.Log, cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeFS:
		return NewStorageFS(log, cfg.Root)
	case TypeGCS:
		return NewStorageGCS(ctx, log, cfg.Bucket, cfg.Public)
	}
	return nil, nil
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, "..")
}

// ClipUploader copies clips into a Storage. Object names are the clip's path relative to eventsRoot,
// so "events/cars/9-1.mp4" becomes "<prefix>cars/9-1.mp4".
type ClipUploader struct {
	Log        logs.Log
	storage    Storage
	eventsRoot string
	prefix     string
}

func NewClipUploader(log logs.Log, storage Storage, eventsRoot, prefix string) *ClipUploader {
	return &ClipUploader{
		Log:        logs.NewPrefixLogger(log, "Archive"),
		storage:    storage,
		eventsRoot: eventsRoot,
		prefix:     prefix,
	}
}

// ObjectName returns the name under which a clip is stored
func (u *ClipUploader) ObjectName(filename string) (string, error) {
	rel, err := filepath.Rel(u.eventsRoot, filename)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("Clip '%v' is not inside '%v'", filename, u.eventsRoot)
	}
	return u.prefix + filepath.ToSlash(rel), nil
}

// Upload copies a clip into storage
func (u *ClipUploader) Upload(ctx context.Context, filename string) error {
	name, err := u.ObjectName(filename)
	if err != nil {
		return err
	}
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := WriteFile(ctx, u.storage, name, f); err != nil {
		return fmt.Errorf("Failed to archive '%v': %w", filename, err)
	}
	if url, err := u.storage.URL(name); err == nil {
		u.Log.Infof("Archived %v to %v", filename, url)
	} else {
		u.Log.Infof("Archived %v as %v", filename, name)
	}
	return nil
}
