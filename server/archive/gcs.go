package archive

import (
	"context"
	"io"
	"path"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// StorageGCS archives clips in a Google Cloud Storage bucket.
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS, or the metadata server).
type StorageGCS struct {
	name   string
	handle *gcs.BucketHandle
	public bool
	log    logs.Log
}

func NewStorageGCS(ctx context.Context, log logs.Log, bucket string, public bool) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &StorageGCS{name: bucket, handle: client.Bucket(bucket), public: public, log: log}, nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".mp4":
		return "video/mp4"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	}
	return "application/octet-stream"
}

func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	obj := s.handle.Object(name).NewWriter(ctx)
	obj.ContentType = contentType(name)
	return obj, nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	rd, err := s.handle.Object(name).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &File{Reader: rd, ModifiedAt: rd.Attrs.LastModified, Size: rd.Attrs.Size}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	s.log.Infof("Removing archived gs://%v/%v", s.name, name)
	return s.handle.Object(name).Delete(ctx)
}

func (s *StorageGCS) URL(name string) (string, error) {
	if !s.public {
		return "", ErrNoPublicUrl
	}
	return "https://storage.googleapis.com/" + s.name + "/" + name, nil
}
