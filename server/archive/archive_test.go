package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestUploadToFS(t *testing.T) {
	log := logs.NewTestingLog(t)
	ctx := context.Background()
	root := t.TempDir()
	eventsRoot := filepath.Join(root, "events")
	require.NoError(t, os.MkdirAll(filepath.Join(eventsRoot, "cars"), 0770))
	clip := filepath.Join(eventsRoot, "cars", "9-1.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("not really a video"), 0644))

	storage, err := Open(ctx, log, Config{Type: TypeFS, Root: filepath.Join(root, "archive")})
	require.NoError(t, err)
	u := NewClipUploader(log, storage, eventsRoot, "site1/")

	name, err := u.ObjectName(clip)
	require.NoError(t, err)
	require.Equal(t, "site1/cars/9-1.mp4", name)

	require.NoError(t, u.Upload(ctx, clip))
	b, err := ReadFile(ctx, storage, name)
	require.NoError(t, err)
	require.Equal(t, "not really a video", string(b))

	_, err = u.ObjectName(filepath.Join(root, "elsewhere.mp4"))
	require.Error(t, err)

	require.NoError(t, storage.DeleteFile(ctx, name))
	_, err = storage.ReadFile(ctx, name)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = storage.ReadFile(ctx, "../x")
	require.Error(t, err)
}

func TestDisabled(t *testing.T) {
	s, err := Open(context.Background(), logs.NewTestingLog(t), Config{})
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestValidate(t *testing.T) {
	require.NoError(t, (&Config{}).Validate())
	require.NoError(t, (&Config{Type: TypeGCS, Bucket: "b"}).Validate())
	require.Error(t, (&Config{Type: TypeGCS}).Validate())
	require.Error(t, (&Config{Type: TypeFS}).Validate())
	require.Error(t, (&Config{Type: "s3"}).Validate())
}

func TestPartialWritesAreInvisible(t *testing.T) {
	ctx := context.Background()
	fs, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	w, err := fs.WriteFile(ctx, "a/b.mp4")
	require.NoError(t, err)
	_, err = w.Write([]byte("half"))
	require.NoError(t, err)
	_, err = fs.ReadFile(ctx, "a/b.mp4")
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, w.Close())
	b, err := ReadFile(ctx, fs, "a/b.mp4")
	require.NoError(t, err)
	require.Equal(t, "half", string(b))
	entries, err := os.ReadDir(filepath.Join(fs.Root, "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
