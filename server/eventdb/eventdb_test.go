package eventdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/server/events"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, maxEventCount int64) *EventDB {
	t.Helper()
	db, err := NewEventDB(logs.NewTestingLog(t), dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "events.sqlite")), maxEventCount)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makeEvent(video string, frame, track int, name events.Name) *events.Event {
	return &events.Event{
		Timestamp:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		VideoPath:  video,
		TracksPath: "tracks/" + video,
		FrameIndex: frame,
		TrackID:    track,
		Name:       name,
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	db := setup(t, 0)
	ctx := context.Background()
	ev := makeEvent("a.mp4", 10, 3, events.LineIntersection)

	created, err := db.Save(ctx, ev)
	require.NoError(t, err)
	require.True(t, created)

	// Re-delivery of the same message
	created, err = db.Save(ctx, ev)
	require.NoError(t, err)
	require.False(t, created)

	// Same track and frame, different event
	created, err = db.Save(ctx, makeEvent("a.mp4", 10, 3, events.NewObject))
	require.NoError(t, err)
	require.True(t, created)

	n, err := db.Count()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestList(t *testing.T) {
	db := setup(t, 0)
	save := db.SaveAction()
	ctx := context.Background()
	require.NoError(t, save(ctx, makeEvent("b.mp4", 20, 1, events.LineIntersection)))
	require.NoError(t, save(ctx, makeEvent("a.mp4", 5, 2, events.NewObject)))
	require.NoError(t, save(ctx, makeEvent("a.mp4", 1, 1, events.NewObject)))
	require.NoError(t, save(ctx, makeEvent("a.mp4", 9, 1, events.LineIntersection)))

	all, err := db.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "a.mp4", all[0].VideoPath)
	require.Equal(t, 1, all[0].FrameIndex)
	require.Equal(t, "b.mp4", all[3].VideoPath)

	a, err := db.List(Filter{VideoPath: "a.mp4", EventName: events.NewObject})
	require.NoError(t, err)
	require.Len(t, a, 2)

	track1, err := db.List(Filter{TrackID: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, track1, 2)

	ev := a[0].ToEvent()
	require.Equal(t, events.NewObject, ev.Name)
	require.Equal(t, "tracks/a.mp4", ev.TracksPath)
	require.True(t, ev.Timestamp.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestPurge(t *testing.T) {
	db := setup(t, 10)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := db.Save(ctx, makeEvent("c.mp4", i+1, 1, events.LineIntersection))
		require.NoError(t, err)
		// Purging is rate limited, so pretend that the last one was long ago
		db.lastPurge = time.Time{}
	}
	n, err := db.Count()
	require.NoError(t, err)
	require.EqualValues(t, 10, n)

	// The newest events survive
	remaining, err := db.List(Filter{})
	require.NoError(t, err)
	require.Equal(t, 21, remaining[0].FrameIndex)
}

func TestPurgeIsThrottled(t *testing.T) {
	db := setup(t, 2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := db.Save(ctx, makeEvent("d.mp4", i+1, 1, events.NewObject))
		require.NoError(t, err)
	}
	// Only the first save purged, and it had nothing to purge
	n, err := db.Count()
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	db.lastPurge = time.Now().Add(-PurgeInterval)
	_, err = db.Save(ctx, makeEvent("d.mp4", 6, 1, events.NewObject))
	require.NoError(t, err)
	n, err = db.Count()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}
