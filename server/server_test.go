package server

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/pkg/videox"
	"github.com/cyclopcam/vew/server/archive"
	"github.com/cyclopcam/vew/server/config"
	"github.com/cyclopcam/vew/server/eventdb"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/router"
	"github.com/cyclopcam/vew/server/tracks"
	"github.com/fogleman/gg"
	"github.com/stretchr/testify/require"
)

const numFrames = 20

type fakeClip struct {
	filename string
	frames   int
}

func (c *fakeClip) Write(img image.Image) error {
	c.frames++
	return nil
}

func (c *fakeClip) Close() error {
	return os.WriteFile(c.filename, []byte(fmt.Sprintf("%v frames", c.frames)), 0644)
}

func fakeWriter(filename string, width, height int) (videox.VideoWriter, error) {
	return &fakeClip{filename: filename}, nil
}

// Track 1 moves down one pixel per frame and crosses y=30 at frame 9.
// Track 2 appears at frame 5 and stands still.
func writeRecording(t *testing.T, filename string) {
	for i := 1; i <= numFrames; i++ {
		trs := []tracks.Track{{FrameIndex: i, XMin: 10, YMin: i, XMax: 20, YMax: 20 + i, TrackID: 1}}
		if i >= 5 {
			trs = append(trs, tracks.Track{FrameIndex: i, XMin: 40, YMin: 2, XMax: 50, YMax: 10, TrackID: 2})
		}
		require.NoError(t, tracks.AppendAggregate(filename, trs))
	}
}

type testServer struct {
	*Server
	root        string
	webhookHits atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{root: t.TempDir()}
	root := ts.root
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.webhookHits.Add(1)
		w.Write([]byte("{}"))
	}))
	t.Cleanup(hook.Close)

	recording := filepath.Join(root, "recording.csv")
	writeRecording(t, recording)
	angle := 0.0

	cfg := config.Default()
	cfg.Watcher.InputsRoot = filepath.Join(root, "inputs")
	cfg.Watcher.FramesRoot = filepath.Join(root, "frames")
	cfg.Watcher.TracksRoot = filepath.Join(root, "tracks")
	cfg.Watcher.OutputsRoot = ""
	cfg.Watcher.EventsRoot = filepath.Join(root, "events")
	cfg.Watcher.ExtractInline = false
	cfg.Processor.ReplayTracks = recording
	cfg.Processor.LineAngle = &angle
	cfg.Processor.LinePoint = []float64{0, 30}
	cfg.Extractor.SecondsBefore = 0.2
	cfg.Extractor.SecondsAfter = 0.2
	cfg.Router.PollTimeout = time.Millisecond
	cfg.Router.QueueDatabase = filepath.Join(root, "db", "queue.sqlite")
	cfg.Router.ExtractOnReceive = true
	cfg.Database.DBConfig = dbh.MakeSqliteConfig(filepath.Join(root, "db", "events.sqlite"))
	cfg.Webhook = hook.URL
	cfg.Archive = archive.Config{Type: archive.TypeFS, Root: filepath.Join(root, "archive")}
	require.NoError(t, cfg.Validate())

	s, err := NewServer(context.Background(), logs.NewTestingLog(t), cfg, fakeWriter)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	s.watcher.SplitFrames = func(ctx context.Context, src, framesDir, ext string) error {
		img := image.NewRGBA(image.Rect(0, 0, 64, 48))
		for i := 1; i <= numFrames; i++ {
			if err := gg.SavePNG(videox.FramePath(framesDir, i, ext), img); err != nil {
				return err
			}
		}
		return nil
	}
	ts.Server = s
	return ts
}

func TestProduceAndConsume(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	accepted, err := s.ProcessVideo(ctx, "inputs/cars.mp4")
	require.NoError(t, err)
	require.Len(t, accepted, 3)
	require.Len(t, s.RecentEvents(), 3)

	ready, err := s.dbQueue.Count(s.Config.Router.Queue, router.StateReady)
	require.NoError(t, err)
	require.EqualValues(t, 3, ready)

	stats, err := s.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, router.ReceiveStats{Received: 3, Handled: 3}, stats)

	stored, err := s.eventDB.List(eventdb.Filter{})
	require.NoError(t, err)
	require.Len(t, stored, 3)

	// Consuming again finds nothing, and stores nothing
	stats, err = s.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Received)

	// The line intersection clip was rendered by the consumer, and archived
	b, err := os.ReadFile(filepath.Join(s.root, "archive", "cars", "9-1.mp4"))
	require.NoError(t, err)
	require.Equal(t, "11 frames", string(b))
	require.Empty(t, s.extractors)

	require.Eventually(t, func() bool { return s.webhookHits.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestHTTPAPI(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.MkdirAll(s.Config.Watcher.InputsRoot, 0770))
	require.NoError(t, os.WriteFile(filepath.Join(s.Config.Watcher.InputsRoot, "cars.mp4"), []byte{}, 0644))
	web := httptest.NewServer(s.httpRouter)
	defer web.Close()

	post := func(path string) *http.Response {
		resp, err := http.Post(web.URL+path, "", nil)
		require.NoError(t, err)
		return resp
	}
	getJSON := func(path string, out any) int {
		resp, err := http.Get(web.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK && out != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp.StatusCode
	}

	resp := post("/api/process?video=" + url.QueryEscape("../secret.mp4"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = post("/api/process?video=missing.mp4")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post("/api/process?video=cars.mp4")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	processed := []eventJSON{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&processed))
	resp.Body.Close()
	require.Len(t, processed, 3)
	require.Equal(t, string(events.LineIntersection), processed[2].EventName)
	require.Equal(t, 9, processed[2].FrameIndex)

	recent := []eventJSON{}
	require.Equal(t, http.StatusOK, getJSON("/api/events/recent", &recent))
	require.Equal(t, processed, recent)

	queue := map[string]any{}
	require.Equal(t, http.StatusOK, getJSON("/api/queue", &queue))
	require.EqualValues(t, 3, queue["ready"])

	resp = post("/api/consume")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := router.ReceiveStats{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.Equal(t, 3, stats.Handled)

	stored := []eventdb.Event{}
	require.Equal(t, http.StatusOK, getJSON("/api/events?event="+url.QueryEscape("line intersection"), &stored))
	require.Len(t, stored, 1)
	require.Equal(t, 1, stored[0].TrackID)
	require.Equal(t, http.StatusOK, getJSON("/api/events?track=2", &stored))
	require.Len(t, stored, 1)
	require.Equal(t, http.StatusBadRequest, getJSON("/api/events?event=explosion", nil))

	ping := map[string]int64{}
	require.Equal(t, http.StatusOK, getJSON("/api/ping", &ping))
	require.NotZero(t, ping["time"])
}

func TestAnnotatedFrame(t *testing.T) {
	s := newTestServer(t)
	_, err := s.ProcessVideo(context.Background(), "inputs/cars.mp4")
	require.NoError(t, err)

	jpg, err := s.AnnotatedFrame("cars", 9)
	require.NoError(t, err)
	require.Greater(t, len(jpg), 2)
	require.Equal(t, []byte{0xff, 0xd8}, jpg[:2])

	_, err = s.AnnotatedFrame("cars", numFrames+1)
	require.Error(t, err)
	_, err = s.AnnotatedFrame("../cars", 1)
	require.Error(t, err)
}

func TestClipNearEndOfVideo(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.ProcessVideo(ctx, "inputs/cars.mp4")
	require.NoError(t, err)
	_, err = s.Consume(ctx)
	require.NoError(t, err)

	// Frame 18 is within 5 frames of the end, so the clip must stop at frame 20
	late := events.Event{
		Timestamp:  time.Now(),
		VideoPath:  "inputs/cars.mp4",
		TracksPath: filepath.Join(s.Config.Watcher.TracksRoot, "cars"),
		FrameIndex: 18,
		TrackID:    1,
		Name:       events.LineIntersection,
	}
	require.NoError(t, s.sender.SendEvents(ctx, []events.Event{late}))
	stats, err := s.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, router.ReceiveStats{Received: 1, Handled: 1}, stats)

	b, err := os.ReadFile(filepath.Join(s.Config.Watcher.EventsRoot, "cars", "18-1.mp4"))
	require.NoError(t, err)
	require.Equal(t, "8 frames", string(b))
	b, err = os.ReadFile(filepath.Join(s.root, "archive", "cars", "18-1.mp4"))
	require.NoError(t, err)
	require.Equal(t, "8 frames", string(b))
	require.Empty(t, s.extractors)
}
