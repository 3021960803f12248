package watcher

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/pkg/geom"
	"github.com/cyclopcam/vew/pkg/videox"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/extractor"
	"github.com/cyclopcam/vew/server/processor"
	"github.com/cyclopcam/vew/server/tracks"
	"github.com/fogleman/gg"
	"github.com/stretchr/testify/require"
)

const numFrames = 20

func TestDeduplicatorWindow(t *testing.T) {
	window := DedupWindow(1.0, 25)
	require.Equal(t, 25, window)
	d := NewDeduplicator(window)
	ev := func(frame int) *events.Event {
		return &events.Event{FrameIndex: frame, TrackID: 4, Name: events.LineIntersection}
	}
	require.True(t, d.Accept(ev(10)))
	require.False(t, d.Accept(ev(20)))
	require.True(t, d.Accept(ev(40)))
	require.False(t, d.Accept(ev(64)))
	require.True(t, d.Accept(ev(65)))

	// Different keys are independent
	require.True(t, d.Accept(&events.Event{FrameIndex: 66, TrackID: 4, Name: events.NewObject}))
	require.True(t, d.Accept(&events.Event{FrameIndex: 66, TrackID: 5, Name: events.LineIntersection}))
}

type fakeSender struct {
	batches [][]events.Event
	err     error
}

func (s *fakeSender) SendEvents(ctx context.Context, evs []events.Event) error {
	if s.err != nil {
		return s.err
	}
	if len(evs) != 0 {
		s.batches = append(s.batches, evs)
	}
	return nil
}

type fakeVideo struct {
	filename string
	frames   int
}

func (v *fakeVideo) Write(img image.Image) error {
	v.frames++
	return nil
}

func (v *fakeVideo) Close() error {
	return nil
}

type fakeFactory struct {
	videos []*fakeVideo
}

func (f *fakeFactory) create(filename string, width, height int) (videox.VideoWriter, error) {
	v := &fakeVideo{filename: filename}
	f.videos = append(f.videos, v)
	return v, nil
}

// Track 1 moves down one pixel per frame and crosses y=30 around frame 10.
// Track 2 appears at frame 5 and stands still, far from the line.
func recordedTracks() []tracks.Track {
	all := []tracks.Track{}
	for i := 1; i <= numFrames; i++ {
		all = append(all, tracks.Track{FrameIndex: i, XMin: 10, YMin: i, XMax: 20, YMax: 20 + i, TrackID: 1})
		if i >= 5 {
			all = append(all, tracks.Track{FrameIndex: i, XMin: 40, YMin: 2, XMax: 50, YMax: 10, TrackID: 2})
		}
	}
	return all
}

type testRig struct {
	root    string
	watcher *Watcher
	sender  *fakeSender
	factory *fakeFactory
}

func newTestRig(t *testing.T, framesSkip int, extract *extractor.Settings) *testRig {
	log := logs.NewTestingLog(t)
	root := t.TempDir()
	line := geom.LineFromAngle(0, geom.Point{X: 0, Y: 30})
	proc := processor.NewProcessor(log, tracks.NewReplayTrackerFromTracks(recordedTracks()), processor.Settings{Line: &line})
	settings := Settings{
		TargetEvents:      []events.Name{events.NewObject, events.LineIntersection},
		ExtractEvents:     []events.Name{events.LineIntersection},
		DuplicateInterval: 1,
		FPS:               25,
		FramesSkip:        framesSkip,
		FramesRoot:        filepath.Join(root, "frames"),
		TracksRoot:        filepath.Join(root, "tracks"),
		OutputsRoot:       filepath.Join(root, "outputs"),
		EventsRoot:        filepath.Join(root, "events"),
	}
	rig := &testRig{
		root:    root,
		sender:  &fakeSender{},
		factory: &fakeFactory{},
	}
	rig.watcher = NewWatcher(log, settings, proc, rig.sender, rig.factory.create, extract)
	rig.watcher.SplitFrames = func(ctx context.Context, src, framesDir, ext string) error {
		img := image.NewRGBA(image.Rect(0, 0, 64, 48))
		for i := 1; i <= numFrames; i++ {
			if err := gg.SavePNG(videox.FramePath(framesDir, i, ext), img); err != nil {
				return err
			}
		}
		return nil
	}
	return rig
}

func summarize(evs []events.Event) []string {
	s := []string{}
	for _, e := range evs {
		s = append(s, e.String())
	}
	return s
}

func TestWatchEvents(t *testing.T) {
	rig := newTestRig(t, 0, nil)
	seen := []events.Event{}
	rig.watcher.OnEvent = func(ev events.Event) { seen = append(seen, ev) }

	accepted, err := rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.NoError(t, err)

	// Track 1 is within 1.35 pixels of the line at frames 9, 10, 11, but only the first is accepted
	require.Equal(t, []string{
		"Event 'new object' track 1 frame 1 at (15, 21)",
		"Event 'new object' track 2 frame 5 at (45, 10)",
		"Event 'line intersection' track 1 frame 9 at (15, 29)",
	}, summarize(accepted))
	require.Equal(t, accepted, seen)
	require.Len(t, rig.sender.batches, 3)
	require.Equal(t, "inputs/cars.mp4", accepted[0].VideoPath)
	require.Equal(t, filepath.Join(rig.root, "tracks", "cars"), accepted[0].TracksPath)

	// Per-frame tracks, including frames with the same content
	store, err := tracks.NewStore(filepath.Join(rig.root, "tracks", "cars"))
	require.NoError(t, err)
	for i := 1; i <= numFrames; i++ {
		require.True(t, store.Exists(i), "frame %v", i)
	}
	f5, err := store.Read(5)
	require.NoError(t, err)
	require.Len(t, f5, 2)

	// Aggregate tracks
	agg, err := tracks.ReadAggregate(rig.watcher.AggregateTracksFile("inputs/cars.mp4"))
	require.NoError(t, err)
	require.Len(t, agg, numFrames)
	require.Equal(t, f5, agg[5])

	// Annotated output video, no clips because extraction is disabled
	require.Len(t, rig.factory.videos, 1)
	require.Equal(t, filepath.Join(rig.root, "outputs", "cars.mp4"), rig.factory.videos[0].filename)
	require.Equal(t, numFrames, rig.factory.videos[0].frames)
}

func TestRunningTwiceGivesSameResult(t *testing.T) {
	rig := newTestRig(t, 0, nil)
	first, err := rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.NoError(t, err)
	second, err := rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.NoError(t, err)
	require.Equal(t, summarize(first), summarize(second))

	// The aggregate file is rewritten, not appended to
	agg, err := tracks.ReadAggregate(rig.watcher.AggregateTracksFile("inputs/cars.mp4"))
	require.NoError(t, err)
	require.Len(t, agg[1], 1)
}

func TestFramesSkip(t *testing.T) {
	rig := newTestRig(t, 1, nil)
	accepted, err := rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.NoError(t, err)
	require.Equal(t, []string{
		"Event 'new object' track 1 frame 1 at (15, 21)",
		"Event 'new object' track 2 frame 5 at (45, 10)",
		"Event 'line intersection' track 1 frame 9 at (15, 29)",
	}, summarize(accepted))

	// Skipped frames reuse the tracks of the previous frame
	store, err := tracks.NewStore(filepath.Join(rig.root, "tracks", "cars"))
	require.NoError(t, err)
	f1, err := store.Read(1)
	require.NoError(t, err)
	f2, err := store.Read(2)
	require.NoError(t, err)
	require.Len(t, f2, 1)
	require.Equal(t, 2, f2[0].FrameIndex)
	require.Equal(t, f1[0].YMax, f2[0].YMax)
}

func TestTargetFilter(t *testing.T) {
	rig := newTestRig(t, 0, nil)
	rig.watcher.targets = events.MakeNameSet([]events.Name{events.LineIntersection})
	accepted, err := rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	require.Equal(t, events.LineIntersection, accepted[0].Name)
}

func TestInlineExtraction(t *testing.T) {
	rig := newTestRig(t, 0, &extractor.Settings{SecondsBefore: 0.2, SecondsAfter: 0.2, FPS: 25})
	var ext *extractor.Extractor
	rig.watcher.OnExtractor = func(e *extractor.Extractor) { ext = e }
	_, err := rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.NoError(t, err)
	require.NotNil(t, ext)
	require.Empty(t, ext.Pending())

	// One annotated video, and one clip for the line intersection at frame 9, spanning frames [4, 14]
	require.Len(t, rig.factory.videos, 2)
	var clip *fakeVideo
	for _, v := range rig.factory.videos {
		if filepath.Base(v.filename) == "9-1.mp4" {
			clip = v
		}
	}
	require.NotNil(t, clip)
	require.Equal(t, filepath.Join(rig.root, "events", "cars", "9-1.mp4"), clip.filename)
	require.Equal(t, 11, clip.frames)
}

func TestSenderFailureAborts(t *testing.T) {
	rig := newTestRig(t, 0, nil)
	rig.sender.err = errors.New("connection refused")
	accepted, err := rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.ErrorContains(t, err, "connection refused")
	require.Empty(t, accepted)
}

func TestNoFrames(t *testing.T) {
	rig := newTestRig(t, 0, nil)
	rig.watcher.SplitFrames = func(ctx context.Context, src, framesDir, ext string) error {
		return os.MkdirAll(framesDir, 0770)
	}
	_, err := rig.watcher.WatchEvents(context.Background(), "inputs/empty.mp4")
	require.ErrorContains(t, err, "No frames")
}

func TestFrameRateFromVideo(t *testing.T) {
	rig := newTestRig(t, 0, nil)
	rig.watcher.settings.FPS = 0
	probed := 0
	rig.watcher.Probe = func(ctx context.Context, src string) (videox.VideoInfo, error) {
		probed++
		return videox.VideoInfo{Width: 64, Height: 48, FPS: 25}, nil
	}
	accepted, err := rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.NoError(t, err)
	require.Equal(t, 1, probed)
	require.Len(t, accepted, 3)

	rig = newTestRig(t, 0, nil)
	rig.watcher.settings.FPS = 0
	rig.watcher.Probe = func(ctx context.Context, src string) (videox.VideoInfo, error) {
		return videox.VideoInfo{}, errors.New("ffprobe not found")
	}
	_, err = rig.watcher.WatchEvents(context.Background(), "inputs/cars.mp4")
	require.ErrorContains(t, err, "ffprobe not found")
}
