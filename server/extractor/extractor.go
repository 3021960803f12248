package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/pkg/videox"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/tracks"
	"github.com/cyclopcam/vew/server/visualizer"
)

var ErrNotReady = errors.New("Frames are not ready")
var ErrAbandoned = errors.New("Gave up waiting for frames")

const DefaultContainer = "mp4"

type Settings struct {
	SecondsBefore float64
	SecondsAfter  float64
	FPS           float64
	Container     string        // File extension of clips. Default "mp4".
	FrameExt      string        // Extension of frame images. Default "png".
	MaxWait       time.Duration // Abandon requests that have waited longer than this. Zero waits forever.
}

// Request asks for a clip around one track in one frame
type Request struct {
	FrameIndex int
	TrackID    int
	Event      events.Name
	Enqueued   time.Time
}

type requestKey struct {
	frameIndex int
	trackID    int
}

// Extractor renders short annotated clips around events, once the frames that a clip needs exist on disk.
// Frames and tracks are produced by the watcher, possibly in another process, so the extractor never
// assumes that they are complete. A request whose frames are missing waits, without blocking other requests.
type Extractor struct {
	Log    logs.Log
	OnClip func(ctx context.Context, filename string) error // Called after every clip is written. Optional.

	settings  Settings
	framesDir string
	store     *tracks.Store
	outDir    string
	vis       *visualizer.Visualizer
	newWriter videox.WriterFactory
	now       func() time.Time

	lock        sync.Mutex
	pending     []*Request // FIFO
	keys        map[requestKey]bool
	totalFrames int // Zero if unknown
}

// New creates an extractor for one video.
// framesDir holds the frame images, store holds the per-frame tracks, and clips are written into outDir.
func New(logger logs.Log, settings Settings, framesDir string, store *tracks.Store, outDir string, vis *visualizer.Visualizer, newWriter videox.WriterFactory) *Extractor {
	if settings.Container == "" {
		settings.Container = DefaultContainer
	}
	if settings.FrameExt == "" {
		settings.FrameExt = videox.DefaultFrameExt
	}
	return &Extractor{
		Log:       logs.NewPrefixLogger(logger, "Extractor"),
		settings:  settings,
		framesDir: framesDir,
		store:     store,
		outDir:    outDir,
		vis:       vis,
		newWriter: newWriter,
		now:       time.Now,
		keys:      map[requestKey]bool{},
	}
}

// ClipName returns the filename of the clip of a track in a frame
func ClipName(frameIndex, trackID int, container string) string {
	return fmt.Sprintf("%v-%v.%v", frameIndex, trackID, container)
}

func (e *Extractor) FramesBefore() int {
	return int(e.settings.SecondsBefore * e.settings.FPS)
}

func (e *Extractor) FramesAfter() int {
	return int(e.settings.SecondsAfter * e.settings.FPS)
}

// SetTotalFrames tells the extractor how long the video is, so that windows can be clamped at the end
func (e *Extractor) SetTotalFrames(n int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.totalFrames = n
}

// TotalFrames returns the length of the video, or zero if it is not yet known
func (e *Extractor) TotalFrames() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.totalFrames
}

// Window returns the inclusive range of frames of a clip around frameIndex.
// The start is clamped to 1. The end is clamped to the total frame count, if known.
func (e *Extractor) Window(frameIndex int) (start, end int) {
	e.lock.Lock()
	total := e.totalFrames
	e.lock.Unlock()
	return e.window(frameIndex, total)
}

func (e *Extractor) window(frameIndex, total int) (start, end int) {
	start = max(1, frameIndex-e.FramesBefore())
	end = frameIndex + e.FramesAfter()
	if total > 0 {
		end = min(total, end)
	}
	return
}

// Enqueue adds a request to the back of the queue.
// Returns false if a request for the same frame and track is already queued, because it would produce the same clip.
func (e *Extractor) Enqueue(frameIndex, trackID int, event events.Name) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	key := requestKey{frameIndex, trackID}
	if e.keys[key] {
		return false
	}
	e.keys[key] = true
	e.pending = append(e.pending, &Request{
		FrameIndex: frameIndex,
		TrackID:    trackID,
		Event:      event,
		Enqueued:   e.now(),
	})
	return true
}

// Pending returns a copy of the queue, in FIFO order
func (e *Extractor) Pending() []Request {
	e.lock.Lock()
	defer e.lock.Unlock()
	c := make([]Request, 0, len(e.pending))
	for _, r := range e.pending {
		c = append(c, *r)
	}
	return c
}

// IsReady returns true if the last frame of the request's window has been materialized
func (e *Extractor) IsReady(r Request) bool {
	_, end := e.Window(r.FrameIndex)
	return e.isReadyUpTo(end)
}

func (e *Extractor) isReadyUpTo(end int) bool {
	if !e.store.Exists(end) {
		return false
	}
	_, err := os.Stat(videox.FramePath(e.framesDir, end, e.settings.FrameExt))
	return err == nil
}

// ExtractEvents renders every ready request, and removes it from the queue.
// Requests that are not ready stay in the queue, in their original order.
// A request that fails to render is dropped, and its error is returned, but other requests are still processed.
// Returns the number of clips written.
func (e *Extractor) ExtractEvents(ctx context.Context) (int, error) {
	return e.extract(ctx, false)
}

// ExtractAll is called when the video has been fully processed. It renders every ready request,
// and abandons the rest, because their frames will never arrive.
func (e *Extractor) ExtractAll(ctx context.Context) (int, error) {
	return e.extract(ctx, true)
}

func (e *Extractor) extract(ctx context.Context, final bool) (int, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	now := e.now()
	done := 0
	errs := []error{}
	remaining := []*Request{}
	for _, r := range e.pending {
		if ctx.Err() != nil {
			remaining = append(remaining, r)
			continue
		}
		start, end := e.window(r.FrameIndex, e.totalFrames)
		if !e.isReadyUpTo(end) {
			waited := now.Sub(r.Enqueued)
			if final || (e.settings.MaxWait > 0 && waited > e.settings.MaxWait) {
				e.Log.Warnf("Abandoning clip of track %v at frame %v after waiting %v for frame %v", r.TrackID, r.FrameIndex, waited, end)
				errs = append(errs, fmt.Errorf("%w: track %v at frame %v needs frame %v", ErrAbandoned, r.TrackID, r.FrameIndex, end))
				delete(e.keys, requestKey{r.FrameIndex, r.TrackID})
				continue
			}
			remaining = append(remaining, r)
			continue
		}
		delete(e.keys, requestKey{r.FrameIndex, r.TrackID})
		if _, err := e.render(ctx, *r, start, end); err != nil {
			e.Log.Errorf("Failed to extract clip of track %v at frame %v: %v", r.TrackID, r.FrameIndex, err)
			errs = append(errs, err)
			continue
		}
		done++
	}
	e.pending = remaining
	return done, errors.Join(errs...)
}

// ExtractEvent renders the clip of a single request, which does not need to be queued.
// Returns ErrNotReady if the frames of the window do not exist yet.
func (e *Extractor) ExtractEvent(ctx context.Context, r Request) (string, error) {
	start, end := e.Window(r.FrameIndex)
	if !e.isReadyUpTo(end) {
		return "", ErrNotReady
	}
	return e.render(ctx, r, start, end)
}

func (e *Extractor) render(ctx context.Context, r Request, start, end int) (string, error) {
	if start > end {
		return "", fmt.Errorf("Empty clip window %v..%v around frame %v", start, end, r.FrameIndex)
	}
	byFrame, err := e.store.ReadRange(start, end, r.TrackID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.outDir, 0770); err != nil {
		return "", fmt.Errorf("Failed to create clip directory '%v': %w", e.outDir, err)
	}
	filename := filepath.Join(e.outDir, ClipName(r.FrameIndex, r.TrackID, e.settings.Container))

	var writer videox.VideoWriter
	fail := func(err error) (string, error) {
		if writer != nil {
			writer.Close()
			os.Remove(filename)
		}
		return "", err
	}

	for i := start; i <= end; i++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		img, err := videox.LoadFrame(e.framesDir, i, e.settings.FrameExt)
		if err != nil {
			return fail(fmt.Errorf("Failed to load frame %v: %w", i, err))
		}
		if writer == nil {
			writer, err = e.newWriter(filename, img.Bounds().Dx(), img.Bounds().Dy())
			if err != nil {
				return fail(fmt.Errorf("Failed to create clip '%v': %w", filename, err))
			}
		}
		if err := writer.Write(e.vis.DrawAnnotations(i, img, byFrame[i])); err != nil {
			return fail(fmt.Errorf("Failed to write frame %v to '%v': %w", i, filename, err))
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("Failed to finish clip '%v': %w", filename, err)
	}
	e.Log.Infof("Extracted '%v' event of track %v at frame %v into %v (frames %v..%v)", r.Event, r.TrackID, r.FrameIndex, filename, start, end)

	if e.OnClip != nil {
		if err := e.OnClip(ctx, filename); err != nil {
			e.Log.Errorf("Clip hook failed on %v: %v", filename, err)
		}
	}
	return filename, nil
}
