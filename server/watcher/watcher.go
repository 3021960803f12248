package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/pkg/videox"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/extractor"
	"github.com/cyclopcam/vew/server/processor"
	"github.com/cyclopcam/vew/server/tracks"
	"github.com/cyclopcam/vew/server/visualizer"
)

type Settings struct {
	TargetEvents      []events.Name // Events that are forwarded. Empty means all.
	ExtractEvents     []events.Name // Accepted events that also get a clip. Empty means none.
	DuplicateInterval float64       // Seconds
	FPS               float64       // Zero to read the frame rate from the video
	FramesSkip        int           // Run the tracker on one frame, then skip this many
	FramesRoot        string
	TracksRoot        string
	OutputsRoot       string // Annotated copy of the whole video. Empty to disable.
	EventsRoot        string // Clips
	FrameExt          string
	Container         string
	VisualizerSeed    uint64
}

// EventSender forwards accepted events, typically onto a queue
type EventSender interface {
	SendEvents(ctx context.Context, evs []events.Event) error
}

// Watcher runs the whole pipeline over one video at a time:
// split into frames, track, persist tracks, detect, filter, de-duplicate, forward, and render.
type Watcher struct {
	Log logs.Log

	// Replaceable for tests
	SplitFrames func(ctx context.Context, srcFilename, framesDir, ext string) error
	Probe       func(ctx context.Context, srcFilename string) (videox.VideoInfo, error)

	// Called for every accepted event, after it has been sent
	OnEvent func(ev events.Event)

	// Called when an extractor is created for a video, before any frames are processed
	OnExtractor func(e *extractor.Extractor)

	settings   Settings
	extract    *extractor.Settings // nil disables clip extraction
	processor  *processor.Processor
	sender     EventSender
	newWriter  videox.WriterFactory
	targets    events.NameSet
	extractSet events.NameSet
}

// NewWatcher creates a Watcher.
// sender may be nil, in which case events are only returned. newWriter may be nil, in which case
// neither the annotated video nor clips are written. extract may be nil to disable clip extraction.
func NewWatcher(logger logs.Log, settings Settings, proc *processor.Processor, sender EventSender, newWriter videox.WriterFactory, extract *extractor.Settings) *Watcher {
	if settings.FrameExt == "" {
		settings.FrameExt = videox.DefaultFrameExt
	}
	if settings.Container == "" {
		settings.Container = extractor.DefaultContainer
	}
	targets := events.MakeNameSet(settings.TargetEvents)
	if len(settings.TargetEvents) == 0 {
		targets = events.MakeNameSet(events.AllNames)
	}
	return &Watcher{
		Log:         logs.NewPrefixLogger(logger, "Watcher"),
		SplitFrames: videox.SplitFrames,
		Probe:       videox.Probe,
		settings:    settings,
		extract:     extract,
		processor:   proc,
		sender:      sender,
		newWriter:   newWriter,
		targets:     targets,
		extractSet:  events.MakeNameSet(settings.ExtractEvents),
	}
}

// VideoName returns the name of a video without its directory or extension
func VideoName(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Dirs returns the directories where the frames, the tracks, and the clips of a video live
func (w *Watcher) Dirs(filename string) (framesDir, tracksDir, eventsDir string) {
	name := VideoName(filename)
	return filepath.Join(w.settings.FramesRoot, name), filepath.Join(w.settings.TracksRoot, name), filepath.Join(w.settings.EventsRoot, name)
}

// AggregateTracksFile returns the filename of the per-video CSV that holds the tracks of every frame
func (w *Watcher) AggregateTracksFile(filename string) string {
	return filepath.Join(w.settings.TracksRoot, VideoName(filename)+".csv")
}

// WatchEvents processes a whole video, and returns every accepted event, in frame order.
// All per-video state (seen tracks, de-duplication, colors, pending clips) lives only for the duration of this call.
func (w *Watcher) WatchEvents(ctx context.Context, filename string) ([]events.Event, error) {
	start := time.Now()
	framesDir, tracksDir, eventsDir := w.Dirs(filename)
	if err := os.MkdirAll(framesDir, 0770); err != nil {
		return nil, fmt.Errorf("Failed to create frames directory '%v': %w", framesDir, err)
	}
	store, err := tracks.NewStore(tracksDir)
	if err != nil {
		return nil, err
	}
	aggregate := w.AggregateTracksFile(filename)
	if err := os.Remove(aggregate); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("Failed to remove old tracks file '%v': %w", aggregate, err)
	}

	w.Log.Infof("Splitting '%v' into frames in '%v'", filename, framesDir)
	if err := w.SplitFrames(ctx, filename, framesDir, w.settings.FrameExt); err != nil {
		return nil, err
	}
	frames, err := videox.ListFrames(framesDir, w.settings.FrameExt)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("No frames found in '%v'", framesDir)
	}

	session, err := w.processor.NewSession(ctx, filename, tracksDir)
	if err != nil {
		return nil, err
	}
	vis := visualizer.New(w.processor.Line(), w.settings.VisualizerSeed)
	fps := w.settings.FPS
	if fps <= 0 {
		info, err := w.Probe(ctx, filename)
		if err != nil {
			return nil, fmt.Errorf("Failed to read frame rate of '%v': %w", filename, err)
		}
		w.Log.Infof("'%v' is %vx%v at %.2f fps", filename, info.Width, info.Height, info.FPS)
		fps = info.FPS
	}
	dedup := NewDeduplicator(DedupWindow(w.settings.DuplicateInterval, fps))

	var ext *extractor.Extractor
	if w.extract != nil && w.newWriter != nil && len(w.extractSet) != 0 {
		ext = extractor.New(w.Log, *w.extract, framesDir, store, eventsDir, vis, w.newWriter)
		ext.SetTotalFrames(frames[len(frames)-1])
		if w.OnExtractor != nil {
			w.OnExtractor(ext)
		}
	}

	var output videox.VideoWriter
	defer func() {
		if output != nil {
			output.Close()
		}
	}()

	accepted := []events.Event{}
	var prev []tracks.Track
	for i, frameIndex := range frames {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		img, err := videox.LoadFrame(framesDir, frameIndex, w.settings.FrameExt)
		if err != nil {
			return accepted, fmt.Errorf("Failed to load frame %v: %w", frameIndex, err)
		}

		processed := i%(w.settings.FramesSkip+1) == 0
		var current []tracks.Track
		if processed {
			current, err = w.processor.GetTracks(ctx, frameIndex, img)
			if err != nil {
				return accepted, err
			}
		} else {
			current = tracks.WithFrameIndex(prev, frameIndex)
		}
		prev = current

		if err := store.Write(frameIndex, current); err != nil {
			return accepted, fmt.Errorf("Failed to write tracks of frame %v: %w", frameIndex, err)
		}
		if err := tracks.AppendAggregate(aggregate, current); err != nil {
			return accepted, fmt.Errorf("Failed to append tracks of frame %v: %w", frameIndex, err)
		}

		if processed {
			evs, _ := w.processor.GetEvents(session, current)
			batch := w.filter(evs, dedup)
			if w.sender != nil {
				if err := w.sender.SendEvents(ctx, batch); err != nil {
					return accepted, err
				}
			}
			for _, ev := range batch {
				if ext != nil && w.extractSet[ev.Name] {
					ext.Enqueue(ev.FrameIndex, ev.TrackID, ev.Name)
				}
				if w.OnEvent != nil {
					w.OnEvent(ev)
				}
			}
			accepted = append(accepted, batch...)
		}

		if w.newWriter != nil && w.settings.OutputsRoot != "" {
			if output == nil {
				output, err = w.createOutput(filename, img.Bounds().Dx(), img.Bounds().Dy())
				if err != nil {
					return accepted, err
				}
			}
			if err := output.Write(vis.DrawAnnotations(frameIndex, img, current)); err != nil {
				return accepted, fmt.Errorf("Failed to write annotated frame %v: %w", frameIndex, err)
			}
		}

		if ext != nil {
			if _, err := ext.ExtractEvents(ctx); err != nil {
				w.Log.Errorf("%v", err)
			}
		}
	}

	if output != nil {
		err := output.Close()
		output = nil
		if err != nil {
			return accepted, fmt.Errorf("Failed to finish annotated video: %w", err)
		}
	}
	if ext != nil {
		if _, err := ext.ExtractAll(ctx); err != nil {
			w.Log.Errorf("%v", err)
		}
	}

	w.Log.Infof("Finished '%v': %v frames, %v tracks, %v accepted events, in %.1f seconds", filename, len(frames), session.NumTracks(), len(accepted), time.Since(start).Seconds())
	w.Log.Infof("Event totals: {%v}", session.Totals())
	return accepted, nil
}

// filter keeps target events that are not duplicates
func (w *Watcher) filter(evs []events.Event, dedup *Deduplicator) []events.Event {
	out := []events.Event{}
	for i := range evs {
		ev := &evs[i]
		if !w.targets[ev.Name] {
			continue
		}
		if !dedup.Accept(ev) {
			w.Log.Debugf("Duplicate %v", ev)
			continue
		}
		out = append(out, *ev)
	}
	return out
}

func (w *Watcher) createOutput(filename string, width, height int) (videox.VideoWriter, error) {
	if err := os.MkdirAll(w.settings.OutputsRoot, 0770); err != nil {
		return nil, fmt.Errorf("Failed to create outputs directory '%v': %w", w.settings.OutputsRoot, err)
	}
	outFile := filepath.Join(w.settings.OutputsRoot, VideoName(filename)+"."+w.settings.Container)
	writer, err := w.newWriter(outFile, width, height)
	if err != nil {
		return nil, fmt.Errorf("Failed to create annotated video '%v': %w", outFile, err)
	}
	return writer, nil
}
