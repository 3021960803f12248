package processor

import (
	"context"
	"fmt"
	"image"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/pkg/geom"
	"github.com/cyclopcam/vew/pkg/nn"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/tracks"
)

type Settings struct {
	AllowedClasses     []int      // If not empty, the tracker only reports these classes
	Line               *geom.Line // Optional reference line
	IntersectThreshold float64    // Zero means geom.IntersectThreshold
}

// Processor owns the external tracker, and converts its output into tracks and events.
// A Processor handles one video at a time.
type Processor struct {
	Log      logs.Log
	tracker  nn.Tracker
	settings Settings
	rules    []Rule
}

func NewProcessor(logger logs.Log, tracker nn.Tracker, settings Settings) *Processor {
	if settings.IntersectThreshold == 0 {
		settings.IntersectThreshold = geom.IntersectThreshold
	}
	rules := []Rule{NewObjectRule{}}
	if settings.Line != nil {
		rules = append(rules, LineIntersectionRule{
			Line:      *settings.Line,
			Threshold: settings.IntersectThreshold,
		})
	}
	return &Processor{
		Log:      logs.NewPrefixLogger(logger, "Processor"),
		tracker:  tracker,
		settings: settings,
		rules:    rules,
	}
}

// AddRule appends a rule, which will be evaluated after the built-in rules
func (p *Processor) AddRule(r Rule) {
	p.rules = append(p.rules, r)
}

func (p *Processor) Rules() []Rule {
	return p.rules
}

func (p *Processor) Line() *geom.Line {
	return p.settings.Line
}

// NewSession resets the tracker and starts a fresh set of seen track IDs
func (p *Processor) NewSession(ctx context.Context, videoPath, tracksPath string) (*Session, error) {
	if err := p.tracker.Reset(ctx); err != nil {
		return nil, fmt.Errorf("Failed to reset tracker: %w", err)
	}
	return newSession(videoPath, tracksPath), nil
}

// GetTracks runs the tracker on a frame, and returns its tracks in source frame coordinates.
// Tracker failures are returned, and are fatal for this frame.
func (p *Processor) GetTracks(ctx context.Context, frameIndex int, img image.Image) ([]tracks.Track, error) {
	boxes, err := p.tracker.Track(ctx, nn.Frame{Index: frameIndex, Image: img}, p.settings.AllowedClasses)
	if err != nil {
		return nil, fmt.Errorf("Tracker failed on frame %v: %w", frameIndex, err)
	}
	inW, inH := p.tracker.InputSize()
	ratio := nn.RescaleRatio(inW, inH, img.Bounds().Dx(), img.Bounds().Dy())
	result := make([]tracks.Track, 0, len(boxes))
	for _, b := range boxes {
		result = append(result, tracks.Track{
			FrameIndex: frameIndex,
			XMin:       int(b.X1 / ratio),
			YMin:       int(b.Y1 / ratio),
			XMax:       int(b.X2 / ratio),
			YMax:       int(b.Y2 / ratio),
			TrackID:    b.TrackID,
		})
	}
	p.Log.Debugf("Frame %v: %v tracks", frameIndex, len(result))
	return result, nil
}

// GetEvents applies every rule, in order, to every track.
// The returned stats cover only this batch. An empty batch yields no events.
func (p *Processor) GetEvents(s *Session, batch []tracks.Track) ([]events.Event, Stats) {
	stats := Stats{}
	var result []events.Event
	for _, t := range batch {
		for _, r := range p.rules {
			ev := r.Evaluate(t, s)
			if ev == nil {
				continue
			}
			p.Log.Infof("%v", ev)
			stats[ev.Name]++
			result = append(result, *ev)
		}
	}
	s.totals.Add(stats)
	return result, stats
}
