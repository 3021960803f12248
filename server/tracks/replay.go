package tracks

import (
	"context"
	"slices"

	"github.com/cyclopcam/vew/pkg/nn"
)

// ReplayTracker implements nn.Tracker by replaying a per-video aggregate track file.
// This lets us re-run event detection on a video without the detector.
type ReplayTracker struct {
	byFrame map[int][]Track
}

func NewReplayTracker(aggregateFile string) (*ReplayTracker, error) {
	byFrame, err := ReadAggregate(aggregateFile)
	if err != nil {
		return nil, err
	}
	return &ReplayTracker{byFrame: byFrame}, nil
}

// NewReplayTrackerFromTracks is useful for unit tests
func NewReplayTrackerFromTracks(all []Track) *ReplayTracker {
	byFrame := map[int][]Track{}
	for _, t := range all {
		byFrame[t.FrameIndex] = append(byFrame[t.FrameIndex], t)
	}
	return &ReplayTracker{byFrame: byFrame}
}

func (r *ReplayTracker) Reset(ctx context.Context) error {
	return nil
}

// Track returns the recorded tracks for the frame. Class filtering was already applied when the
// tracks were recorded, so allowedClasses is ignored.
func (r *ReplayTracker) Track(ctx context.Context, frame nn.Frame, allowedClasses []int) ([]nn.TrackedBox, error) {
	recorded := r.byFrame[frame.Index]
	boxes := make([]nn.TrackedBox, 0, len(recorded))
	for _, t := range recorded {
		boxes = append(boxes, nn.TrackedBox{
			X1:         float32(t.XMin),
			Y1:         float32(t.YMin),
			X2:         float32(t.XMax),
			Y2:         float32(t.YMax),
			TrackID:    t.TrackID,
			Confidence: 1,
		})
	}
	return boxes, nil
}

func (r *ReplayTracker) InputSize() (width, height int) {
	return 0, 0
}

func (r *ReplayTracker) Close() {
}

// Frames returns the frame indices that have recorded tracks, in ascending order
func (r *ReplayTracker) Frames() []int {
	frames := make([]int, 0, len(r.byFrame))
	for f := range r.byFrame {
		frames = append(frames, f)
	}
	slices.Sort(frames)
	return frames
}
