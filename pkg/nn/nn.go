// Package nn is the boundary to the external object detector and multi-object tracker.
// We never run inference ourselves. A Tracker is handed a frame and returns boxes that
// carry a stable track ID.
package nn

import (
	"context"
	"image"

	"github.com/chewxy/math32"
)

// A single frame that is submitted to a tracker
type Frame struct {
	Index int         // Frame index (1-based, matching the frame image filenames)
	Image image.Image // Source frame, at source resolution
}

// TrackedBox is one tracked object, in the coordinate space of the model input (see Tracker.InputSize)
type TrackedBox struct {
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
	TrackID    int     `json:"trackID"`
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
}

// Tracker runs detection + multi-object tracking on consecutive frames of one video.
// A tracker is stateful, and must never be invoked concurrently with itself.
type Tracker interface {
	// Reset forgets all tracks. Call this before starting a new video.
	Reset(ctx context.Context) error

	// Track returns the tracked boxes in the frame.
	// If allowedClasses is not empty, then only objects of those classes are returned.
	Track(ctx context.Context, frame Frame, allowedClasses []int) ([]TrackedBox, error)

	// InputSize is the resolution of the model input.
	// Returns (0,0) if the boxes are already in source frame coordinates.
	InputSize() (width, height int)

	Close()
}

// ModelConfig is saved in a JSON file next to the tracker service's model weights
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolox_s"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// RescaleRatio returns the factor by which source coordinates were scaled to fit the model input.
// Divide model-space coordinates by this ratio to get back to source coordinates.
func RescaleRatio(inputWidth, inputHeight, frameWidth, frameHeight int) float32 {
	if inputWidth == 0 || inputHeight == 0 || frameWidth == 0 || frameHeight == 0 {
		return 1
	}
	return math32.Min(float32(inputWidth)/float32(frameWidth), float32(inputHeight)/float32(frameHeight))
}
