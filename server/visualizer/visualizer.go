package visualizer

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/cyclopcam/vew/pkg/geom"
	"github.com/cyclopcam/vew/server/tracks"
	"github.com/fogleman/gg"
)

const (
	LineThickness = 4
	BoxThickness  = 2
)

var LineColor = color.RGBA{255, 255, 255, 255}
var TextColor = color.RGBA{255, 255, 255, 255}

// Visualizer draws tracks and the reference line onto frames.
// Track colors are chosen randomly the first time a track ID is seen, and then cached
// for the lifetime of the Visualizer, so one Visualizer should be used per video.
type Visualizer struct {
	line *geom.Line

	lock   sync.Mutex
	rng    *rand.Rand
	colors map[int]color.RGBA
}

// New creates a Visualizer. line may be nil.
func New(line *geom.Line, seed uint64) *Visualizer {
	return &Visualizer{
		line:   line,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		colors: map[int]color.RGBA{},
	}
}

// ColorOf returns the color of a track, assigning a new one if necessary
func (v *Visualizer) ColorOf(trackID int) color.RGBA {
	v.lock.Lock()
	defer v.lock.Unlock()
	c, ok := v.colors[trackID]
	if !ok {
		c = color.RGBA{uint8(v.rng.IntN(256)), uint8(v.rng.IntN(256)), uint8(v.rng.IntN(256)), 255}
		v.colors[trackID] = c
	}
	return c
}

// AnchorRadius is the radius of the circle drawn at a track's anchor point.
// It grows with the size of the track's box.
func AnchorRadius(boxWidth, boxHeight int) float64 {
	return 2 * (math.Round(float64(max(boxWidth, boxHeight))/64) + 1)
}

// DrawAnnotations returns a copy of img with the reference line, the frame number, and every track drawn onto it.
// If frameIndex is zero, the frame number is omitted.
func (v *Visualizer) DrawAnnotations(frameIndex int, img image.Image, trs []tracks.Track) image.Image {
	dc := gg.NewContextForImage(img)
	width := dc.Width()

	if v.line != nil {
		x1, y1, x2, y2 := v.line.Endpoints(width)
		dc.SetColor(LineColor)
		dc.SetLineWidth(LineThickness)
		dc.DrawLine(x1, y1, x2, y2)
		dc.Stroke()
	}

	if frameIndex != 0 {
		dc.SetColor(TextColor)
		dc.DrawString(fmt.Sprintf("frame %v", frameIndex), 10, 20)
	}

	for _, t := range trs {
		c := v.ColorOf(t.TrackID)
		dc.SetColor(c)

		anchor := t.Anchor()
		dc.DrawCircle(float64(anchor.X), float64(anchor.Y), AnchorRadius(t.XMax-t.XMin, t.YMax-t.YMin))
		dc.Fill()

		dc.SetLineWidth(BoxThickness)
		dc.DrawRectangle(float64(t.XMin), float64(t.YMin), float64(t.XMax-t.XMin), float64(t.YMax-t.YMin))
		dc.Stroke()

		dc.DrawString(fmt.Sprintf("%v", t.TrackID), float64(t.XMin), float64(t.YMin)-4)
	}

	return dc.Image()
}
