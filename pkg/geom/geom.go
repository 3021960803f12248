package geom

import (
	"math"
)

// IntersectThreshold is the maximum vertical deviation (in pixels) between an anchor
// point and the reference line for the point to count as being on the line.
// This is a fixed epsilon, so fast objects can step over the line between two frames.
const IntersectThreshold = 1.35

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) Distance(b Point) float64 {
	return math.Sqrt(float64((p.X-b.X)*(p.X-b.X) + (p.Y-b.Y)*(p.Y-b.Y)))
}

// Rect is an axis-aligned box in pixel coordinates
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RectFromCorners creates a Rect from its top-left and bottom-right corners
func RectFromCorners(x1, y1, x2, y2 int) Rect {
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

// Anchor is the bottom-center of the box, which is roughly where an object touches the ground.
func (r Rect) Anchor() Point {
	return Point{
		X: (r.X + r.X2()) / 2,
		Y: r.Y2(),
	}
}

// Line is y = K*x + B
type Line struct {
	K float64 `json:"k"`
	B float64 `json:"b"`
}

// LineFromAngle derives slope/intercept from an angle in degrees and a point that the line passes through.
// Angles of +-90 degrees produce a near-infinite slope, which is not useful for crossing tests.
func LineFromAngle(degrees float64, anchor Point) Line {
	k := math.Tan(degrees * math.Pi / 180)
	return Line{
		K: k,
		B: float64(anchor.Y) - k*float64(anchor.X),
	}
}

// Y returns the y coordinate of the line at x
func (l Line) Y(x float64) float64 {
	return l.K*x + l.B
}

// Deviation is the vertical distance |K*x + B - y| between p and the line
func (l Line) Deviation(p Point) float64 {
	return math.Abs(l.Y(float64(p.X)) - float64(p.Y))
}

// Crosses returns true if p is within threshold of the line
func (l Line) Crosses(p Point, threshold float64) bool {
	return l.Deviation(p) < threshold
}

// Endpoints returns two points on the line at the left and right edges of a frame.
// The points may lie outside the frame vertically; renderers clip them.
func (l Line) Endpoints(width int) (x1, y1, x2, y2 float64) {
	return 0, l.B, float64(width), l.Y(float64(width))
}
