package visualizer

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/cyclopcam/vew/pkg/geom"
	"github.com/cyclopcam/vew/server/tracks"
	"github.com/stretchr/testify/require"
)

func blackFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{0, 0, 0, 255}}, image.Point{}, draw.Src)
	return img
}

func rgbaAt(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

func TestColorsAreCached(t *testing.T) {
	v := New(nil, 1)
	a := v.ColorOf(7)
	b := v.ColorOf(8)
	require.Equal(t, a, v.ColorOf(7))
	require.Equal(t, b, v.ColorOf(8))

	// Same seed, same sequence of first sightings, same colors
	v2 := New(nil, 1)
	require.Equal(t, a, v2.ColorOf(7))
	require.Equal(t, b, v2.ColorOf(8))
}

func TestAnchorRadius(t *testing.T) {
	require.Equal(t, 2.0, AnchorRadius(10, 10))
	require.Equal(t, 4.0, AnchorRadius(64, 20))
	require.Equal(t, 6.0, AnchorRadius(96, 10))
	require.Equal(t, 8.0, AnchorRadius(100, 200))
}

func TestDrawAnnotations(t *testing.T) {
	line := geom.LineFromAngle(0, geom.Point{X: 0, Y: 400})
	v := New(&line, 42)
	src := blackFrame(640, 480)
	tr := tracks.Track{FrameIndex: 5, XMin: 100, YMin: 100, XMax: 200, YMax: 300, TrackID: 3}

	out := v.DrawAnnotations(5, src, []tracks.Track{tr})
	require.Equal(t, src.Bounds(), out.Bounds())

	// The source frame is not modified
	require.Equal(t, color.RGBA{0, 0, 0, 255}, rgbaAt(src, 320, 400))

	// Reference line
	require.Equal(t, LineColor, rgbaAt(out, 320, 400))
	require.Equal(t, LineColor, rgbaAt(out, 600, 400))

	// Anchor circle in the track's color, sized by the 100x200 box and not by the frame
	c := v.ColorOf(3)
	require.Equal(t, c, rgbaAt(out, 150, 300))
	require.Equal(t, c, rgbaAt(out, 150, 306))
	require.Equal(t, color.RGBA{0, 0, 0, 255}, rgbaAt(out, 150, 312))

	// A small box in the same frame gets a small anchor
	small := tracks.Track{FrameIndex: 5, XMin: 400, YMin: 100, XMax: 410, YMax: 110, TrackID: 4}
	out = v.DrawAnnotations(5, src, []tracks.Track{small})
	require.Equal(t, v.ColorOf(4), rgbaAt(out, 405, 110))
	require.Equal(t, color.RGBA{0, 0, 0, 255}, rgbaAt(out, 405, 116))

	// Far from everything stays black
	require.Equal(t, color.RGBA{0, 0, 0, 255}, rgbaAt(out, 500, 200))
}

func TestDrawWithoutLine(t *testing.T) {
	v := New(nil, 42)
	out := v.DrawAnnotations(0, blackFrame(320, 240), nil)
	for x := 0; x < 320; x += 16 {
		require.Equal(t, color.RGBA{0, 0, 0, 255}, rgbaAt(out, x, 200))
	}
}
