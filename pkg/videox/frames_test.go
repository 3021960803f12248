package videox

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/fogleman/gg"
	"github.com/stretchr/testify/require"
)

func TestListFrames(t *testing.T) {
	dir := t.TempDir()
	// Lexical order would put 10 before 2
	for _, name := range []string{"1.png", "2.png", "10.png", "3.png", "notes.txt", "x.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0660))
	}
	frames, err := ListFrames(dir, "png")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 10}, frames)
}

func TestLoadFrame(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, gg.SavePNG(FramePath(dir, 7, ""), image.NewRGBA(image.Rect(0, 0, 32, 24))))
	img, err := LoadFrame(dir, 7, "")
	require.NoError(t, err)
	require.Equal(t, 32, img.Bounds().Dx())
	require.Equal(t, 24, img.Bounds().Dy())

	_, err = LoadFrame(dir, 8, "")
	require.Error(t, err)
}

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput("Warning: using insecure memory!\nwidth=1280\nheight=720\nr_frame_rate=30000/1001\n")
	require.NoError(t, err)
	require.Equal(t, 1280, info.Width)
	require.Equal(t, 720, info.Height)
	require.InDelta(t, 29.97, info.FPS, 0.01)

	info, err = parseProbeOutput("width=640\nheight=480\nr_frame_rate=25\n")
	require.NoError(t, err)
	require.Equal(t, 25.0, info.FPS)

	_, err = parseProbeOutput("garbage")
	require.Error(t, err)
}
