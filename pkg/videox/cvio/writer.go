package cvio

import (
	"fmt"
	"image"

	"github.com/cyclopcam/vew/pkg/videox"
	"gocv.io/x/gocv"
)

// ClipWriter encodes frames into a video container via OpenCV
type ClipWriter struct {
	filename string
	width    int
	height   int
	writer   *gocv.VideoWriter
}

// NewClipWriter opens a video file for writing.
// fourcc is a 4 character codec code such as "XVID" or "mp4v".
func NewClipWriter(filename, fourcc string, fps float64, width, height int) (*ClipWriter, error) {
	if len(fourcc) != 4 {
		return nil, fmt.Errorf("Invalid FOURCC '%v'", fourcc)
	}
	w, err := gocv.VideoWriterFile(filename, fourcc, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("Failed to open video writer '%v': %w", filename, err)
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("Video writer '%v' did not open (codec %v)", filename, fourcc)
	}
	return &ClipWriter{
		filename: filename,
		width:    width,
		height:   height,
		writer:   w,
	}, nil
}

// Factory returns a videox.WriterFactory that creates ClipWriters with a fixed codec and frame rate
func Factory(fourcc string, fps float64) videox.WriterFactory {
	return func(filename string, width, height int) (videox.VideoWriter, error) {
		return NewClipWriter(filename, fourcc, fps, width, height)
	}
}

func (c *ClipWriter) Write(img image.Image) error {
	if img.Bounds().Dx() != c.width || img.Bounds().Dy() != c.height {
		return fmt.Errorf("Frame size %vx%v does not match video size %vx%v", img.Bounds().Dx(), img.Bounds().Dy(), c.width, c.height)
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return err
	}
	defer mat.Close()
	return c.writer.Write(mat)
}

func (c *ClipWriter) Close() error {
	return c.writer.Close()
}
