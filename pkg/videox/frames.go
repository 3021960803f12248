package videox

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cyclopcam/vew/pkg/shell"
	"github.com/fogleman/gg"
)

// DefaultFrameExt is the image format that we split videos into
const DefaultFrameExt = "png"

// VideoWriter receives a sequence of frames, all of the same size
type VideoWriter interface {
	Write(img image.Image) error
	Close() error
}

// WriterFactory creates a VideoWriter for frames of the given size
type WriterFactory func(filename string, width, height int) (VideoWriter, error)

// SplitFrames splits a video into one image per frame, inside framesDir.
// Frame filenames are the 1-based frame index, eg "1.png", "2.png", ...
func SplitFrames(ctx context.Context, srcFilename, framesDir, ext string) error {
	if ext == "" {
		ext = DefaultFrameExt
	}
	if err := os.MkdirAll(framesDir, 0770); err != nil {
		return fmt.Errorf("Failed to create frames directory '%v': %w", framesDir, err)
	}
	args := []string{
		"-y", // overwrite output files
		"-i",
		srcFilename,
		filepath.Join(framesDir, "%d."+ext),
	}
	if _, err := shell.Run(ctx, "ffmpeg", args...); err != nil {
		return fmt.Errorf("ffmpeg failed to split '%v' into frames: %w", srcFilename, err)
	}
	return nil
}

// FramePath returns the filename of the image of the given frame
func FramePath(framesDir string, index int, ext string) string {
	if ext == "" {
		ext = DefaultFrameExt
	}
	return filepath.Join(framesDir, strconv.Itoa(index)+"."+ext)
}

// ListFrames returns the indices of all frame images inside framesDir, in ascending numeric order.
// Files that are not named after an integer are ignored.
func ListFrames(framesDir, ext string) ([]int, error) {
	if ext == "" {
		ext = DefaultFrameExt
	}
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, err
	}
	indices := []int{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "."+ext) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(e.Name(), "."+ext))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// LoadFrame reads a frame image from disk
func LoadFrame(framesDir string, index int, ext string) (image.Image, error) {
	img, err := gg.LoadImage(FramePath(framesDir, index, ext))
	if err != nil {
		return nil, fmt.Errorf("Failed to load frame %v: %w", index, err)
	}
	return img, nil
}
