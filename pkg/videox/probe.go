package videox

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cyclopcam/vew/pkg/shell"
)

// VideoInfo is what we need to know about a source video before processing it
type VideoInfo struct {
	Width  int
	Height int
	FPS    float64
}

// Probe extracts the frame size and frame rate of a video file, using ffprobe
func Probe(ctx context.Context, srcFilename string) (VideoInfo, error) {
	args := []string{
		"-v",
		"error",
		"-select_streams",
		"v:0",
		"-show_entries",
		"stream=width,height,r_frame_rate",
		"-of",
		"default=noprint_wrappers=1",
		srcFilename,
	}
	out, err := shell.Run(ctx, "ffprobe", args...)
	if err != nil {
		return VideoInfo{}, err
	}
	return parseProbeOutput(out)
}

// Some ffprobe builds emit noise such as "Warning: using insecure memory!",
// so we only look at key=value lines that we recognize.
func parseProbeOutput(out string) (VideoInfo, error) {
	info := VideoInfo{}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "width":
			info.Width, _ = strconv.Atoi(value)
		case "height":
			info.Height, _ = strconv.Atoi(value)
		case "r_frame_rate":
			info.FPS = parseRational(value)
		}
	}
	if info.Width == 0 || info.Height == 0 || info.FPS == 0 {
		return VideoInfo{}, fmt.Errorf("Unable to parse ffprobe output: %v", out)
	}
	return info, nil
}

// Parse "30000/1001" or "25"
func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
