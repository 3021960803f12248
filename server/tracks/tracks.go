package tracks

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cyclopcam/vew/pkg/geom"
)

// Columns of a track file, in order
var Columns = []string{"frame_index", "x_min", "y_min", "x_max", "y_max", "track_id"}

// Track is one tracked object's box in one frame.
// Tracks are immutable once produced, and files are only ever appended to or created whole.
type Track struct {
	FrameIndex int `json:"frameIndex"`
	XMin       int `json:"xMin"`
	YMin       int `json:"yMin"`
	XMax       int `json:"xMax"`
	YMax       int `json:"yMax"`
	TrackID    int `json:"trackID"`
}

func (t Track) Box() geom.Rect {
	return geom.RectFromCorners(t.XMin, t.YMin, t.XMax, t.YMax)
}

func (t Track) Anchor() geom.Point {
	return t.Box().Anchor()
}

func (t Track) record() []string {
	return []string{
		strconv.Itoa(t.FrameIndex),
		strconv.Itoa(t.XMin),
		strconv.Itoa(t.YMin),
		strconv.Itoa(t.XMax),
		strconv.Itoa(t.YMax),
		strconv.Itoa(t.TrackID),
	}
}

func parseRecord(rec []string) (Track, error) {
	if len(rec) != len(Columns) {
		return Track{}, fmt.Errorf("Expected %v columns, but found %v", len(Columns), len(rec))
	}
	v := [6]int{}
	for i, s := range rec {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Track{}, fmt.Errorf("Invalid %v '%v'", Columns[i], s)
		}
		v[i] = n
	}
	return Track{
		FrameIndex: v[0],
		XMin:       v[1],
		YMin:       v[2],
		XMax:       v[3],
		YMax:       v[4],
		TrackID:    v[5],
	}, nil
}

// WithFrameIndex returns a copy of the tracks, stamped with a different frame index
func WithFrameIndex(tracks []Track, frameIndex int) []Track {
	out := make([]Track, len(tracks))
	for i, t := range tracks {
		t.FrameIndex = frameIndex
		out[i] = t
	}
	return out
}

// FilterTrackID returns only the tracks with the given ID
func FilterTrackID(tracks []Track, trackID int) []Track {
	out := []Track{}
	for _, t := range tracks {
		if t.TrackID == trackID {
			out = append(out, t)
		}
	}
	return out
}

// WriteCSV writes a header row, followed by one row per track
func WriteCSV(w io.Writer, tracks []Track, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(Columns); err != nil {
			return err
		}
	}
	for _, t := range tracks {
		if err := cw.Write(t.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads tracks, skipping a header row if present
func ReadCSV(r io.Reader) ([]Track, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	tracks := []Track{}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		if line == 1 && len(rec) > 0 && rec[0] == Columns[0] {
			continue
		}
		t, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("Line %v: %w", line, err)
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// AppendAggregate appends the tracks of one frame to a single per-video file
func AppendAggregate(filename string, tracks []Track) error {
	_, err := os.Stat(filename)
	isNew := errors.Is(err, os.ErrNotExist)
	if err := os.MkdirAll(filepath.Dir(filename), 0770); err != nil {
		return err
	}
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, tracks, isNew); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadAggregate reads a per-video track file, and groups the tracks by frame index
func ReadAggregate(filename string) (map[int][]Track, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	all, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("Failed to read tracks from '%v': %w", filename, err)
	}
	byFrame := map[int][]Track{}
	for _, t := range all {
		byFrame[t.FrameIndex] = append(byFrame[t.FrameIndex], t)
	}
	return byFrame, nil
}
