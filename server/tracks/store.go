package tracks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Store keeps one CSV file per frame, named "{frame_index}.csv".
// A frame file is written once by the watcher, and read many times by extractors,
// possibly from another process. Files are written to a temporary name and then
// renamed, so a reader never observes a partially written frame.
type Store struct {
	Dir string
}

// NewStore opens (or creates) a per-video track directory
func NewStore(dir string) (*Store, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("Failed to create tracks directory '%v': %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) Path(frameIndex int) string {
	return filepath.Join(s.Dir, strconv.Itoa(frameIndex)+".csv")
}

// Write persists the tracks of one frame. A frame with zero tracks still produces a file.
func (s *Store) Write(frameIndex int, tracks []Track) error {
	final := s.Path(frameIndex)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, tracks, true); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

// Exists returns true if the frame's file has been materialized
func (s *Store) Exists(frameIndex int) bool {
	_, err := os.Stat(s.Path(frameIndex))
	return err == nil
}

// Read returns the tracks of one frame, in the order they were written
func (s *Store) Read(frameIndex int) ([]Track, error) {
	f, err := os.Open(s.Path(frameIndex))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tracks, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("Failed to read tracks of frame %v: %w", frameIndex, err)
	}
	return tracks, nil
}

// ReadRange reads frames [start, end] inclusive, keeping only rows of trackID.
// Every frame in the range must exist.
func (s *Store) ReadRange(start, end, trackID int) (map[int][]Track, error) {
	byFrame := map[int][]Track{}
	for i := start; i <= end; i++ {
		tracks, err := s.Read(i)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("Tracks of frame %v are missing: %w", i, err)
		} else if err != nil {
			return nil, err
		}
		byFrame[i] = FilterTrackID(tracks, trackID)
	}
	return byFrame, nil
}
