package processor

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/tracks"
)

// Stats counts events per name
type Stats map[events.Name]int

func (s Stats) Add(other Stats) {
	for k, v := range other {
		s[k] += v
	}
}

func (s Stats) Total() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

func (s Stats) String() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, string(k))
	}
	slices.Sort(keys)
	parts := []string{}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("'%v': %v", k, s[events.Name(k)]))
	}
	return strings.Join(parts, ", ")
}

// Session is the state of event detection for a single video.
// It is created at the start of a video and thrown away at the end, so no state leaks between videos.
type Session struct {
	VideoPath  string
	TracksPath string
	Now        func() time.Time // Replaceable for tests

	seen   map[int]bool // Every track ID that we've ever seen in this video
	totals Stats
}

func newSession(videoPath, tracksPath string) *Session {
	return &Session{
		VideoPath:  videoPath,
		TracksPath: tracksPath,
		Now:        time.Now,
		seen:       map[int]bool{},
		totals:     Stats{},
	}
}

// NumTracks returns the number of distinct track IDs observed so far
func (s *Session) NumTracks() int {
	return len(s.seen)
}

// Totals returns the number of events produced so far, per event name
func (s *Session) Totals() Stats {
	c := Stats{}
	c.Add(s.totals)
	return c
}

func (s *Session) makeEvent(t tracks.Track, name events.Name) *events.Event {
	return &events.Event{
		Timestamp:  s.Now(),
		VideoPath:  s.VideoPath,
		TracksPath: s.TracksPath,
		FrameIndex: t.FrameIndex,
		TrackID:    t.TrackID,
		Name:       name,
		Position:   t.Anchor(),
	}
}
