package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/vew/pkg/geom"
)

// Name is the type of a semantic event
type Name string

const (
	NewObject        Name = "new object"
	LineIntersection Name = "line intersection"
)

// All known event names
var AllNames = []Name{NewObject, LineIntersection}

// TimestampFormat is the layout of timestamps in queue messages (YYYY.MM.DD HH:MM:SS)
const TimestampFormat = "2006.01.02 15:04:05"

var ErrUnknownEvent = errors.New("Unknown event name")

// ParseName validates an event name
func ParseName(s string) (Name, error) {
	for _, n := range AllNames {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w '%v'", ErrUnknownEvent, s)
}

// ParseNames validates a list of event names
func ParseNames(names []string) ([]Name, error) {
	out := make([]Name, 0, len(names))
	for _, s := range names {
		n, err := ParseName(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// NameSet is a set of event names, used for allow-lists
type NameSet map[Name]bool

func MakeNameSet(names []Name) NameSet {
	s := NameSet{}
	for _, n := range names {
		s[n] = true
	}
	return s
}

// Event is a semantic occurrence derived from a single track in a single frame
type Event struct {
	Timestamp  time.Time
	VideoPath  string
	TracksPath string
	FrameIndex int
	TrackID    int
	Name       Name
	Position   geom.Point // Anchor point of the track. Not part of the queue message.
}

// Key identifies the logical occurrence that de-duplication works on
type Key struct {
	TrackID int
	Name    Name
}

func (e *Event) Key() Key {
	return Key{TrackID: e.TrackID, Name: e.Name}
}

func (e *Event) String() string {
	return fmt.Sprintf("Event '%v' track %v frame %v at (%v, %v)", e.Name, e.TrackID, e.FrameIndex, e.Position.X, e.Position.Y)
}

// Message is the JSON payload of an event on the queue
type Message struct {
	Timestamp  string `json:"timestamp"`
	VideoPath  string `json:"video_path"`
	TracksPath string `json:"tracks_path"`
	FrameIndex int    `json:"frame_index"`
	TrackID    int    `json:"track_id"`
	EventName  string `json:"event_name"`
}

// Encode produces the queue payload for an event
func Encode(e *Event) ([]byte, error) {
	return json.Marshal(&Message{
		Timestamp:  e.Timestamp.Format(TimestampFormat),
		VideoPath:  e.VideoPath,
		TracksPath: e.TracksPath,
		FrameIndex: e.FrameIndex,
		TrackID:    e.TrackID,
		EventName:  string(e.Name),
	})
}

// Decode parses and validates a queue payload.
// Timestamps carry no zone, so they are interpreted in local time.
func Decode(b []byte) (*Event, error) {
	msg := Message{}
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, err
	}
	name, err := ParseName(msg.EventName)
	if err != nil {
		return nil, err
	}
	ts, err := time.ParseInLocation(TimestampFormat, msg.Timestamp, time.Local)
	if err != nil {
		return nil, fmt.Errorf("Invalid timestamp '%v': %w", msg.Timestamp, err)
	}
	if msg.VideoPath == "" {
		return nil, fmt.Errorf("Event has no video_path")
	}
	if msg.FrameIndex < 1 {
		return nil, fmt.Errorf("Invalid frame_index %v", msg.FrameIndex)
	}
	if msg.TrackID < 0 {
		return nil, fmt.Errorf("Invalid track_id %v", msg.TrackID)
	}
	return &Event{
		Timestamp:  ts,
		VideoPath:  msg.VideoPath,
		TracksPath: msg.TracksPath,
		FrameIndex: msg.FrameIndex,
		TrackID:    msg.TrackID,
		Name:       name,
	}, nil
}
