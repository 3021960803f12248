package processor

import (
	"github.com/cyclopcam/vew/pkg/geom"
	"github.com/cyclopcam/vew/server/events"
	"github.com/cyclopcam/vew/server/tracks"
)

// Rule turns a track into an event, or returns nil.
// Rules are evaluated in order, for every track, and more than one rule may fire for the same track.
type Rule interface {
	Name() events.Name
	Evaluate(t tracks.Track, s *Session) *events.Event
}

// NewObjectRule fires the first time that a track ID is seen in a video
type NewObjectRule struct{}

func (r NewObjectRule) Name() events.Name {
	return events.NewObject
}

func (r NewObjectRule) Evaluate(t tracks.Track, s *Session) *events.Event {
	if s.seen[t.TrackID] {
		return nil
	}
	s.seen[t.TrackID] = true
	return s.makeEvent(t, events.NewObject)
}

// LineIntersectionRule fires when the anchor of a track is within Threshold pixels of Line
type LineIntersectionRule struct {
	Line      geom.Line
	Threshold float64
}

func (r LineIntersectionRule) Name() events.Name {
	return events.LineIntersection
}

func (r LineIntersectionRule) Evaluate(t tracks.Track, s *Session) *events.Event {
	if !r.Line.Crosses(t.Anchor(), r.Threshold) {
		return nil
	}
	return s.makeEvent(t, events.LineIntersection)
}
