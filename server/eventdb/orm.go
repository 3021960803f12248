package eventdb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/vew/server/events"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Event is a persisted event record.
// The tuple (video_path, frame_index, track_id, event_name) is unique, so that re-delivery of a queue message is harmless.
type Event struct {
	BaseModel
	Timestamp  dbh.IntTime `json:"timestamp"`
	VideoPath  string      `json:"videoPath"`
	TracksPath string      `json:"tracksPath"`
	FrameIndex int         `json:"frameIndex"`
	TrackID    int         `json:"trackID"`
	EventName  string      `json:"eventName"`
	CreatedAt  dbh.IntTime `json:"createdAt"`
}

func (Event) TableName() string {
	return "event"
}

func makeRecord(ev *events.Event) *Event {
	return &Event{
		Timestamp:  dbh.MakeIntTime(ev.Timestamp),
		VideoPath:  ev.VideoPath,
		TracksPath: ev.TracksPath,
		FrameIndex: ev.FrameIndex,
		TrackID:    ev.TrackID,
		EventName:  string(ev.Name),
	}
}

// ToEvent converts the record back into an in-memory event
func (e *Event) ToEvent() events.Event {
	return events.Event{
		Timestamp:  e.Timestamp.Get(),
		VideoPath:  e.VideoPath,
		TracksPath: e.TracksPath,
		FrameIndex: e.FrameIndex,
		TrackID:    e.TrackID,
		Name:       events.Name(e.EventName),
	}
}
