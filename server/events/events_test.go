package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	e := &Event{
		Timestamp:  time.Date(2024, 3, 5, 14, 7, 9, 500, time.Local),
		VideoPath:  "inputs/cars.mp4",
		TracksPath: "tracks/cars",
		FrameIndex: 42,
		TrackID:    7,
		Name:       LineIntersection,
	}
	b, err := Encode(e)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"timestamp": "2024.03.05 14:07:09",
		"video_path": "inputs/cars.mp4",
		"tracks_path": "tracks/cars",
		"frame_index": 42,
		"track_id": 7,
		"event_name": "line intersection"
	}`, string(b))

	d, err := Decode(b)
	require.NoError(t, err)
	require.True(t, e.Timestamp.Truncate(time.Second).Equal(d.Timestamp))
	require.Equal(t, e.Key(), d.Key())
	require.Equal(t, e.FrameIndex, d.FrameIndex)
	require.Equal(t, e.VideoPath, d.VideoPath)
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"timestamp":"2024.03.05 14:07:09","video_path":"a","event_name":"explosion"}`))
	require.True(t, errors.Is(err, ErrUnknownEvent))

	_, err = Decode([]byte(`{"timestamp":"yesterday","video_path":"a","event_name":"new object"}`))
	require.ErrorContains(t, err, "Invalid timestamp")

	_, err = Decode([]byte(`{"timestamp":"2024.03.05 14:07:09","event_name":"new object"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"timestamp":"2024.03.05 14:07:09","video_path":"a","event_name":"new object","frame_index":-5,"track_id":1}`))
	require.ErrorContains(t, err, "frame_index")

	_, err = Decode([]byte(`{"timestamp":"2024.03.05 14:07:09","video_path":"a","event_name":"new object","frame_index":0,"track_id":1}`))
	require.ErrorContains(t, err, "frame_index")

	_, err = Decode([]byte(`{"timestamp":"2024.03.05 14:07:09","video_path":"a","event_name":"new object","frame_index":3,"track_id":-1}`))
	require.ErrorContains(t, err, "track_id")

	// Track zero is a valid ID
	ev, err := Decode([]byte(`{"timestamp":"2024.03.05 14:07:09","video_path":"a","event_name":"new object","frame_index":3,"track_id":0}`))
	require.NoError(t, err)
	require.Equal(t, 0, ev.TrackID)
}

func TestParseNames(t *testing.T) {
	names, err := ParseNames([]string{"new object", "line intersection"})
	require.NoError(t, err)
	require.Equal(t, []Name{NewObject, LineIntersection}, names)
	set := MakeNameSet(names[:1])
	require.True(t, set[NewObject])
	require.False(t, set[LineIntersection])

	_, err = ParseNames([]string{"new object", "bogus"})
	require.ErrorIs(t, err, ErrUnknownEvent)
}
