package watcher

import "github.com/cyclopcam/vew/server/events"

// DedupWindow converts a de-duplication interval in seconds into a number of frames
func DedupWindow(intervalSeconds, fps float64) int {
	return int(intervalSeconds * fps)
}

// Deduplicator drops events that repeat a (track, event name) pair too soon.
// The window is measured from the last accepted occurrence, not the last seen one.
type Deduplicator struct {
	window int
	last   map[events.Key]int // frame index of the last accepted event
}

func NewDeduplicator(window int) *Deduplicator {
	return &Deduplicator{
		window: window,
		last:   map[events.Key]int{},
	}
}

// Accept returns true if the event should be kept, and records it
func (d *Deduplicator) Accept(ev *events.Event) bool {
	key := ev.Key()
	if last, ok := d.last[key]; ok && ev.FrameIndex-last < d.window {
		return false
	}
	d.last[key] = ev.FrameIndex
	return true
}
