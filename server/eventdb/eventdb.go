package eventdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/server/events"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventDB stores events that have come off the queue
type EventDB struct {
	Log logs.Log
	DB  *gorm.DB

	// If non-zero, the oldest events are purged once there are more than this many
	maxEventCount int64

	purgeLock sync.Mutex
	lastPurge time.Time
}

// Filter selects events for List. Zero values match everything.
type Filter struct {
	VideoPath string
	EventName events.Name
	TrackID   int // Ignored if zero
	Limit     int // Default 1000
}

const DefaultListLimit = 1000

// Minimum time between purges of old events
const PurgeInterval = time.Minute

// Open or create an event DB
func NewEventDB(logger logs.Log, dbc dbh.DBConfig, maxEventCount int64) (*EventDB, error) {
	logger = logs.NewPrefixLogger(logger, "EventDB")
	if dbc.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(dbc.Database), 0770)
	}
	logger.Infof("Opening %v", dbc.LogSafeDescription())
	db, err := dbh.OpenDB(logger, dbc, Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open event database %v: %w", dbc.LogSafeDescription(), err)
	}
	return &EventDB{
		Log:           logger,
		DB:            db,
		maxEventCount: maxEventCount,
	}, nil
}

func (e *EventDB) Close() error {
	sqlDB, err := e.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save persists an event. Saving the same event twice is not an error.
// Returns true if a new record was created.
func (e *EventDB) Save(ctx context.Context, ev *events.Event) (bool, error) {
	rec := makeRecord(ev)
	rec.CreatedAt = dbh.MakeIntTime(time.Now())
	res := e.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("Failed to save %v: %w", ev, res.Error)
	}
	if res.RowsAffected == 0 {
		e.Log.Debugf("Already have %v", ev)
		return false, nil
	}
	e.purgeOldRecords()
	return true, nil
}

// SaveAction returns a queue consumer action that persists events
func (e *EventDB) SaveAction() func(ctx context.Context, ev *events.Event) error {
	return func(ctx context.Context, ev *events.Event) error {
		_, err := e.Save(ctx, ev)
		return err
	}
}

// List returns events that match the filter, in order of video, frame, and track
func (e *EventDB) List(filter Filter) ([]Event, error) {
	q := e.DB.Model(&Event{})
	if filter.VideoPath != "" {
		q = q.Where("video_path = ?", filter.VideoPath)
	}
	if filter.EventName != "" {
		q = q.Where("event_name = ?", string(filter.EventName))
	}
	if filter.TrackID != 0 {
		q = q.Where("track_id = ?", filter.TrackID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	result := []Event{}
	err := q.Order("video_path, frame_index, track_id, id").Limit(limit).Find(&result).Error
	return result, err
}

// Count returns the total number of stored events
func (e *EventDB) Count() (int64, error) {
	n := int64(0)
	err := e.DB.Model(&Event{}).Count(&n).Error
	return n, err
}

func (e *EventDB) purgeOldRecords() {
	if e.maxEventCount == 0 {
		return
	}
	e.purgeLock.Lock()
	defer e.purgeLock.Unlock()
	if time.Since(e.lastPurge) < PurgeInterval {
		return
	}
	e.lastPurge = time.Now()

	count, err := e.Count()
	if err != nil {
		e.Log.Errorf("Failed to count events: %v", err)
		return
	}
	if count <= e.maxEventCount {
		return
	}
	excess := count - e.maxEventCount
	if err := e.DB.Exec("DELETE FROM event WHERE id IN (SELECT id FROM event ORDER BY id LIMIT ?)", excess).Error; err != nil {
		e.Log.Errorf("Failed to purge old events: %v", err)
		return
	}
	e.Log.Infof("Purged %v old events", excess)
}
