package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// Message states in the queue_message table
const (
	StateReady   = "ready"   // Waiting to be delivered
	StateUnacked = "unacked" // Delivered, but not yet acknowledged
	StateDead    = "dead"    // Rejected by a consumer
)

// DefaultVisibilityTimeout is how long a delivered message may stay unacknowledged before it is delivered again
const DefaultVisibilityTimeout = 5 * time.Minute

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type QueueMessage struct {
	BaseModel
	Queue      string      `json:"queue"`
	MessageID  string      `json:"messageID"`
	Body       []byte      `json:"body"`
	State      string      `json:"state"`
	Deliveries int         `json:"deliveries"`
	Error      string      `json:"error"`
	CreatedAt  dbh.IntTime `json:"createdAt"`
	LeasedAt   dbh.IntTime `json:"leasedAt"`
}

func (QueueMessage) TableName() string {
	return "queue_message"
}

// DBQueue is a durable queue stored in a SQL database.
// It lets a single machine run the pipeline without a message broker.
// Messages that are delivered but never acknowledged become visible again after the visibility timeout.
type DBQueue struct {
	Log        logs.Log
	db         *gorm.DB
	visibility time.Duration
	now        func() time.Time
}

// OpenDBQueue opens (or creates) the queue database
func OpenDBQueue(logger logs.Log, dbc dbh.DBConfig, visibility time.Duration) (*DBQueue, error) {
	logger = logs.NewPrefixLogger(logger, "DBQueue")
	if dbc.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(dbc.Database), 0770)
	}
	db, err := dbh.OpenDB(logger, dbc, Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open queue database %v: %w", dbc.LogSafeDescription(), err)
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &DBQueue{
		Log:        logger,
		db:         db,
		visibility: visibility,
		now:        time.Now,
	}, nil
}

// Dial returns a connection to the queue. It satisfies Dialer.
func (q *DBQueue) Dial(ctx context.Context) (Broker, error) {
	return &dbBroker{q: q}, nil
}

// Count returns the number of messages in the given queue and state
func (q *DBQueue) Count(queue, state string) (int64, error) {
	n := int64(0)
	err := q.db.Model(&QueueMessage{}).Where("queue = ? AND state = ?", queue, state).Count(&n).Error
	return n, err
}

// DeadLetters returns rejected messages, oldest first
func (q *DBQueue) DeadLetters(queue string) ([]QueueMessage, error) {
	msgs := []QueueMessage{}
	err := q.db.Where("queue = ? AND state = ?", queue, StateDead).Order("id").Find(&msgs).Error
	return msgs, err
}

func (q *DBQueue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// dbBroker is a Broker session over a DBQueue. Closing it does not close the database.
type dbBroker struct {
	q *DBQueue
}

func (b *dbBroker) Declare(ctx context.Context, queue string) error {
	return nil
}

func (b *dbBroker) Publish(ctx context.Context, queue string, msg Message) error {
	row := QueueMessage{
		Queue:     queue,
		MessageID: msg.ID,
		Body:      msg.Body,
		State:     StateReady,
		CreatedAt: dbh.MakeIntTime(b.q.now()),
	}
	return b.q.db.WithContext(ctx).Create(&row).Error
}

func (b *dbBroker) Get(ctx context.Context, queue string) (*Delivery, error) {
	var delivery *Delivery
	now := b.q.now()
	err := b.q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Unacknowledged messages whose lease has expired go back to the queue
		expired := dbh.MakeIntTime(now.Add(-b.q.visibility))
		if err := tx.Model(&QueueMessage{}).
			Where("queue = ? AND state = ? AND leased_at <= ?", queue, StateUnacked, expired).
			Updates(map[string]any{"state": StateReady}).Error; err != nil {
			return err
		}

		rows := []QueueMessage{}
		if err := tx.Where("queue = ? AND state = ?", queue, StateReady).Order("id").Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		row := rows[0]
		row.Deliveries++
		if err := tx.Model(&QueueMessage{}).Where("id = ?", row.ID).Updates(map[string]any{
			"state":      StateUnacked,
			"leased_at":  dbh.MakeIntTime(now),
			"deliveries": row.Deliveries,
		}).Error; err != nil {
			return err
		}
		delivery = &Delivery{
			Message: Message{
				ID:   row.MessageID,
				Body: row.Body,
			},
			Tag:         uint64(row.ID),
			Redelivered: row.Deliveries > 1,
		}
		return nil
	})
	return delivery, err
}

func (b *dbBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.q.db.WithContext(ctx).Delete(&QueueMessage{}, int64(d.Tag)).Error
}

func (b *dbBroker) Reject(ctx context.Context, d *Delivery, reason string) error {
	return b.q.db.WithContext(ctx).Model(&QueueMessage{}).Where("id = ?", int64(d.Tag)).Updates(map[string]any{
		"state": StateDead,
		"error": reason,
	}).Error
}

func (b *dbBroker) Close() error {
	return nil
}
