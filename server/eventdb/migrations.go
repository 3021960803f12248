package eventdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE event(
			id INTEGER PRIMARY KEY,
			timestamp INT NOT NULL,
			video_path TEXT NOT NULL,
			tracks_path TEXT NOT NULL,
			frame_index INT NOT NULL,
			track_id INT NOT NULL,
			event_name TEXT NOT NULL
		);

		CREATE UNIQUE INDEX idx_event_key ON event(video_path, frame_index, track_id, event_name);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		ALTER TABLE event ADD COLUMN created_at INT;
		CREATE INDEX idx_event_timestamp ON event(timestamp);
	`))

	return migs
}
