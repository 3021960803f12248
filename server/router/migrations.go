package router

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
		CREATE TABLE queue_message(
			id INTEGER PRIMARY KEY,
			queue TEXT NOT NULL,
			message_id TEXT NOT NULL,
			body BLOB NOT NULL,
			state TEXT NOT NULL,
			deliveries INT NOT NULL DEFAULT 0,
			error TEXT,
			created_at INT NOT NULL,
			leased_at INT
		);

		CREATE INDEX idx_queue_message_queue_state ON queue_message(queue, state);
	`))

	return migs
}
