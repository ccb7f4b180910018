package modeldb

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
		CREATE TABLE model(
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			weights_file TEXT NOT NULL,
			config TEXT NOT NULL,
			saved_at INT NOT NULL
		);

		CREATE TABLE variable(
			key TEXT PRIMARY KEY,
			value TEXT
		);
		`))

	return migs
}
