package database

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Connect opens a database using the configured driver. Supported drivers
// are "sqlite" and "postgres".
func Connect(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "sqlite":
		db, err := sqlx.Connect("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("connect sqlite: %w", err)
		}
		// modernc sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
		return db, nil
	case "postgres":
		db, err := sqlx.Connect("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
