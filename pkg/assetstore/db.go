package assetstore

import (
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var embedMigrations embed.FS

// OpenDB opens the relational database and applies pending migrations.
// Supported drivers: sqlite3, postgres.
func OpenDB(driver, dsn string) (*sqlx.DB, error) {
	if driver == "sqlite3" {
		// Serialize writers instead of failing fast on lock contention.
		dsn = dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		// A single connection sidesteps SQLITE_BUSY between pool members.
		db.SetMaxOpenConns(1)
	}

	if err := migrate(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func migrate(db *sqlx.DB, driver string) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(driver); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations/"+driver); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
