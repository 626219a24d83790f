// Migration utility for pre-existing chat history databases: adds the
// sessions.name column and backfills default names. Idempotent; safe
// to run multiple times.
package main

import (
	"database/sql"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	dbPath := os.Getenv("HISTORY_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/chat_history.db"
	}

	if _, err := os.Stat(dbPath); err != nil {
		slog.Info("History database does not exist, no migration needed", "path", dbPath)
		return
	}

	if err := migrate(dbPath); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migration complete", "path", dbPath)
}

func migrate(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	hasName, err := columnExists(db, "sessions", "name")
	if err != nil {
		return err
	}
	if hasName {
		slog.Info("Column 'name' already exists, no migration needed")
		return nil
	}

	slog.Info("Adding 'name' column to sessions table")
	if _, err := db.Exec(`ALTER TABLE sessions ADD COLUMN name TEXT`); err != nil {
		return err
	}

	// Backfill a readable default for pre-migration sessions.
	res, err := db.Exec(`
		UPDATE sessions
		SET name = 'Conversation ' || substr(id, 1, 8)
		WHERE name IS NULL`)
	if err != nil {
		return err
	}
	updated, _ := res.RowsAffected()
	slog.Info("Backfilled session names", "updated", updated)
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
