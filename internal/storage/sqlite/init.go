package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// InitDB opens the SQLite database at path and creates the history table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// Writes arrive from one notification goroutine; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS download_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		download_id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		local_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_download_history_owner ON download_history(owner_id);
	CREATE INDEX IF NOT EXISTS idx_download_history_status ON download_history(status);`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
