package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open bootstraps the SQLite database at the given filesystem path, creating
// the parent directory when needed. Plain file paths get WAL journaling, a
// busy timeout and foreign key enforcement appended; DSNs that carry their
// own parameters are passed through untouched.
func Open(dbPath string) (*gorm.DB, error) {
	dsn := dbPath
	if !strings.HasPrefix(dbPath, "file:") && !strings.HasPrefix(dbPath, ":memory:") && !strings.Contains(dbPath, "?") {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("ensure data directory: %w", err)
			}
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	return db, nil
}
