package handlers

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/models"
)

// OpenTestDB creates a SQLite in-memory DB unique per test with the full
// schema migrated. A busy timeout and WAL journal mode reduce SQLite
// locking during parallel tests.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsnName := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_journal_mode=WAL&_busy_timeout=5000", dsnName)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Session{}, &models.LoginAttempt{},
		&models.Violation{}, &models.IPBlockRecord{},
		&models.UserBehaviorProfile{}, &models.AnomalyDetection{},
		&models.SecurityAlert{}, &models.SecurityIncident{},
		&models.SecretRotationRecord{}, &models.SecurityAudit{},
	); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}
