package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/social-login/internal/securestore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsDropsPaddedGroupEntries(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&securestore.Entry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	entries := []securestore.Entry{
		{GroupID: " group.example ", Key: "apple_email", Ciphertext: "AQID"},
		{GroupID: "group.example", Key: "apple_email", Ciphertext: "BAUG"},
		{GroupID: "", Key: "apple_full_name", Ciphertext: "BwgJ"},
	}
	if err := database.Create(&entries).Error; err != nil {
		testContext.Fatalf("failed to insert entries: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining int64
	if err := database.Model(&securestore.Entry{}).Count(&remaining).Error; err != nil {
		testContext.Fatalf("failed to count entries: %v", err)
	}
	if remaining != 2 {
		testContext.Fatalf("expected padded entry to be dropped, %d entries remain", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationDropPaddedGroupEntries).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteIsIdempotent(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "store.db")

	for attempt := 0; attempt < 2; attempt++ {
		database, err := OpenSQLite(databasePath, zap.NewNop())
		if err != nil {
			testContext.Fatalf("open attempt %d failed: %v", attempt, err)
		}
		sqlDB, err := database.DB()
		if err != nil {
			testContext.Fatalf("failed to access sql db: %v", err)
		}
		if err := sqlDB.Close(); err != nil {
			testContext.Fatalf("failed to close sql db: %v", err)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
