package database

import (
	"path/filepath"
	"sort"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsEnforcesUniqueGoogleEventID(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&EventRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	existing := []EventRecord{
		{EventID: "evt-old", GoogleEventID: "remote-1", PayloadJSON: `{"id":"evt-old"}`, UpdatedAtSeconds: 1},
		{EventID: "evt-new", GoogleEventID: "remote-1", PayloadJSON: `{"id":"evt-new"}`, UpdatedAtSeconds: 2},
		{EventID: "evt-tie-a", GoogleEventID: "remote-2", PayloadJSON: `{"id":"evt-tie-a"}`, UpdatedAtSeconds: 5},
		{EventID: "evt-tie-b", GoogleEventID: "remote-2", PayloadJSON: `{"id":"evt-tie-b"}`, UpdatedAtSeconds: 5},
		{EventID: "evt-local-1", PayloadJSON: `{"id":"evt-local-1"}`, UpdatedAtSeconds: 1},
		{EventID: "evt-local-2", PayloadJSON: `{"id":"evt-local-2"}`, UpdatedAtSeconds: 1},
	}
	if err := database.Create(&existing).Error; err != nil {
		testContext.Fatalf("failed to insert rows: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []EventRecord
	if err := database.Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload rows: %v", err)
	}
	ids := make([]string, 0, len(remaining))
	for _, record := range remaining {
		ids = append(ids, record.EventID)
	}
	sort.Strings(ids)
	expected := []string{"evt-local-1", "evt-local-2", "evt-new", "evt-tie-b"}
	if len(ids) != len(expected) {
		testContext.Fatalf("expected rows %v, got %v", expected, ids)
	}
	for index := range expected {
		if ids[index] != expected[index] {
			testContext.Fatalf("expected rows %v, got %v", expected, ids)
		}
	}

	duplicate := EventRecord{EventID: "evt-dup", GoogleEventID: "remote-1", PayloadJSON: `{"id":"evt-dup"}`, UpdatedAtSeconds: 3}
	if err := database.Create(&duplicate).Error; err == nil {
		testContext.Fatalf("expected duplicate remote identifier to be rejected")
	}
	uncorrelated := EventRecord{EventID: "evt-local-3", PayloadJSON: `{"id":"evt-local-3"}`, UpdatedAtSeconds: 3}
	if err := database.Create(&uncorrelated).Error; err != nil {
		testContext.Fatalf("uncorrelated rows must stay unconstrained: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationUniqueGoogleEventID).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-applying migrations must be a no-op: %v", err)
	}
}
