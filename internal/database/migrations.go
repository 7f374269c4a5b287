package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationUniqueGoogleEventID = "2026-10-18_unique_google_event_id"

	uniqueGoogleEventIDIndex = "idx_calendar_events_google_event_id_unique"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationUniqueGoogleEventID, apply: enforceUniqueGoogleEventID},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// enforceUniqueGoogleEventID keeps one local row per remote event, the most
// recently written one, and makes the storage reject further duplicates.
// Uncorrelated rows carry an empty remote identifier and stay unconstrained.
func enforceUniqueGoogleEventID(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM calendar_events
			WHERE google_event_id <> ''
			AND EXISTS (
				SELECT 1 FROM calendar_events AS newer
				WHERE newer.google_event_id = calendar_events.google_event_id
				AND (newer.updated_at_s > calendar_events.updated_at_s
					OR (newer.updated_at_s = calendar_events.updated_at_s AND newer.event_id > calendar_events.event_id))
			)`).Error; err != nil {
			return err
		}
		return tx.Exec("CREATE UNIQUE INDEX IF NOT EXISTS " + uniqueGoogleEventIDIndex +
			" ON calendar_events(google_event_id) WHERE google_event_id <> ''").Error
	})
}
