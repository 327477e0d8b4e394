package database

import (
	"bytes"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationWrapLegacyObjectDocuments = "2026-10-01_wrap_legacy_object_documents"

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
		{name: migrationWrapLegacyObjectDocuments, apply: wrapLegacyObjectDocuments},
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

// wrapLegacyObjectDocuments rewrites collection documents stored with a
// bare object root into one-element arrays.
func wrapLegacyObjectDocuments(db *gorm.DB) error {
	var rows []blob.StoredObject
	if err := db.Where("container = ?", store.DefaultContainer).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		trimmed := bytes.TrimSpace(row.Body)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		items, err := store.DecodeDocument(trimmed)
		if err != nil {
			return err
		}
		body, err := store.EncodeDocument(items)
		if err != nil {
			return err
		}
		etag, err := uuid.NewV7()
		if err != nil {
			return err
		}
		if err := db.Model(&blob.StoredObject{}).
			Where("container = ? AND object_key = ?", row.Container, row.ObjectKey).
			Updates(map[string]interface{}{
				"body":          body,
				"etag":          etag.String(),
				"size_bytes":    int64(len(body)),
				"updated_at_ms": time.Now().UTC().UnixMilli(),
			}).Error; err != nil {
			return err
		}
	}
	return nil
}
