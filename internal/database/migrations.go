package database

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptoriumLab/vellum/backend/internal/store"
)

const migrationBackfillVersionDigests = "2026-07-14_backfill_version_digests"

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
		{name: migrationBackfillVersionDigests, apply: backfillVersionDigests},
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

// Versions written before the metadata columns existed carry empty digests.
func backfillVersionDigests(db *gorm.DB) error {
	var versions []store.SnapshotRecord
	if err := db.Where("state_digest = ''").Find(&versions).Error; err != nil {
		return err
	}
	for _, version := range versions {
		digest := sha256.Sum256(version.StateBlob)
		err := db.Model(&store.SnapshotRecord{}).
			Where("document_id = ? AND version = ?", version.DocumentID, version.Version).
			Updates(map[string]any{
				"state_digest": hex.EncodeToString(digest[:]),
				"byte_size":    int64(len(version.StateBlob)),
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
