package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseInviteEmails = "2026-09-01_lowercase_invite_emails"
	migrationPruneOrphanSharing    = "2026-09-14_prune_orphan_sharing"
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
		{name: migrationLowercaseInviteEmails, apply: lowercaseInviteEmails},
		{name: migrationPruneOrphanSharing, apply: pruneOrphanSharing},
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
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Invites used to keep the email as typed; acceptance compares case-insensitively
// but lookups by email do not.
func lowercaseInviteEmails(db *gorm.DB) error {
	if err := db.Model(&sharing.Invite{}).
		Where("email <> lower(email)").
		Update("email", gorm.Expr("lower(email)")).Error; err != nil {
		return err
	}
	return db.Model(&sharing.Member{}).
		Where("email <> lower(email)").
		Update("email", gorm.Expr("lower(email)")).Error
}

// Project deletion did not always cascade into sharing tables.
func pruneOrphanSharing(db *gorm.DB) error {
	live := db.Model(&store.Document{}).
		Select("document_id").
		Where("collection = ?", string(store.CollectionProjects))
	for _, model := range sharing.Models() {
		if err := db.Where("project_id NOT IN (?)", live).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}
