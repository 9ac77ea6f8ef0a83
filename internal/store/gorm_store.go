package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnCollection   = "collection"
	columnDocumentID   = "document_id"
	columnProjectID    = "project_id"
	columnFrameID      = "frame_id"
	orderDocumentIDAsc = columnDocumentID + " ASC"
	queryCollection    = columnCollection + " = ?"
	queryDocument      = columnCollection + " = ? AND " + columnDocumentID + " = ?"
	queryByProject     = columnCollection + " = ? AND " + columnProjectID + " = ?"
	queryByFrame       = columnCollection + " = ? AND " + columnFrameID + " = ?"
)

var errMissingDatabase = errors.New("store: database handle is required")

// Document is the row backing every stored value.
type Document struct {
	Collection       string         `gorm:"column:collection;primaryKey;size:64;not null;index:idx_documents_project,priority:1;index:idx_documents_frame,priority:1"`
	DocumentID       string         `gorm:"column:document_id;primaryKey;size:190;not null"`
	ProjectID        string         `gorm:"column:project_id;size:190;not null;default:'';index:idx_documents_project,priority:2"`
	FrameID          string         `gorm:"column:frame_id;size:190;not null;default:'';index:idx_documents_frame,priority:2"`
	Payload          datatypes.JSON `gorm:"column:payload;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// GormStoreConfig describes the dependencies of a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore persists documents in a single SQL table with project and frame indexes.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore constructs a store over an already migrated database.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the payload stored under collection/id.
func (s *GormStore) Get(ctx context.Context, collection Collection, id string) ([]byte, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where(queryDocument, string(collection), id).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		s.logger.Error("document lookup failed",
			zap.String(columnCollection, string(collection)),
			zap.String(columnDocumentID, id),
			zap.Error(err))
		return nil, err
	}
	return []byte(document.Payload), nil
}

// Put upserts the payload and its index keys, replacing any previous document.
func (s *GormStore) Put(ctx context.Context, collection Collection, id string, keys Keys, payload []byte) error {
	document := Document{
		Collection:       string(collection),
		DocumentID:       id,
		ProjectID:        keys.ProjectID,
		FrameID:          keys.FrameID,
		Payload:          datatypes.JSON(payload),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnCollection}, {Name: columnDocumentID}},
			UpdateAll: true,
		}).
		Create(&document).Error
	if err != nil {
		s.logger.Error("document upsert failed",
			zap.String(columnCollection, string(collection)),
			zap.String(columnDocumentID, id),
			zap.Error(err))
		return err
	}
	return nil
}

// Delete removes collection/id; deleting an absent document is not an error.
func (s *GormStore) Delete(ctx context.Context, collection Collection, id string) error {
	err := s.db.WithContext(ctx).
		Where(queryDocument, string(collection), id).
		Delete(&Document{}).Error
	if err != nil {
		s.logger.Error("document delete failed",
			zap.String(columnCollection, string(collection)),
			zap.String(columnDocumentID, id),
			zap.Error(err))
		return err
	}
	return nil
}

// GetAllByIndex returns payloads whose index column equals value, ordered by document id.
func (s *GormStore) GetAllByIndex(ctx context.Context, collection Collection, index Index, value string) ([][]byte, error) {
	var query string
	switch index {
	case IndexByProject:
		query = queryByProject
	case IndexByFrame:
		query = queryByFrame
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}

	var documents []Document
	if err := s.db.WithContext(ctx).
		Where(query, string(collection), value).
		Order(orderDocumentIDAsc).
		Find(&documents).Error; err != nil {
		s.logger.Error("document index query failed",
			zap.String(columnCollection, string(collection)),
			zap.String("index", string(index)),
			zap.Error(err))
		return nil, err
	}
	return payloadsOf(documents), nil
}

// GetAll returns every payload in the collection, ordered by document id.
func (s *GormStore) GetAll(ctx context.Context, collection Collection) ([][]byte, error) {
	var documents []Document
	if err := s.db.WithContext(ctx).
		Where(queryCollection, string(collection)).
		Order(orderDocumentIDAsc).
		Find(&documents).Error; err != nil {
		s.logger.Error("document list failed",
			zap.String(columnCollection, string(collection)),
			zap.Error(err))
		return nil, err
	}
	return payloadsOf(documents), nil
}

func payloadsOf(documents []Document) [][]byte {
	payloads := make([][]byte, 0, len(documents))
	for _, document := range documents {
		payloads = append(payloads, []byte(document.Payload))
	}
	return payloads
}
