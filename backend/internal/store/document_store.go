package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"edin/backend/internal/docsync"
)

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) LoadDocument(ctx context.Context, docID string) (*docsync.Snapshot, error) {
	var rec DocumentRecord
	err := s.db.WithContext(ctx).Where("id = ?", docID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到，返回 nil, nil
		}
		return nil, err
	}
	var content any
	if err := json.Unmarshal([]byte(rec.Content), &content); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", docID, err)
	}
	return &docsync.Snapshot{ID: rec.ID, Version: rec.Version, Content: content}, nil
}

// SaveDocument 按主键 upsert（ON DUPLICATE KEY UPDATE）
func (s *DocumentStore) SaveDocument(ctx context.Context, snap docsync.Snapshot) error {
	b, err := json.Marshal(snap.Content)
	if err != nil {
		return err
	}
	rec := DocumentRecord{ID: snap.ID, Version: snap.Version, Content: string(b)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "content", "updated_at"}),
	}).Create(&rec).Error
}

func (s *DocumentStore) DeleteDocument(ctx context.Context, docID string) error {
	return s.db.WithContext(ctx).Where("id = ?", docID).Delete(&DocumentRecord{}).Error
}
