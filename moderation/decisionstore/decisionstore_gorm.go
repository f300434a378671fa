package decisionstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// GormDecisionStore persists decisions to SQL (sqlite for small deploys,
// postgres in production). The driver is chosen by the caller.
type GormDecisionStore struct {
	DB *gorm.DB
}

var _ DecisionStore = (*GormDecisionStore)(nil)

func NewGormDecisionStore(db *gorm.DB) (*GormDecisionStore, error) {
	if err := db.AutoMigrate(&DecisionRecord{}); err != nil {
		return nil, fmt.Errorf("migrating decision records: %w", err)
	}
	return &GormDecisionStore{DB: db}, nil
}

func (s *GormDecisionStore) Record(ctx context.Context, rec DecisionRecord) error {
	if err := s.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("persisting decision record: %w", err)
	}
	return nil
}

func (s *GormDecisionStore) GetByItem(ctx context.Context, itemID string) ([]DecisionRecord, error) {
	var out []DecisionRecord
	err := s.DB.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at desc").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
