package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

type MetricsStore struct {
	db *gorm.DB
}

func NewMetricsStore(db *gorm.DB) *MetricsStore {
	return &MetricsStore{db: db}
}

// 删除旧快照并写入新快照（同一事务）
func (s *MetricsStore) Replace(ctx context.Context, m *Metrics) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Metrics{}).Error; err != nil {
			return fmt.Errorf("failed to clear metrics: %w", err)
		}
		m.ID = 0
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("failed to store metrics: %w", err)
		}
		return nil
	})
}

// 最新快照，没有时返回 nil
func (s *MetricsStore) Latest(ctx context.Context) (*Metrics, error) {
	var metrics []Metrics
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Limit(1).Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	if len(metrics) == 0 {
		return nil, nil
	}
	return &metrics[0], nil
}

func (s *MetricsStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&Metrics{}).Error
}
