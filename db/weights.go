package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WeightStore struct {
	db *gorm.DB
}

func NewWeightStore(db *gorm.DB) *WeightStore {
	return &WeightStore{db: db}
}

func (s *WeightStore) All(ctx context.Context) ([]VoteWeight, error) {
	var weights []VoteWeight
	if err := s.db.WithContext(ctx).Order("address").Find(&weights).Error; err != nil {
		return nil, fmt.Errorf("failed to get vote weights: %w", err)
	}
	return weights, nil
}

func (s *WeightStore) Get(ctx context.Context, address string) (*VoteWeight, error) {
	var w VoteWeight
	err := s.db.WithContext(ctx).Where("address = ?", address).Limit(1).Find(&w).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get vote weight %s: %w", address, err)
	}
	if w.Address == "" {
		return nil, nil
	}
	return &w, nil
}

// 整表替换，事务内完成，读者看不到半张表
func (s *WeightStore) ReplaceAll(ctx context.Context, weights []VoteWeight) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&VoteWeight{}).Error; err != nil {
			return fmt.Errorf("failed to clear vote weights: %w", err)
		}
		if len(weights) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&weights, insertBatchSize).Error; err != nil {
			return fmt.Errorf("failed to store vote weights: %w", err)
		}
		return nil
	})
}

// 合并写入整行，未涉及的行保持不变
func (s *WeightStore) Upsert(ctx context.Context, weights []VoteWeight) error {
	if len(weights) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			UpdateAll: true,
		}).CreateInBatches(&weights, insertBatchSize).Error
	})
}

// 只合并事件回放相关列，不触碰 weight
func (s *WeightStore) MergeEventCalc(ctx context.Context, weights []VoteWeight) error {
	if len(weights) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"event_calc_weight", "unique_delegators", "delegator_percent", "updated_at",
			}),
		}).CreateInBatches(&weights, insertBatchSize).Error
	})
}

func (s *WeightStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&VoteWeight{}).Error
}
