package db

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DelegateStore struct {
	db *gorm.DB
}

func NewDelegateStore(db *gorm.DB) *DelegateStore {
	return &DelegateStore{db: db}
}

func (s *DelegateStore) All(ctx context.Context) ([]Delegate, error) {
	var delegates []Delegate
	if err := s.db.WithContext(ctx).Order("created_at, address").Find(&delegates).Error; err != nil {
		return nil, fmt.Errorf("failed to get delegates: %w", err)
	}
	return delegates, nil
}

// 新增受托人，已存在的地址跳过
func (s *DelegateStore) Insert(ctx context.Context, delegates []Delegate) (int, error) {
	if len(delegates) == 0 {
		return 0, nil
	}
	for i := range delegates {
		delegates[i].Address = strings.ToLower(delegates[i].Address)
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&delegates, insertBatchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert delegates: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// 批量保存（覆盖所有列）
func (s *DelegateStore) SaveAll(ctx context.Context, delegates []Delegate) error {
	if len(delegates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			UpdateAll: true,
		}).CreateInBatches(&delegates, insertBatchSize).Error
	})
}

func (s *DelegateStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&Delegate{}).Error
}
