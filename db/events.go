package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// 分页读取，避免一次性加载全部事件
	DefaultEventPageSize = 2000
	insertBatchSize      = 1000
	// 去重查询 IN 列表上限
	keyQueryBatchSize = 500
	syncStateID          = 1
)

// 事件分区
type EventSet struct {
	Complete   []DelegationEvent
	Incomplete []DelegationEvent
}

// All 完整 + 不完整
func (s EventSet) All() []DelegationEvent {
	all := make([]DelegationEvent, 0, len(s.Complete)+len(s.Incomplete))
	all = append(all, s.Complete...)
	return append(all, s.Incomplete...)
}

type StoreResult struct {
	Complete   int
	Incomplete int
	Skipped    int
	Watermark  uint64
}

type EventStore struct {
	db       *gorm.DB
	pageSize int
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db, pageSize: DefaultEventPageSize}
}

// WithPageSize 调整分页大小
func (s *EventStore) WithPageSize(n int) *EventStore {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

// 获取水位线
func (s *EventStore) LatestProcessedBlock(ctx context.Context) (uint64, bool, error) {
	var state SyncState
	err := s.db.WithContext(ctx).First(&state, syncStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state.LatestBlock, true, nil
}

// 去重后追加写入两个分区，并推进水位线
func (s *EventStore) StoreEvents(ctx context.Context, complete, incomplete []DelegationEvent) (StoreResult, error) {
	var res StoreResult
	if len(complete) == 0 && len(incomplete) == 0 {
		return res, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen, err := existingKeys(tx, complete, incomplete)
		if err != nil {
			return err
		}

		newComplete := dedupe(complete, seen)
		newIncomplete := dedupe(incomplete, seen)

		if len(newComplete) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(&newComplete, insertBatchSize).Error; err != nil {
				return fmt.Errorf("failed to store complete events: %w", err)
			}
		}
		if len(newIncomplete) > 0 {
			rows := make([]IncompleteEvent, len(newIncomplete))
			for i, e := range newIncomplete {
				e.Delegator, e.FromDelegate = nil, nil
				rows[i] = IncompleteEvent(e)
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(&rows, insertBatchSize).Error; err != nil {
				return fmt.Errorf("failed to store incomplete events: %w", err)
			}
		}

		res.Complete = len(newComplete)
		res.Incomplete = len(newIncomplete)
		res.Skipped = len(complete) + len(incomplete) - res.Complete - res.Incomplete
		if res.Complete+res.Incomplete == 0 {
			return nil
		}

		res.Watermark, err = advanceWatermark(tx)
		return err
	})
	if err != nil {
		return StoreResult{}, err
	}
	return res, nil
}

// 读取事件，includeIncomplete=false 时只返回完整事件
func (s *EventStore) Events(ctx context.Context, includeIncomplete bool) (EventSet, error) {
	var set EventSet
	tx := s.db.WithContext(ctx)

	var page []DelegationEvent
	err := tx.Model(&DelegationEvent{}).FindInBatches(&page, s.pageSize, func(*gorm.DB, int) error {
		set.Complete = append(set.Complete, page...)
		return nil
	}).Error
	if err != nil {
		return EventSet{}, fmt.Errorf("failed to read complete events: %w", err)
	}

	if includeIncomplete {
		var partial []IncompleteEvent
		err = tx.Model(&IncompleteEvent{}).FindInBatches(&partial, s.pageSize, func(*gorm.DB, int) error {
			for _, e := range partial {
				set.Incomplete = append(set.Incomplete, DelegationEvent(e))
			}
			return nil
		}).Error
		if err != nil {
			return EventSet{}, fmt.Errorf("failed to read incomplete events: %w", err)
		}
	}
	return set, nil
}

// 全量重置：两个分区 + 水位线
func (s *EventStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&DelegationEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&IncompleteEvent{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&SyncState{}).Error
	})
}

type eventKey struct {
	TransactionHash string
	ToDelegate      string
}

// existingKeys 只查询本批次涉及的交易哈希，唯一索引兜底
func existingKeys(tx *gorm.DB, batches ...[]DelegationEvent) (map[string]struct{}, error) {
	unique := make(map[string]struct{})
	var hashes []string
	for _, events := range batches {
		for _, e := range events {
			h := strings.ToLower(e.TransactionHash)
			if _, ok := unique[h]; ok {
				continue
			}
			unique[h] = struct{}{}
			hashes = append(hashes, h)
		}
	}

	seen := make(map[string]struct{})
	cols := []string{"transaction_hash", "to_delegate"}
	for start := 0; start < len(hashes); start += keyQueryBatchSize {
		chunk := hashes[start:min(start+keyQueryBatchSize, len(hashes))]
		for _, model := range []interface{}{&DelegationEvent{}, &IncompleteEvent{}} {
			var keys []eventKey
			if err := tx.Model(model).Select(cols).Where("transaction_hash IN ?", chunk).Find(&keys).Error; err != nil {
				return nil, fmt.Errorf("failed to load existing event keys: %w", err)
			}
			for _, k := range keys {
				seen[EventKey(k.TransactionHash, k.ToDelegate)] = struct{}{}
			}
		}
	}
	return seen, nil
}

// dedupe 过滤已存在的键，同时记录本批次新增的键
func dedupe(events []DelegationEvent, seen map[string]struct{}) []DelegationEvent {
	out := make([]DelegationEvent, 0, len(events))
	for _, e := range events {
		key := e.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		e.ID = 0
		e.TransactionHash = strings.ToLower(e.TransactionHash)
		e.ToDelegate = strings.ToLower(e.ToDelegate)
		out = append(out, e)
	}
	return out
}

// 水位线 = 两个分区各自最大区块号中的较小值，只前进不后退
func advanceWatermark(tx *gorm.DB) (uint64, error) {
	completeMax, hasComplete, err := maxBlock(tx, &DelegationEvent{})
	if err != nil {
		return 0, err
	}
	incompleteMax, hasIncomplete, err := maxBlock(tx, &IncompleteEvent{})
	if err != nil {
		return 0, err
	}

	var candidate uint64
	switch {
	case hasComplete && hasIncomplete:
		candidate = min(completeMax, incompleteMax)
	case hasComplete:
		candidate = completeMax
	case hasIncomplete:
		candidate = incompleteMax
	default:
		return 0, nil
	}

	var state SyncState
	err = tx.First(&state, syncStateID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		state = SyncState{ID: syncStateID, LatestBlock: candidate}
		return candidate, tx.Create(&state).Error
	case err != nil:
		return 0, fmt.Errorf("failed to get sync state: %w", err)
	}

	if candidate <= state.LatestBlock {
		return state.LatestBlock, nil
	}
	state.LatestBlock = candidate
	return candidate, tx.Save(&state).Error
}

func maxBlock(tx *gorm.DB, model interface{}) (uint64, bool, error) {
	var max sql.NullInt64
	if err := tx.Model(model).Select("MAX(block_number)").Row().Scan(&max); err != nil {
		return 0, false, fmt.Errorf("failed to get max block: %w", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}
