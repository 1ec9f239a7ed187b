package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/justicevae/votewatch/config"
	"github.com/justicevae/votewatch/db"
)

// 一次同步的汇总
type SyncResult struct {
	FromBlock   uint64 `json:"fromBlock"`
	ToBlock     uint64 `json:"toBlock"`
	LatestBlock uint64 `json:"latestBlock"`
	Chunks      int    `json:"chunks"`
	Stored      int    `json:"stored"`
	Skipped     int    `json:"skipped"`
	Watermark   uint64 `json:"watermark"`
	Truncated   bool   `json:"truncated"`
	Stats       Stats  `json:"stats"`
}

type EventProcessor struct {
	cfg     config.ChainConfig
	fetcher *Fetcher
	store   *db.EventStore
	logger  *zap.Logger
}

func NewEventProcessor(cfg config.ChainConfig, fetcher *Fetcher, store *db.EventStore, logger *zap.Logger) *EventProcessor {
	return &EventProcessor{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		logger:  logger,
	}
}

// Sync 从水位线之后分块同步到最新区块
// 超时或取消时返回已完成部分，Truncated=true
func (p *EventProcessor) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	// 获取最后处理的区块
	watermark, ok, err := p.store.LatestProcessedBlock(ctx)
	if err != nil {
		return res, err
	}
	start := p.cfg.StartBlock
	if ok && watermark+1 > start {
		start = watermark + 1
	}
	res.Watermark = watermark

	// 获取当前最新区块
	latest, err := p.fetcher.LatestBlock(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to get latest block: %w", err)
	}
	res.FromBlock = start
	res.LatestBlock = latest
	if start > latest {
		res.ToBlock = latest
		return res, nil
	}

	fetchCtx := ctx
	if p.cfg.SyncTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.SyncTimeout)
		defer cancel()
	}

	batchSize := p.cfg.BlockBatchSize
	if batchSize == 0 {
		batchSize = 500
	}

	began := time.Now()
	if start > 0 {
		res.ToBlock = start - 1
	}
	for from := start; from <= latest; from += batchSize {
		if fetchCtx.Err() != nil {
			res.Truncated = true
			break
		}
		to := min(from+batchSize-1, latest)

		chunk, err := p.fetcher.FetchRange(fetchCtx, from, to)
		if err != nil {
			if errors.Is(err, ErrRangeTooLarge) {
				return res, err
			}
			if fetchCtx.Err() != nil {
				res.Truncated = true
				break
			}
			return res, err
		}

		// 已拉取的数据用外层 ctx 落库，避免超时打断写入
		stored, err := p.store.StoreEvents(ctx, chunk.Events, chunk.Incomplete)
		if err != nil {
			return res, fmt.Errorf("failed to store blocks %d-%d: %w", from, to, err)
		}

		res.Chunks++
		res.ToBlock = to
		res.Stored += stored.Complete + stored.Incomplete
		res.Skipped += stored.Skipped
		if stored.Watermark > res.Watermark {
			res.Watermark = stored.Watermark
		}
		res.Stats.add(chunk.Stats)

		p.logger.Debug("Processed block range",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("complete", chunk.Stats.Complete),
			zap.Int("incomplete", chunk.Stats.Incomplete),
			zap.Int("skipped", stored.Skipped))

		if to == latest {
			break
		}
	}

	p.logger.Info("Event sync finished",
		zap.Uint64("from", res.FromBlock),
		zap.Uint64("to", res.ToBlock),
		zap.Uint64("latest", res.LatestBlock),
		zap.Int("chunks", res.Chunks),
		zap.Int("stored", res.Stored),
		zap.Uint64("watermark", res.Watermark),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("took", time.Since(began)))
	return res, nil
}
