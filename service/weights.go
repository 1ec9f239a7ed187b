package service

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/justicevae/votewatch/db"
)

type WeightService struct {
	events    *db.EventStore
	weights   *db.WeightStore
	delegates *db.DelegateStore
	reader    *ChainReader
	decimals  uint8
	tolerance *big.Int
	logger    *zap.Logger
}

func NewWeightService(events *db.EventStore, weights *db.WeightStore, delegates *db.DelegateStore, reader *ChainReader, decimals uint8, tolerance float64, logger *zap.Logger) *WeightService {
	return &WeightService{
		events:    events,
		weights:   weights,
		delegates: delegates,
		reader:    reader,
		decimals:  decimals,
		tolerance: toleranceCents(tolerance),
		logger:    logger,
	}
}

// FetchOnChainWeights 读取全部受托人的链上投票权，整表替换
func (s *WeightService) FetchOnChainWeights(ctx context.Context) (int, error) {
	delegates, err := s.delegates.All(ctx)
	if err != nil {
		return 0, err
	}
	addresses := make([]string, len(delegates))
	for i, d := range delegates {
		addresses[i] = d.Address
	}

	read, err := s.reader.ReadWeights(ctx, addresses)
	if err != nil {
		return 0, fmt.Errorf("failed to read on-chain weights: %w", err)
	}

	rows := make([]db.VoteWeight, 0, len(read))
	for _, addr := range addresses {
		weight, ok := read[strings.ToLower(addr)]
		if !ok {
			weight = zeroWeight
		}
		rows = append(rows, db.VoteWeight{Address: strings.ToLower(addr), Weight: weight, DelegatorPercent: zeroWeight})
	}
	if err := s.weights.ReplaceAll(ctx, rows); err != nil {
		return 0, err
	}

	s.logger.Info("Replaced on-chain weights", zap.Int("addresses", len(rows)))
	return len(rows), nil
}

// CalculateEventWeights 合并回放结果，不修改 weight
func (s *WeightService) CalculateEventWeights(ctx context.Context) (int, error) {
	set, err := s.events.Events(ctx, true)
	if err != nil {
		return 0, err
	}
	replay := ReplayEvents(set.All(), s.decimals)

	rows := make([]db.VoteWeight, 0, len(replay))
	for _, w := range replay {
		weight := w.Weight
		rows = append(rows, db.VoteWeight{
			Address:          w.Address,
			Weight:           zeroWeight,
			EventCalcWeight:  &weight,
			UniqueDelegators: w.UniqueDelegators,
			DelegatorPercent: w.DelegatorPercent,
		})
	}

	// 已有但回放中没有的地址归零，避免保留过期的回放值
	stored, err := s.weights.All(ctx)
	if err != nil {
		return 0, err
	}
	for _, row := range stored {
		addr := strings.ToLower(row.Address)
		if _, ok := replay[addr]; ok {
			continue
		}
		zero := zeroWeight
		rows = append(rows, db.VoteWeight{
			Address:          addr,
			Weight:           zeroWeight,
			EventCalcWeight:  &zero,
			UniqueDelegators: 0,
			DelegatorPercent: zeroWeight,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })

	if err := s.weights.MergeEventCalc(ctx, rows); err != nil {
		return 0, err
	}
	s.logger.Info("Merged event replay weights",
		zap.Int("addresses", len(rows)),
		zap.Int("events", len(set.Complete)+len(set.Incomplete)))
	return len(rows), nil
}

// 单地址权重对比
type WeightMismatch struct {
	Address         string `json:"address"`
	Weight          string `json:"weight"`
	EventCalcWeight string `json:"eventCalcWeight"`
	Difference      string `json:"difference"`
	diff            *big.Int
}

type MismatchResult struct {
	TotalChecked     int      `json:"totalChecked"`
	MismatchesFound  int      `json:"mismatchesFound"`
	UpdatedAddresses []string `json:"updatedAddresses"`
}

// CheckMismatches 回放值与存储的 weight 超出容差的地址重新读取链上值
// 未命中的行保持原样
func (s *WeightService) CheckMismatches(ctx context.Context) (MismatchResult, error) {
	res := MismatchResult{UpdatedAddresses: []string{}}

	stored, err := s.weights.All(ctx)
	if err != nil {
		return res, err
	}
	set, err := s.events.Events(ctx, true)
	if err != nil {
		return res, err
	}
	replay := ReplayEvents(set.All(), s.decimals)

	byAddr := make(map[string]db.VoteWeight, len(stored))
	var mismatched []string
	for _, row := range stored {
		res.TotalChecked++
		addr := strings.ToLower(row.Address)
		byAddr[addr] = row

		expected := zeroWeight
		if w, ok := replay[addr]; ok {
			expected = w.Weight
		}
		ok, _, err := withinTolerance(row.Weight, expected, s.tolerance)
		if err != nil {
			s.logger.Warn("Unparseable stored weight, treating as mismatch",
				zap.String("address", addr),
				zap.String("weight", row.Weight),
				zap.Error(err))
		}
		if ok {
			continue
		}
		s.logger.Info("Weight mismatch",
			zap.String("address", addr),
			zap.String("weight", row.Weight),
			zap.String("eventCalcWeight", expected))
		mismatched = append(mismatched, addr)
	}
	res.MismatchesFound = len(mismatched)
	if len(mismatched) == 0 {
		return res, nil
	}

	fresh, err := s.reader.ReadWeights(ctx, mismatched)
	if err != nil {
		return res, fmt.Errorf("failed to refresh mismatched weights: %w", err)
	}

	updates := make([]db.VoteWeight, 0, len(mismatched))
	for _, addr := range mismatched {
		weight, ok := fresh[addr]
		if !ok {
			continue
		}
		row := byAddr[addr]
		if w, ok := replay[addr]; ok {
			calc := w.Weight
			row.EventCalcWeight = &calc
			row.UniqueDelegators = w.UniqueDelegators
			row.DelegatorPercent = w.DelegatorPercent
		}
		row.Address = addr
		row.Weight = weight
		updates = append(updates, row)
		res.UpdatedAddresses = append(res.UpdatedAddresses, addr)
	}
	if err := s.weights.Upsert(ctx, updates); err != nil {
		return res, err
	}

	s.logger.Info("Reconciled weights",
		zap.Int("checked", res.TotalChecked),
		zap.Int("mismatches", res.MismatchesFound),
		zap.Int("updated", len(res.UpdatedAddresses)))
	return res, nil
}

type WeightInspection struct {
	Total            int              `json:"total"`
	Matching         int              `json:"matching"`
	Mismatched       int              `json:"mismatched"`
	MissingEventCalc int              `json:"missingEventCalc"`
	Mismatches       []WeightMismatch `json:"mismatches"`
}

// InspectWeights 只读：按存储的两列比较，差值大的排前面
func (s *WeightService) InspectWeights(ctx context.Context) (WeightInspection, error) {
	res := WeightInspection{Mismatches: []WeightMismatch{}}
	stored, err := s.weights.All(ctx)
	if err != nil {
		return res, err
	}

	for _, row := range stored {
		res.Total++
		if row.EventCalcWeight == nil {
			res.MissingEventCalc++
			continue
		}
		ok, diff, err := withinTolerance(row.Weight, *row.EventCalcWeight, s.tolerance)
		if err != nil {
			s.logger.Debug("Skipping unparseable weight row", zap.String("address", row.Address), zap.Error(err))
			continue
		}
		if ok {
			res.Matching++
			continue
		}
		res.Mismatched++
		res.Mismatches = append(res.Mismatches, WeightMismatch{
			Address:         row.Address,
			Weight:          row.Weight,
			EventCalcWeight: *row.EventCalcWeight,
			Difference:      FormatCents(diff),
			diff:            diff,
		})
	}

	sort.SliceStable(res.Mismatches, func(i, j int) bool {
		return res.Mismatches[i].diff.Cmp(res.Mismatches[j].diff) > 0
	})
	return res, nil
}
