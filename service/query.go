package service

import (
	"context"
	"sort"
	"strings"

	"github.com/justicevae/votewatch/db"
)

// 只读查询：排行榜与单地址详情
type QueryService struct {
	delegates *DelegateService
	weights   *db.WeightStore
	events    *db.EventStore
	decimals  uint8
}

func NewQueryService(delegates *DelegateService, weights *db.WeightStore, events *db.EventStore, decimals uint8) *QueryService {
	return &QueryService{delegates: delegates, weights: weights, events: events, decimals: decimals}
}

// 排行榜条目
type LeaderboardEntry struct {
	db.Delegate
	Weight           string  `json:"weight"`
	EventCalcWeight  *string `json:"eventCalcWeight,omitempty"`
	UniqueDelegators int     `json:"uniqueDelegators"`
	DelegatorPercent string  `json:"delegatorPercent"`
}

// Leaderboard 受托人 + 权重，按权重降序
func (s *QueryService) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	delegates, err := s.delegates.Delegates(ctx, false)
	if err != nil {
		return nil, err
	}
	rows, err := s.weights.All(ctx)
	if err != nil {
		return nil, err
	}
	byAddr := make(map[string]db.VoteWeight, len(rows))
	for _, w := range rows {
		byAddr[strings.ToLower(w.Address)] = w
	}

	entries := make([]LeaderboardEntry, 0, len(delegates))
	cents := make(map[string]int64, len(delegates))
	for _, d := range delegates {
		e := LeaderboardEntry{Delegate: d, Weight: zeroWeight, DelegatorPercent: zeroWeight}
		if w, ok := byAddr[strings.ToLower(d.Address)]; ok {
			e.Weight = w.Weight
			e.EventCalcWeight = w.EventCalcWeight
			e.UniqueDelegators = w.UniqueDelegators
			e.DelegatorPercent = w.DelegatorPercent
		}
		if c, err := ParseCents(e.Weight); err == nil {
			cents[d.Address] = c.Int64()
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ci, cj := cents[entries[i].Address], cents[entries[j].Address]
		if ci != cj {
			return ci > cj
		}
		return entries[i].Address < entries[j].Address
	})
	return entries, nil
}

type AddressInspection struct {
	Address           string               `json:"address"`
	Delegate          *db.Delegate         `json:"delegate"`
	Weight            *db.VoteWeight       `json:"weight"`
	EventReplayWeight string               `json:"eventReplayWeight"`
	Events            []db.DelegationEvent `json:"events"`
	IncompleteEvents  []db.DelegationEvent `json:"incompleteEvents"`
}

// InspectAddress 单个地址的资料、权重与相关事件
func (s *QueryService) InspectAddress(ctx context.Context, address string) (AddressInspection, error) {
	address = strings.ToLower(address)
	res := AddressInspection{
		Address:          address,
		Events:           []db.DelegationEvent{},
		IncompleteEvents: []db.DelegationEvent{},
	}

	delegates, err := s.delegates.Delegates(ctx, false)
	if err != nil {
		return res, err
	}
	for _, d := range delegates {
		if strings.ToLower(d.Address) == address {
			res.Delegate = &d
			break
		}
	}

	if res.Weight, err = s.weights.Get(ctx, address); err != nil {
		return res, err
	}

	set, err := s.events.Events(ctx, true)
	if err != nil {
		return res, err
	}
	for _, e := range set.Complete {
		if strings.ToLower(e.ToDelegate) == address || (e.Delegator != nil && strings.ToLower(*e.Delegator) == address) {
			res.Events = append(res.Events, e)
		}
	}
	for _, e := range set.Incomplete {
		if strings.ToLower(e.ToDelegate) == address {
			res.IncompleteEvents = append(res.IncompleteEvents, e)
		}
	}
	res.EventReplayWeight = EventReplayWeight(set.All(), address, s.decimals)
	return res, nil
}
