package service

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/justicevae/votewatch/db"
)

// 未来时间超过该值视为无效时间戳
const maxClockSkew = 24 * time.Hour

type MetricsService struct {
	metrics   *db.MetricsStore
	weights   *db.WeightStore
	delegates *db.DelegateStore
	events    *db.EventStore
	freshness time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewMetricsService(metrics *db.MetricsStore, weights *db.WeightStore, delegates *db.DelegateStore, events *db.EventStore, freshness time.Duration, logger *zap.Logger) *MetricsService {
	return &MetricsService{
		metrics:   metrics,
		weights:   weights,
		delegates: delegates,
		events:    events,
		freshness: freshness,
		now:       time.Now,
		logger:    logger,
	}
}

// 快照 + 年龄
type Snapshot struct {
	*db.Metrics
	AgeSeconds int64 `json:"ageSeconds"`
	Stale      bool  `json:"stale"`
}

// Build 从三张表全量重建指标快照
func (s *MetricsService) Build(ctx context.Context) (*db.Metrics, error) {
	weights, err := s.weights.All(ctx)
	if err != nil {
		return nil, err
	}
	delegates, err := s.delegates.All(ctx)
	if err != nil {
		return nil, err
	}
	set, err := s.events.Events(ctx, false)
	if err != nil {
		return nil, err
	}

	registered := make(map[string]bool, len(delegates))
	m := &db.Metrics{TotalDelegates: len(delegates), Timestamp: s.now()}
	for _, d := range delegates {
		if d.TallyProfile {
			registered[d.Address] = true
			m.TallyRegisteredDelegates++
		}
	}
	m.TotalDelegators = TotalDelegators(set.Complete)

	total := new(big.Int)
	registeredTotal := new(big.Int)
	amounts := make([]*big.Int, 0, len(weights))
	for _, w := range weights {
		c, err := ParseCents(w.Weight)
		if err != nil {
			s.logger.Debug("Skipping unparseable weight", zap.String("address", w.Address), zap.Error(err))
			continue
		}
		if c.Sign() <= 0 {
			continue
		}
		m.DelegatesWithVotingPower++
		total.Add(total, c)
		if registered[w.Address] {
			registeredTotal.Add(registeredTotal, c)
		}
		amounts = append(amounts, c)
	}

	// 占比 >= 1%
	for _, c := range amounts {
		if new(big.Int).Mul(c, big.NewInt(100)).Cmp(total) >= 0 {
			m.DelegatesWithSignificantPower++
		}
	}

	m.TotalVotingPower = FormatCents(total)
	m.TallyVotingPowerPercentage = sharePercent(registeredTotal, total)

	if err := s.metrics.Replace(ctx, m); err != nil {
		return nil, err
	}
	s.logger.Info("Built metrics",
		zap.String("total_voting_power", m.TotalVotingPower),
		zap.Int("delegates", m.TotalDelegates),
		zap.Int("delegators", m.TotalDelegators),
		zap.Int("with_power", m.DelegatesWithVotingPower),
		zap.Int("significant", m.DelegatesWithSignificantPower))
	return m, nil
}

// Latest 最近一次快照，没有时返回 nil
func (s *MetricsService) Latest(ctx context.Context) (*Snapshot, error) {
	m, err := s.metrics.Latest(ctx)
	if err != nil || m == nil {
		return nil, err
	}
	now := s.now()
	return &Snapshot{
		Metrics:    m,
		AgeSeconds: int64(now.Sub(m.Timestamp) / time.Second),
		Stale:      IsStale(m, now, s.freshness),
	}, nil
}

// IsStale 无快照、时间戳无效或超过 freshness 都算过期
func IsStale(m *db.Metrics, now time.Time, freshness time.Duration) bool {
	if m == nil || m.Timestamp.IsZero() || m.Timestamp.Unix() <= 0 {
		return true
	}
	if m.Timestamp.After(now.Add(maxClockSkew)) {
		return true
	}
	return now.Sub(m.Timestamp) > freshness
}

// part / total * 100，两位小数
func sharePercent(part, total *big.Int) string {
	if total.Sign() == 0 {
		return zeroWeight
	}
	// 放大到万分位后四舍五入
	scaled := new(big.Int).Mul(part, big.NewInt(10000))
	q, r := new(big.Int).QuoRem(scaled, total, new(big.Int))
	if r.Mul(r, big.NewInt(2)).Cmp(total) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return FormatCents(q)
}

