package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justicevae/votewatch/db"
	"github.com/justicevae/votewatch/tally"
)

// *tally.Client 满足该接口
type DelegateRegistry interface {
	FetchDelegates(ctx context.Context) ([]tally.Delegate, error)
}

// 受托人列表缓存，写入后显式失效
type delegateCache struct {
	mu        sync.Mutex
	value     []db.Delegate
	loaded    bool
	fetchedAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

func (c *delegateCache) get() ([]db.Delegate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return c.value, true
}

func (c *delegateCache) set(v []db.Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.loaded = true
	c.fetchedAt = c.now()
}

func (c *delegateCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	c.loaded = false
}

type RegistryMergeResult struct {
	Matched int `json:"matched"`
	Updated int `json:"updated"`
	Demoted int `json:"demoted"`
}

type RegistrySyncResult struct {
	Fetched int                 `json:"fetched"`
	Added   int                 `json:"added"`
	Merge   RegistryMergeResult `json:"merge"`
}

type DelegateService struct {
	store    *db.DelegateStore
	events   *db.EventStore
	registry DelegateRegistry
	cache    *delegateCache
	logger   *zap.Logger
}

func NewDelegateService(store *db.DelegateStore, events *db.EventStore, registry DelegateRegistry, cacheTTL time.Duration, logger *zap.Logger) *DelegateService {
	return &DelegateService{
		store:    store,
		events:   events,
		registry: registry,
		cache:    &delegateCache{ttl: cacheTTL, now: time.Now},
		logger:   logger,
	}
}

// Delegates 带缓存的受托人列表，forceRefresh 跳过缓存
func (s *DelegateService) Delegates(ctx context.Context, forceRefresh bool) ([]db.Delegate, error) {
	if !forceRefresh {
		if v, ok := s.cache.get(); ok {
			return v, nil
		}
	}
	delegates, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.set(delegates)
	return delegates, nil
}

// Invalidate 清空缓存
func (s *DelegateService) Invalidate() {
	s.cache.invalidate()
}

// AddDelegates 幂等，已存在的地址跳过
func (s *DelegateService) AddDelegates(ctx context.Context, delegates []db.Delegate) (int, error) {
	added, err := s.store.Insert(ctx, delegates)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		s.cache.invalidate()
	}
	return added, nil
}

// AddEventDelegates 把只在事件中出现过的地址补进受托人表
func (s *DelegateService) AddEventDelegates(ctx context.Context) (int, error) {
	set, err := s.events.Events(ctx, true)
	if err != nil {
		return 0, err
	}
	known, err := s.Delegates(ctx, true)
	if err != nil {
		return 0, err
	}
	existing := make(map[string]struct{}, len(known))
	for _, d := range known {
		existing[strings.ToLower(d.Address)] = struct{}{}
	}

	var missing []db.Delegate
	for _, addr := range EventDelegates(set.All()) {
		if _, ok := existing[addr]; !ok {
			missing = append(missing, db.Delegate{Address: addr})
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	added, err := s.AddDelegates(ctx, missing)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Added delegates discovered from events", zap.Int("added", added))
	return added, nil
}

// UpdateFromRegistry 按注册表当前数据合并已有受托人
//   - 命中：tallyProfile=true；name 仅在本地为空时填充；ens、isSeekingDelegation 直接覆盖
//   - 曾经关联注册表但已不在列表中：isSeekingDelegation=false，tallyProfile 不变
func (s *DelegateService) UpdateFromRegistry(ctx context.Context, rows []tally.Delegate) (RegistryMergeResult, error) {
	var res RegistryMergeResult

	byAddr := make(map[string]tally.Delegate, len(rows))
	for _, r := range rows {
		byAddr[strings.ToLower(r.Address)] = r
	}

	delegates, err := s.Delegates(ctx, true)
	if err != nil {
		return res, err
	}

	var changed []db.Delegate
	for _, d := range delegates {
		before := d
		addr := strings.ToLower(d.Address)

		if r, ok := byAddr[addr]; ok {
			res.Matched++
			d.TallyProfile = true
			if d.Name == "" && r.Name != "" {
				d.Name = r.Name
			}
			d.ENS = r.ENS
			d.IsSeekingDelegation = r.IsSeekingDelegation
		} else if d.TallyProfile && d.IsSeekingDelegation {
			d.IsSeekingDelegation = false
			res.Demoted++
		}

		if d == before {
			continue
		}
		s.logChanges(before, d)
		changed = append(changed, d)
	}

	if err := s.store.SaveAll(ctx, changed); err != nil {
		return res, fmt.Errorf("failed to save registry updates: %w", err)
	}
	res.Updated = len(changed)
	if res.Updated > 0 {
		s.cache.invalidate()
	}
	return res, nil
}

// SyncRegistry 拉取注册表，新增未知地址后合并字段
func (s *DelegateService) SyncRegistry(ctx context.Context) (RegistrySyncResult, error) {
	var res RegistrySyncResult

	rows, err := s.registry.FetchDelegates(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch registry delegates: %w", err)
	}
	res.Fetched = len(rows)

	fresh := make([]db.Delegate, 0, len(rows))
	for _, r := range rows {
		fresh = append(fresh, db.Delegate{Address: r.Address})
	}
	if res.Added, err = s.AddDelegates(ctx, fresh); err != nil {
		return res, err
	}
	if res.Merge, err = s.UpdateFromRegistry(ctx, rows); err != nil {
		return res, err
	}

	s.logger.Info("Synced registry delegates",
		zap.Int("fetched", res.Fetched),
		zap.Int("added", res.Added),
		zap.Int("matched", res.Merge.Matched),
		zap.Int("updated", res.Merge.Updated),
		zap.Int("demoted", res.Merge.Demoted))
	return res, nil
}

func (s *DelegateService) logChanges(before, after db.Delegate) {
	log := s.logger.With(zap.String("address", after.Address))
	if before.Name != after.Name {
		log.Info("Delegate name set", zap.String("name", after.Name))
	}
	if before.ENS != after.ENS {
		log.Info("Delegate ens changed", zap.String("from", before.ENS), zap.String("to", after.ENS))
	}
	if before.TallyProfile != after.TallyProfile {
		log.Info("Delegate linked to registry")
	}
	if before.IsSeekingDelegation != after.IsSeekingDelegation {
		log.Info("Delegate seeking delegation changed", zap.Bool("seeking", after.IsSeekingDelegation))
	}
}
