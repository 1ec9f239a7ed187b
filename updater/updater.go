package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justicevae/votewatch/config"
	"github.com/justicevae/votewatch/db"
	"github.com/justicevae/votewatch/lock"
	"github.com/justicevae/votewatch/processor"
	"github.com/justicevae/votewatch/service"
)

type EventSyncer interface {
	Sync(ctx context.Context) (processor.SyncResult, error)
}

type DelegateSyncer interface {
	SyncRegistry(ctx context.Context) (service.RegistrySyncResult, error)
	AddEventDelegates(ctx context.Context) (int, error)
}

type WeightCalculator interface {
	CalculateEventWeights(ctx context.Context) (int, error)
	CheckMismatches(ctx context.Context) (service.MismatchResult, error)
}

type MetricsBuilder interface {
	Build(ctx context.Context) (*db.Metrics, error)
	Latest(ctx context.Context) (*service.Snapshot, error)
}

type Lock interface {
	TryAcquire(ctx context.Context, step string) (bool, *lock.Info, error)
	UpdateStep(ctx context.Context, step string) error
	Status(ctx context.Context) (lock.Status, error)
}

type Outcome string

const (
	OutcomeFresh     Outcome = "fresh"
	OutcomeCooldown  Outcome = "cooldown"
	OutcomeLocked    Outcome = "locked"
	OutcomeStarted   Outcome = "started"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	Outcome    Outcome    `json:"outcome"`
	Step       string     `json:"step,omitempty"`
	Error      string     `json:"error,omitempty"`
	Holder     *lock.Info `json:"holder,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
}

type Report struct {
	Lock    lock.Status       `json:"lock"`
	Last    *Result           `json:"last,omitempty"`
	Metrics *service.Snapshot `json:"metrics,omitempty"`
}

type Updater struct {
	cfg       config.UpdateConfig
	events    EventSyncer
	delegates DelegateSyncer
	weights   WeightCalculator
	metrics   MetricsBuilder
	lock      Lock
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastAttempt time.Time
	last        *Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.UpdateConfig, events EventSyncer, delegates DelegateSyncer, weights WeightCalculator, metrics MetricsBuilder, l Lock, logger *zap.Logger) *Updater {
	ctx, cancel := context.WithCancel(context.Background())
	return &Updater{
		cfg:       cfg,
		events:    events,
		delegates: delegates,
		weights:   weights,
		metrics:   metrics,
		lock:      l,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run 检查新鲜度与冷却后获取锁，顺序执行全部步骤
func (u *Updater) Run(ctx context.Context) Result {
	res, ok := u.begin(ctx)
	if !ok {
		return res
	}
	return u.execute(ctx, res)
}

// Trigger 同步完成检查与加锁，步骤在后台执行
func (u *Updater) Trigger(ctx context.Context) Result {
	res, ok := u.begin(ctx)
	if !ok {
		return res
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.execute(u.ctx, res)
	}()

	started := res
	started.Outcome = OutcomeStarted
	return started
}

// Stop 取消后台执行并等待退出
func (u *Updater) Stop() {
	u.cancel()
	u.wg.Wait()
}

func (u *Updater) begin(ctx context.Context) (Result, bool) {
	now := u.now()
	res := Result{StartedAt: now}

	// 获取最新指标
	snap, err := u.metrics.Latest(ctx)
	if err != nil {
		u.logger.Warn("Failed to read metrics, treating as stale", zap.Error(err))
	} else if snap != nil && !snap.Stale {
		res.Outcome = OutcomeFresh
		return res, false
	}

	// 冷却期内不碰锁
	u.mu.Lock()
	if !u.lastAttempt.IsZero() && now.Sub(u.lastAttempt) < u.cfg.Cooldown {
		u.mu.Unlock()
		res.Outcome = OutcomeCooldown
		return res, false
	}
	u.lastAttempt = now
	u.mu.Unlock()

	first := Steps()[0]
	ok, holder, err := u.lock.TryAcquire(ctx, first.String())
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		u.record(res)
		return res, false
	}
	if !ok {
		res.Outcome = OutcomeLocked
		res.Holder = holder
		if holder != nil {
			res.Step = holder.Step
		}
		u.logger.Info("Update already running elsewhere", zap.String("step", res.Step))
		return res, false
	}
	return res, true
}

func (u *Updater) execute(ctx context.Context, res Result) Result {
	log := u.logger.With(zap.Time("started_at", res.StartedAt))
	log.Info("Starting data update")

	for i, step := range Steps() {
		if i > 0 {
			if err := u.lock.UpdateStep(ctx, step.String()); err != nil {
				return u.fail(res, step, fmt.Errorf("failed to update lock step: %w", err))
			}
			if err := pause(ctx, u.cfg.StepPause); err != nil {
				return u.fail(res, step, err)
			}
		}

		began := u.now()
		if _, err := u.RunStep(ctx, step); err != nil {
			return u.fail(res, step, err)
		}
		log.Info("Update step finished",
			zap.String("step", step.String()),
			zap.Duration("took", u.now().Sub(began)))
	}

	if err := u.lock.UpdateStep(ctx, StepDone); err != nil {
		log.Warn("Failed to mark update lock as done", zap.Error(err))
	}

	res.Outcome = OutcomeCompleted
	res.FinishedAt = u.now()
	u.record(res)
	log.Info("Data update completed", zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res
}

// 失败后锁保留到自然过期
func (u *Updater) fail(res Result, step Step, err error) Result {
	res.Outcome = OutcomeFailed
	res.Step = step.String()
	res.Error = err.Error()
	res.FinishedAt = u.now()
	u.record(res)
	u.logger.Error("Data update failed", zap.String("step", step.String()), zap.Error(err))
	return res
}

// RunStep 执行单个步骤，每个步骤都可以重复执行
func (u *Updater) RunStep(ctx context.Context, step Step) (any, error) {
	switch step {
	case StepTally:
		return u.delegates.SyncRegistry(ctx)
	case StepEvents:
		return u.events.Sync(ctx)
	case StepDelegates:
		return u.delegates.AddEventDelegates(ctx)
	case StepWeights, StepFinal:
		return u.weights.CalculateEventWeights(ctx)
	case StepMismatches:
		return u.weights.CheckMismatches(ctx)
	case StepMetrics:
		return u.metrics.Build(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
}

// ActiveHolder 锁有效且流水线尚未结束时返回持有者
// 内容无法解析的锁也视为占用
func (u *Updater) ActiveHolder(ctx context.Context) (*lock.Info, bool, error) {
	st, err := u.lock.Status(ctx)
	if err != nil {
		return nil, false, err
	}
	if !st.Locked {
		return nil, false, nil
	}
	if st.Info != nil && st.Info.Step == StepDone {
		return nil, false, nil
	}
	return st.Info, true, nil
}

// Status 锁状态 + 本实例最近一次结果 + 指标快照
func (u *Updater) Status(ctx context.Context) (Report, error) {
	var report Report
	st, err := u.lock.Status(ctx)
	if err != nil {
		return report, err
	}
	report.Lock = st

	if report.Metrics, err = u.metrics.Latest(ctx); err != nil {
		return report, err
	}

	u.mu.Lock()
	if u.last != nil {
		last := *u.last
		report.Last = &last
	}
	u.mu.Unlock()
	return report, nil
}

func (u *Updater) record(res Result) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last = &res
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(errors.New("update interrupted"), ctx.Err())
	case <-timer.C:
		return nil
	}
}
