package updater

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrSchedulerRunning = errors.New("scheduler is already running")

// 秒字段可选
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Runner interface {
	Run(ctx context.Context) Result
}

// 定时触发更新，新鲜度与冷却检查由 Runner 自己负责
type Scheduler struct {
	runner  Runner
	spec    string
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(runner Runner, spec string, timeout time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		runner:  runner,
		spec:    spec,
		timeout: timeout,
		logger:  logger,
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerRunning
	}

	clog := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		cancel()
		return err
	}

	s.cron = c
	s.ctx = ctx
	s.cancel = cancel
	s.running = true
	c.Start()

	s.logger.Info("Update scheduler started", zap.String("schedule", s.spec))
	return nil
}

// Stop 等待正在执行的任务退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("Update scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	rctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res := s.runner.Run(rctx)
	switch res.Outcome {
	case OutcomeCompleted:
		s.logger.Info("Scheduled update completed")
	case OutcomeFailed:
		s.logger.Warn("Scheduled update failed", zap.String("step", res.Step), zap.String("error", res.Error))
	default:
		s.logger.Debug("Scheduled update skipped", zap.String("outcome", string(res.Outcome)))
	}
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
