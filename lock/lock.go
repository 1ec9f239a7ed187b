package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
)

const DefaultKey = "data-update-lock"

var ErrNotHolder = errors.New("update lock is not held by this instance")

// 锁内容
type Info struct {
	Timestamp int64  `json:"timestamp"`
	Instance  string `json:"instance"`
	Step      string `json:"step,omitempty"`
}

func (i Info) Time() time.Time {
	return time.UnixMilli(i.Timestamp)
}

type Status struct {
	Locked bool          `json:"locked"`
	Info   *Info         `json:"info,omitempty"`
	Age    time.Duration `json:"age"`
}

// 基于 SET NX EX 的分布式锁，超时即释放
type Locker struct {
	client   redis.Cmdable
	key      string
	ttl      time.Duration
	instance string
	now      func() time.Time
	logger   *zap.Logger
}

func NewLocker(client redis.Cmdable, ttl time.Duration, instance string, logger *zap.Logger) *Locker {
	return &Locker{
		client:   client,
		key:      DefaultKey,
		ttl:      ttl,
		instance: instance,
		now:      time.Now,
		logger:   logger,
	}
}

func (l *Locker) Instance() string {
	return l.instance
}

// TryAcquire 不存在时创建；已被持有时返回当前持有者
func (l *Locker) TryAcquire(ctx context.Context, step string) (bool, *Info, error) {
	info := Info{Timestamp: l.now().UnixMilli(), Instance: l.instance, Step: step}
	payload, err := sonnet.Marshal(info)
	if err != nil {
		return false, nil, err
	}

	ok, err := l.client.SetNX(ctx, l.key, payload, l.ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire update lock: %w", err)
	}
	if ok {
		l.logger.Info("Acquired update lock", zap.String("instance", l.instance), zap.String("step", step))
		return true, &info, nil
	}

	current, err := l.current(ctx)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

// UpdateStep 原地更新步骤，保留剩余 TTL
func (l *Locker) UpdateStep(ctx context.Context, step string) error {
	raw, current, err := l.read(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.Instance != l.instance {
		return ErrNotHolder
	}

	current.Step = step
	payload, err := sonnet.Marshal(current)
	if err != nil {
		return err
	}
	swapped, err := l.swap(ctx, raw, string(payload))
	if err != nil {
		return err
	}
	if !swapped {
		return ErrNotHolder
	}
	return nil
}

// 读到的内容未变时才写入，防止覆盖过期后新持有者的锁
var swapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
return 1
`)

func (l *Locker) swap(ctx context.Context, expected, payload string) (bool, error) {
	n, err := swapScript.Run(ctx, l.client, []string{l.key}, expected, payload).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update lock step: %w", err)
	}
	return n == 1, nil
}

// Status 锁是否有效由时间戳决定
func (l *Locker) Status(ctx context.Context) (Status, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return Status{}, fmt.Errorf("failed to read update lock: %w", err)
	}
	if exists == 0 {
		return Status{}, nil
	}

	info, err := l.current(ctx)
	if err != nil {
		return Status{}, err
	}
	if info == nil {
		// 内容无法解析，只能依赖 Redis 过期
		return Status{Locked: true}, nil
	}

	age := l.now().Sub(info.Time())
	return Status{Locked: age < l.ttl, Info: info, Age: age}, nil
}

// Release 运维手动释放，正常流程依赖过期
func (l *Locker) Release(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("failed to release update lock: %w", err)
	}
	l.logger.Warn("Update lock released manually", zap.String("instance", l.instance))
	return nil
}

func (l *Locker) current(ctx context.Context) (*Info, error) {
	_, info, err := l.read(ctx)
	return info, err
}

// read 原始内容 + 解析结果，无法解析时 info 为 nil
func (l *Locker) read(ctx context.Context) (string, *Info, error) {
	raw, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read update lock: %w", err)
	}
	info, err := DecodeInfo(raw)
	if err != nil {
		l.logger.Warn("Ignoring unparseable lock payload", zap.String("payload", raw), zap.Error(err))
		return raw, nil, nil
	}
	return raw, info, nil
}

// DecodeInfo 统一解析锁内容，兼容被二次编码成 JSON 字符串的旧值
func DecodeInfo(raw string) (*Info, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, `"`) {
		var inner string
		if err := sonnet.Unmarshal([]byte(raw), &inner); err != nil {
			return nil, err
		}
		raw = inner
	}

	var info Info
	if err := sonnet.Unmarshal([]byte(raw), &info); err != nil {
		return nil, err
	}
	if info.Instance == "" {
		return nil, errors.New("lock payload has no instance")
	}
	return &info, nil
}
