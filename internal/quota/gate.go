package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDailyLimit 每个账户每个 UTC 自然日可入库的邮件数
const DefaultDailyLimit = 500

// Decision 配额判定结果
type Decision struct {
	Admitted  bool
	Count     int64
	Remaining int64
	ResetAt   time.Time
}

// Gate 每日配额闸门
//
// TryConsume 返回错误时由调用方决定放行策略，闸门本身不做降级。
type Gate interface {
	TryConsume(ctx context.Context, accountID string) (Decision, error)
}

// Counter 计数后端，由 internal/storage/redis.Client 实现
//
// IncrExpireAt 必须原子地完成自增与设置过期。
type Counter interface {
	IncrExpireAt(ctx context.Context, key string, at time.Time) (int64, error)
}

// Key 返回账户当天的计数键: daily_limit:<accountId>:<YYYY-MM-DD>
func Key(accountID string, now time.Time) string {
	return fmt.Sprintf("daily_limit:%s:%s", accountID, now.UTC().Format("2006-01-02"))
}

// NextMidnight 返回下一个 UTC 零点
func NextMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

func decide(count, limit int64, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Admitted:  count <= limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// RedisGate 基于 Redis INCR 的配额闸门，多实例共享计数
type RedisGate struct {
	counter Counter
	limit   int64
	now     func() time.Time
}

// NewRedisGate 创建 Redis 配额闸门
func NewRedisGate(counter Counter, limit int) *RedisGate {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &RedisGate{
		counter: counter,
		limit:   int64(limit),
		now:     time.Now,
	}
}

// TryConsume 计数加一并判定是否超限。每次计数都把键的过期时刻设为下一个 UTC 零点，
// 同一天内该时刻不变，重复设置没有副作用。
func (g *RedisGate) TryConsume(ctx context.Context, accountID string) (Decision, error) {
	now := g.now()
	key := Key(accountID, now)
	resetAt := NextMidnight(now)

	count, err := g.counter.IncrExpireAt(ctx, key, resetAt)
	if err != nil {
		return Decision{}, fmt.Errorf("incr %s: %w", key, err)
	}
	return decide(count, g.limit, resetAt), nil
}

// MemoryGate 进程内配额闸门，未配置 Redis 时使用
type MemoryGate struct {
	mu     sync.Mutex
	limit  int64
	counts map[string]int64
	now    func() time.Time
}

// NewMemoryGate 创建进程内配额闸门
func NewMemoryGate(limit int) *MemoryGate {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &MemoryGate{
		limit:  int64(limit),
		counts: make(map[string]int64),
		now:    time.Now,
	}
}

// TryConsume 与 RedisGate 语义一致
func (g *MemoryGate) TryConsume(_ context.Context, accountID string) (Decision, error) {
	now := g.now()
	key := Key(accountID, now)
	day := key[len(key)-len("2006-01-02"):]

	g.mu.Lock()
	defer g.mu.Unlock()

	// 过期计数随日期滚动丢弃
	for k := range g.counts {
		if k[len(k)-len(day):] != day {
			delete(g.counts, k)
		}
	}
	g.counts[key]++
	return decide(g.counts[key], g.limit, NextMidnight(now)), nil
}
