package limiter

import (
	"context"
	"time"

	"github.com/lvdashuaibi/livepoll/internal/logger"
)

// Clock 注入时钟，测试时替换以消除墙钟抖动
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock 真实墙钟
func SystemClock() Clock { return realClock{} }

// StateStore 限流桶状态的共享存储协作方
type StateStore interface {
	GetRateLimitState(ctx context.Context, userID string) (tokens int, hasState bool, lastRefillMs int64, err error)
	SetRateLimitState(ctx context.Context, userID string, tokens int, nowMs int64, idleTTL time.Duration) error
}

// Decision 一次准入判定的结果
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RateLimiter 按用户的令牌桶准入控制。桶容量C，每window/C连续补充一个令牌，
// 状态存放在共享存储中，多实例共享同一个桶。
// 共享存储不可用时放行（fail open）：投票可用性优先于严格限流
type RateLimiter struct {
	store    StateStore
	capacity int
	window   time.Duration
	idleTTL  time.Duration
	clock    Clock
}

func NewRateLimiter(store StateStore, capacity int, window, idleTTL time.Duration, clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	return &RateLimiter{
		store:    store,
		capacity: capacity,
		window:   window,
		idleTTL:  idleTTL,
		clock:    clock,
	}
}

// TryAdmit 尝试为一次投票请求取一个令牌
func (l *RateLimiter) TryAdmit(ctx context.Context, userID string) Decision {
	now := l.clock.Now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()

	tokens, hasState, lastRefillMs, err := l.store.GetRateLimitState(ctx, userID)
	if err != nil {
		logger.Sugar().Warnf("限流状态读取失败，放行请求: user=%s err=%v", userID, err)
		return l.failOpen(now)
	}

	if !hasState {
		tokens = l.capacity
		lastRefillMs = 0
	}

	// 按经过的时间连续补充令牌，上限为桶容量
	refillIntervalMs := windowMs / int64(l.capacity)
	elapsed := nowMs - lastRefillMs
	if elapsed > 0 && refillIntervalMs > 0 {
		tokens += int(elapsed / refillIntervalMs)
	}
	if tokens > l.capacity {
		tokens = l.capacity
	}

	if tokens < 1 {
		resetMs := lastRefillMs + windowMs - nowMs
		if resetMs < 0 {
			resetMs = 0
		}
		retryAfter := time.Duration((resetMs+999)/1000) * time.Second
		return Decision{
			Allowed:    false,
			Limit:      l.capacity,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAt:    now.Add(time.Duration(resetMs) * time.Millisecond),
		}
	}

	tokens--
	if err := l.store.SetRateLimitState(ctx, userID, tokens, nowMs, l.idleTTL); err != nil {
		// 写回失败同样放行，令牌计数允许近似
		logger.Sugar().Warnf("限流状态写入失败: user=%s err=%v", userID, err)
	}

	return Decision{
		Allowed:   true,
		Limit:     l.capacity,
		Remaining: tokens,
		ResetAt:   now.Add(l.window),
	}
}

// failOpen 后端不可用时的放行判定
func (l *RateLimiter) failOpen(now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     l.capacity,
		Remaining: l.capacity - 1,
		ResetAt:   now.Add(l.window),
	}
}
