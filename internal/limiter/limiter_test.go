package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手动拨动的时钟
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeStateStore 内存版限流状态存储，可注入读写错误
type fakeStateStore struct {
	tokens       map[string]int
	lastRefillMs map[string]int64
	getErr       error
	setErr       error
	setCalls     int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		tokens:       make(map[string]int),
		lastRefillMs: make(map[string]int64),
	}
}

func (s *fakeStateStore) GetRateLimitState(ctx context.Context, userID string) (int, bool, int64, error) {
	if s.getErr != nil {
		return 0, false, 0, s.getErr
	}
	tokens, ok := s.tokens[userID]
	if !ok {
		return 0, false, 0, nil
	}
	return tokens, true, s.lastRefillMs[userID], nil
}

func (s *fakeStateStore) SetRateLimitState(ctx context.Context, userID string, tokens int, nowMs int64, idleTTL time.Duration) error {
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	s.tokens[userID] = tokens
	s.lastRefillMs[userID] = nowMs
	return nil
}

func newTestLimiter(store StateStore, clock Clock) *RateLimiter {
	return NewRateLimiter(store, 5, time.Second, time.Minute, clock)
}

func TestTryAdmitBurstExhaustsBucket(t *testing.T) {
	store := newFakeStateStore()
	clock := &fakeClock{now: time.Now()}
	rl := newTestLimiter(store, clock)

	allowed := 0
	for i := 0; i < 10; i++ {
		decision := rl.TryAdmit(context.Background(), "user-1")
		if decision.Allowed {
			allowed++
		}
	}

	assert.Equal(t, 5, allowed, "同一瞬间的突发只应放行桶容量次")
}

func TestTryAdmitRemainingCountsDown(t *testing.T) {
	store := newFakeStateStore()
	clock := &fakeClock{now: time.Now()}
	rl := newTestLimiter(store, clock)

	for i := 0; i < 5; i++ {
		decision := rl.TryAdmit(context.Background(), "user-1")
		require.True(t, decision.Allowed)
		assert.Equal(t, 5, decision.Limit)
		assert.Equal(t, 4-i, decision.Remaining)
	}
}

func TestTryAdmitRejectionCarriesRetryAfter(t *testing.T) {
	store := newFakeStateStore()
	clock := &fakeClock{now: time.Now()}
	rl := newTestLimiter(store, clock)

	for i := 0; i < 5; i++ {
		rl.TryAdmit(context.Background(), "user-1")
	}

	decision := rl.TryAdmit(context.Background(), "user-1")
	require.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Equal(t, time.Second, decision.RetryAfter)
	assert.True(t, decision.ResetAt.After(clock.Now()))
}

func TestTryAdmitRefillsAfterWindow(t *testing.T) {
	store := newFakeStateStore()
	clock := &fakeClock{now: time.Now()}
	rl := newTestLimiter(store, clock)

	for i := 0; i < 6; i++ {
		rl.TryAdmit(context.Background(), "user-1")
	}

	// 一个完整窗口后桶应补满
	clock.Advance(time.Second)
	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.TryAdmit(context.Background(), "user-1").Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestTryAdmitPartialRefill(t *testing.T) {
	store := newFakeStateStore()
	clock := &fakeClock{now: time.Now()}
	rl := newTestLimiter(store, clock)

	for i := 0; i < 5; i++ {
		rl.TryAdmit(context.Background(), "user-1")
	}
	require.False(t, rl.TryAdmit(context.Background(), "user-1").Allowed)

	// 只过了一个补充间隔，应恰好补回一个令牌
	clock.Advance(200 * time.Millisecond)
	assert.True(t, rl.TryAdmit(context.Background(), "user-1").Allowed)
	assert.False(t, rl.TryAdmit(context.Background(), "user-1").Allowed)
}

func TestTryAdmitUsersIsolated(t *testing.T) {
	store := newFakeStateStore()
	clock := &fakeClock{now: time.Now()}
	rl := newTestLimiter(store, clock)

	for i := 0; i < 5; i++ {
		rl.TryAdmit(context.Background(), "user-1")
	}
	require.False(t, rl.TryAdmit(context.Background(), "user-1").Allowed)

	decision := rl.TryAdmit(context.Background(), "user-2")
	assert.True(t, decision.Allowed, "其他用户的桶不受影响")
	assert.Equal(t, 4, decision.Remaining)
}

func TestTryAdmitFailsOpenOnReadError(t *testing.T) {
	store := newFakeStateStore()
	store.getErr = errors.New("连接超时")
	clock := &fakeClock{now: time.Now()}
	rl := newTestLimiter(store, clock)

	for i := 0; i < 10; i++ {
		decision := rl.TryAdmit(context.Background(), "user-1")
		assert.True(t, decision.Allowed, "存储不可用时应放行")
	}
}

func TestTryAdmitAllowsOnWriteError(t *testing.T) {
	store := newFakeStateStore()
	store.setErr = errors.New("连接超时")
	clock := &fakeClock{now: time.Now()}
	rl := newTestLimiter(store, clock)

	decision := rl.TryAdmit(context.Background(), "user-1")
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, store.setCalls)
}
