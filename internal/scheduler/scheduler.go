package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lvdashuaibi/livepoll/internal/ledger"
	"github.com/lvdashuaibi/livepoll/internal/lock"
	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

const (
	// 投票关闭锁的键前缀
	closeLockPrefix = "poll:close:"
	// 关闭锁的持有时间
	closeLockTimeout = 10 * time.Second
)

// Store 定时关闭依赖的存储协作方
type Store interface {
	// ListActivePolls 读取所有仍标记为活跃的投票
	ListActivePolls(ctx context.Context) ([]*model.Poll, error)
	// ClosePoll 关闭投票，已关闭时返回false
	ClosePoll(ctx context.Context, pollID string) (bool, error)
}

// ExpiryScheduler 投票到期调度器。到期时刻触发一次关闭转换并广播关闭事件。
// 定时任务只是为了及时广播：正确性由读路径上按expiresAt惰性推导的
// 开放状态兜底，进程崩溃丢失的定时任务不影响关闭语义
type ExpiryScheduler struct {
	store       Store
	cache       ledger.Invalidator
	broadcaster ledger.Broadcaster
	distLock    lock.Lock

	mu     sync.Mutex
	timers map[string]*time.Timer

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewExpiryScheduler(store Store, cache ledger.Invalidator, broadcaster ledger.Broadcaster, distLock lock.Lock) *ExpiryScheduler {
	return &ExpiryScheduler{
		store:       store,
		cache:       cache,
		broadcaster: broadcaster,
		distLock:    distLock,
		timers:      make(map[string]*time.Timer),
		stopChan:    make(chan struct{}),
	}
}

// Start 进程启动时重建全部活跃投票的定时任务，已过期的立即关闭
func (s *ExpiryScheduler) Start(ctx context.Context) error {
	polls, err := s.store.ListActivePolls(ctx)
	if err != nil {
		return err
	}

	for _, poll := range polls {
		s.Schedule(poll)
	}

	logger.Sugar().Infof("到期调度器已启动，重建了 %d 个投票的定时任务", len(polls))
	return nil
}

// Schedule 为投票注册到期的一次性关闭任务
func (s *ExpiryScheduler) Schedule(poll *model.Poll) {
	delay := time.Until(poll.ExpiresAt)
	pollID := poll.ID

	if delay <= 0 {
		// 已过期，立即走关闭流程
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.closeExpired(pollID)
		}()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[pollID]; ok {
		old.Stop()
	}

	s.timers[pollID] = time.AfterFunc(delay, func() {
		select {
		case <-s.stopChan:
			return
		default:
		}
		s.closeExpired(pollID)
	})
}

// Cancel 取消投票的定时任务（手动关闭后调用）
func (s *ExpiryScheduler) Cancel(pollID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[pollID]; ok {
		timer.Stop()
		delete(s.timers, pollID)
	}
}

// ClosePoll 手动关闭投票。与定时关闭共用同一条幂等路径
func (s *ExpiryScheduler) ClosePoll(ctx context.Context, pollID string) error {
	s.Cancel(pollID)
	s.closeOnce(ctx, pollID)
	return nil
}

// closeExpired 定时任务触发的关闭
func (s *ExpiryScheduler) closeExpired(pollID string) {
	s.Cancel(pollID)
	s.closeOnce(context.Background(), pollID)
}

// closeOnce 执行一次关闭转换。分布式锁挡掉多实例同时触发的重复广播，
// 锁不可用时仍然继续：数据库的条件更新保证转换本身幂等
func (s *ExpiryScheduler) closeOnce(ctx context.Context, pollID string) {
	lockName := closeLockPrefix + pollID
	lockHeld := false

	if s.distLock != nil {
		acquired, err := s.distLock.AcquireLock(lockName, closeLockTimeout)
		if err != nil {
			logger.Sugar().Warnf("获取投票关闭锁失败，继续执行关闭: poll=%s err=%v", pollID, err)
		} else if !acquired {
			// 其他实例正在关闭该投票
			return
		} else {
			lockHeld = true
		}
	}

	closed, err := s.store.ClosePoll(ctx, pollID)
	if err != nil {
		logger.Sugar().Errorf("关闭投票失败: poll=%s err=%v", pollID, err)
	} else if closed {
		if s.cache != nil {
			s.cache.Invalidate(ctx, pollID)
		}

		event := &model.Event{
			Type:    model.EventPollClosed,
			PollID:  pollID,
			Message: "投票已截止",
		}
		if s.broadcaster != nil {
			if err := s.broadcaster.Publish(ctx, pollID, event); err != nil {
				logger.Sugar().Warnf("广播投票关闭事件失败: poll=%s err=%v", pollID, err)
			}
		}

		logger.Sugar().Infof("投票已到期关闭: poll=%s", pollID)
	}

	if lockHeld {
		if err := s.distLock.ReleaseLock(lockName); err != nil {
			logger.Sugar().Warnf("释放投票关闭锁失败: poll=%s err=%v", pollID, err)
		}
	}
}

// Stop 停止调度器并取消所有定时任务
func (s *ExpiryScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	s.mu.Lock()
	for pollID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, pollID)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
