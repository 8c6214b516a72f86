package cache

import (
	"context"
	"time"

	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

// SnapshotStore 快照缓存的后端存储协作方
type SnapshotStore interface {
	GetTallyCache(ctx context.Context, pollID string) (*model.TallySnapshot, bool, error)
	SetTallyCache(ctx context.Context, snapshot *model.TallySnapshot, ttl time.Duration) error
	DeleteTallyCache(ctx context.Context, pollID string) error
}

// TallyCache 计票快照的旁路缓存。缓存只是加速手段：
// 任何后端错误都被吞掉并退回权威存储，读写都不会因缓存失败而失败
type TallyCache struct {
	store SnapshotStore
	ttl   time.Duration
}

func NewTallyCache(store SnapshotStore, ttl time.Duration) *TallyCache {
	return &TallyCache{store: store, ttl: ttl}
}

// Get 读取快照，未命中或后端失败都返回false
func (c *TallyCache) Get(ctx context.Context, pollID string) (*model.TallySnapshot, bool) {
	snapshot, found, err := c.store.GetTallyCache(ctx, pollID)
	if err != nil {
		logger.Sugar().Warnf("读取计票缓存失败，退回权威存储: poll=%s err=%v", pollID, err)
		return nil, false
	}
	return snapshot, found
}

// Put 写入快照。关闭的投票内容不再变化，沿用同一TTL只是为了限制内存
func (c *TallyCache) Put(ctx context.Context, snapshot *model.TallySnapshot) {
	if err := c.store.SetTallyCache(ctx, snapshot, c.ttl); err != nil {
		logger.Sugar().Warnf("写入计票缓存失败: poll=%s err=%v", snapshot.ID, err)
	}
}

// Invalidate 删除快照。账本提交后、广播之前调用，
// 保证订阅者收到事件后的重新读取不会命中旧值
func (c *TallyCache) Invalidate(ctx context.Context, pollID string) {
	if err := c.store.DeleteTallyCache(ctx, pollID); err != nil {
		logger.Sugar().Warnf("删除计票缓存失败: poll=%s err=%v", pollID, err)
	}
}
