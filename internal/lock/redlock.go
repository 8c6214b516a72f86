package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/logger"
)

// 只释放自己持有的锁
const releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// RedLock 基于多个独立Redis节点的Redlock实现
type RedLock struct {
	clients []*redis.Client
	ctx     context.Context
	mu      sync.Mutex
	locks   map[string]string // 锁名 -> token
	retries int
}

func NewRedLock() (*RedLock, error) {
	ctx := context.Background()

	var clients []*redis.Client
	for _, addr := range config.AppConfig.Redis.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     config.AppConfig.Redis.Password,
			DB:           config.AppConfig.Redis.DB,
			PoolSize:     config.AppConfig.Redis.PoolSize,
			MaxRetries:   config.AppConfig.Redis.MaxRetries,
			DialTimeout:  config.AppConfig.Redis.Timeout,
			ReadTimeout:  config.AppConfig.Redis.Timeout,
			WriteTimeout: config.AppConfig.Redis.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}

		clients = append(clients, client)
	}

	return &RedLock{
		clients: clients,
		ctx:     ctx,
		locks:   make(map[string]string),
		retries: config.AppConfig.Lock.RetryCount,
	}, nil
}

// AcquireLock 在多数节点上SetNX成功且剩余有效期为正时视为获取成功
func (r *RedLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	token := uuid.NewString()
	quorum := len(r.clients)/2 + 1

	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(r.ctx, lockName, token, timeout).Result()
			if err != nil {
				logger.Sugar().Warnf("在节点 %s 获取锁 %s 失败: %v",
					config.AppConfig.Redis.LockAddresses[i], lockName, err)
				continue
			}
			if ok {
				success++
			}
		}

		validity := timeout - time.Since(start)
		if success >= quorum && validity > 0 {
			r.mu.Lock()
			r.locks[lockName] = token
			r.mu.Unlock()
			return true, nil
		}

		// 获取失败，释放已占用的节点后重试
		r.unlockAll(lockName, token)
		time.Sleep(100 * time.Millisecond)
	}

	return false, nil
}

func (r *RedLock) ReleaseLock(lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	if exists {
		delete(r.locks, lockName)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	r.unlockAll(lockName, token)
	return nil
}

func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range held {
		r.unlockAll(name, token)
	}
}

func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			logger.Sugar().Warnf("关闭Redis锁客户端失败: %v", err)
		}
	}

	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(lockName, token string) {
	for i, client := range r.clients {
		if _, err := client.Eval(r.ctx, releaseScript, []string{lockName}, token).Result(); err != nil {
			logger.Sugar().Warnf("在节点 %s 释放锁 %s 失败: %v",
				config.AppConfig.Redis.LockAddresses[i], lockName, err)
		}
	}
}
