package lock

import (
	"fmt"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
)

// Lock 分布式锁接口。用于投票关闭的跨实例去重和启动时的关闭者选举
type Lock interface {
	// AcquireLock 获取分布式锁，bool表示是否成功获取
	AcquireLock(lockName string, timeout time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}

// New 按配置的后端创建分布式锁
func New() (Lock, error) {
	switch config.AppConfig.Lock.Backend {
	case "etcd":
		return NewEtcdLock()
	case "redis":
		return NewRedLock()
	default:
		return nil, fmt.Errorf("未知的分布式锁后端: %s", config.AppConfig.Lock.Backend)
	}
}
