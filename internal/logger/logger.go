package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu       sync.Mutex
	instance *zap.Logger
)

// Init 初始化全局日志器，development为true时使用开发模式输出
func Init(development bool) error {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}

	l, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	instance = l
	mu.Unlock()
	return nil
}

// Logger 返回全局日志器，未初始化时返回Nop日志器（测试场景）
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		instance = zap.NewNop()
	}
	return instance
}

func Sugar() *zap.SugaredLogger {
	return Logger().Sugar()
}
