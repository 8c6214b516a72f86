package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

// AuditHandler 审计事件处理函数
type AuditHandler func(ctx context.Context, event *model.VoteAuditEvent) error

// Consumer 审计事件消费者。消费者组模式，多个实例自动分摊分区
type Consumer struct {
	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer() (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  config.AppConfig.Kafka.Brokers,
		Topic:    config.AppConfig.Kafka.Topic,
		GroupID:  config.AppConfig.Kafka.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{
		reader: reader,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// StartConsuming 启动消费循环
func (c *Consumer) StartConsuming(handler AuditHandler) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(handler)
	}()

	logger.Sugar().Infof("审计事件消费者已启动: topic=%s group=%s",
		config.AppConfig.Kafka.Topic, config.AppConfig.Kafka.GroupID)
}

func (c *Consumer) consume(handler AuditHandler) {
	for {
		m, err := c.reader.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.Sugar().Warnf("读取审计消息失败: %v", err)
			time.Sleep(time.Second)
			continue
		}

		var event model.VoteAuditEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			logger.Sugar().Warnf("解析审计消息失败: partition=%d offset=%d err=%v", m.Partition, m.Offset, err)
			continue
		}

		if err := handler(c.ctx, &event); err != nil {
			logger.Sugar().Warnf("处理审计事件失败: poll=%s user=%s err=%v", event.PollID, event.UserID, err)
		}
	}
}

// Stop 停止消费并关闭reader
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.reader.Close()
}
