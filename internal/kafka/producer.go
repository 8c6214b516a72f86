package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

// Producer 投票审计事件生产者。以pollId为分区键，
// 同一投票的审计事件落在同一分区，保持单投票内的顺序
type Producer struct {
	writer *kafka.Writer
	ctx    context.Context
}

func NewProducer() (*Producer, error) {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:    config.AppConfig.Kafka.Topic,
		Balancer: &kafka.Hash{}, // 基于消息Key的Hash分区器
	}

	return &Producer{
		writer: writer,
		ctx:    context.Background(),
	}, nil
}

// SendVoteAudit 发送投票审计事件
func (p *Producer) SendVoteAudit(event *model.VoteAuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.PollID),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(p.ctx, msg); err != nil {
		return fmt.Errorf("发送审计事件失败: %w", err)
	}

	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
