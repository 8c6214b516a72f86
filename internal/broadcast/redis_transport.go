package broadcast

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/lvdashuaibi/livepoll/internal/repository"
)

// RedisTransport Redis Pub/Sub传输实现。
// Redis保证单频道FIFO投递，对应单个投票内的事件有序
type RedisTransport struct {
	repo *repository.RedisRepository
}

func NewRedisTransport(repo *repository.RedisRepository) *RedisTransport {
	return &RedisTransport{repo: repo}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.repo.Publish(ctx, channel, payload)
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (MessageStream, error) {
	pubsub := t.repo.Subscribe(ctx, channel)

	// 确认订阅建立，避免订阅完成前发布的事件静默丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	stream := &redisStream{
		pubsub: pubsub,
		ch:     make(chan []byte, subscriptionBuffer),
	}
	go stream.run()

	return stream, nil
}

type redisStream struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisStream) run() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisStream) Messages() <-chan []byte {
	return s.ch
}

func (s *redisStream) Close() error {
	return s.pubsub.Close()
}
