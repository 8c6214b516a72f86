package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/model"
)

const (
	// Redis键前缀
	TallyCacheKey     = "poll:tally:"
	RateLimitCountKey = "ratelimit:vote:%s:count"
	RateLimitTimeKey  = "ratelimit:vote:%s:time"
	RoomChannelKey    = "poll:room:"
)

// RedisRepository 共享快速存储。承载计票缓存、限流桶状态和跨进程广播通道，
// 其中任何一项失败都只允许降级，不允许影响请求成败
type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository() (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	return &RedisRepository{client: client}, nil
}

// NewRedisRepositoryWithClient 使用外部客户端构造，测试场景使用
func NewRedisRepositoryWithClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

// GetTallyCache 读取计票快照缓存
func (r *RedisRepository) GetTallyCache(ctx context.Context, pollID string) (*model.TallySnapshot, bool, error) {
	key := TallyCacheKey + pollID
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("读取计票缓存失败: %w", err)
	}

	var snapshot model.TallySnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, false, fmt.Errorf("解析计票缓存失败: %w", err)
	}

	return &snapshot, true, nil
}

// SetTallyCache 写入计票快照缓存
func (r *RedisRepository) SetTallyCache(ctx context.Context, snapshot *model.TallySnapshot, ttl time.Duration) error {
	key := TallyCacheKey + snapshot.ID
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化计票快照失败: %w", err)
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("写入计票缓存失败: %w", err)
	}

	return nil
}

// DeleteTallyCache 删除计票快照缓存
func (r *RedisRepository) DeleteTallyCache(ctx context.Context, pollID string) error {
	key := TallyCacheKey + pollID
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("删除计票缓存失败: %w", err)
	}
	return nil
}

// GetRateLimitState 读取用户限流桶状态。状态不存在时hasState为false
func (r *RedisRepository) GetRateLimitState(ctx context.Context, userID string) (tokens int, hasState bool, lastRefillMs int64, err error) {
	countKey := fmt.Sprintf(RateLimitCountKey, userID)
	timeKey := fmt.Sprintf(RateLimitTimeKey, userID)

	values, err := r.client.MGet(ctx, countKey, timeKey).Result()
	if err != nil {
		return 0, false, 0, fmt.Errorf("读取限流状态失败: %w", err)
	}

	countStr, ok := values[0].(string)
	if !ok {
		return 0, false, 0, nil
	}

	tokens, err = strconv.Atoi(countStr)
	if err != nil {
		return 0, false, 0, fmt.Errorf("解析限流令牌数失败: %w", err)
	}

	if timeStr, ok := values[1].(string); ok {
		lastRefillMs, err = strconv.ParseInt(timeStr, 10, 64)
		if err != nil {
			return 0, false, 0, fmt.Errorf("解析限流时间戳失败: %w", err)
		}
	}

	return tokens, true, lastRefillMs, nil
}

// SetRateLimitState 写入用户限流桶状态，带空闲过期时间以限制内存占用
func (r *RedisRepository) SetRateLimitState(ctx context.Context, userID string, tokens int, nowMs int64, idleTTL time.Duration) error {
	countKey := fmt.Sprintf(RateLimitCountKey, userID)
	timeKey := fmt.Sprintf(RateLimitTimeKey, userID)

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, countKey, strconv.Itoa(tokens), 0)
	pipe.Set(ctx, timeKey, strconv.FormatInt(nowMs, 10), 0)
	pipe.Expire(ctx, countKey, idleTTL)
	pipe.Expire(ctx, timeKey, idleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入限流状态失败: %w", err)
	}

	return nil
}

// Publish 向房间频道发布消息
func (r *RedisRepository) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("发布广播消息失败: %w", err)
	}
	return nil
}

// Subscribe 订阅房间频道
func (r *RedisRepository) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.client.Subscribe(ctx, channel)
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
