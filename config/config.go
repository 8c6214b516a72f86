package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Lock      LockConfig      `mapstructure:"lock"`
	ETCD      ETCDConfig      `mapstructure:"etcd"`
	GraphQL   GraphQLConfig   `mapstructure:"graphql"`
}

type ServerConfig struct {
	Port        int  `mapstructure:"port"`
	Development bool `mapstructure:"development"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis（计票缓存、限流状态、Pub/Sub广播）
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
}

type RateLimitConfig struct {
	// 令牌桶容量
	Capacity int `mapstructure:"capacity"`
	// 补充窗口，每 window/capacity 补充一个令牌
	Window time.Duration `mapstructure:"window"`
	// 限流状态空闲保留时间
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type CacheConfig struct {
	// 计票快照缓存有效期
	TallyTTL time.Duration `mapstructure:"tally_ttl"`
}

type LockConfig struct {
	// 分布式锁后端: etcd 或 redis
	Backend    string        `mapstructure:"backend"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

var AppConfig Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()

	viper.SetDefault("rate_limit.capacity", 5)
	viper.SetDefault("rate_limit.window", time.Second)
	viper.SetDefault("rate_limit.idle_ttl", 60*time.Second)
	viper.SetDefault("cache.tally_ttl", 30*time.Second)
	viper.SetDefault("lock.backend", "etcd")
	viper.SetDefault("lock.timeout", 10*time.Second)
	viper.SetDefault("lock.retry_count", 3)
	viper.SetDefault("graphql.path", "/graphql")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &AppConfig, nil
}
