package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvdashuaibi/livepoll/config"
	"github.com/lvdashuaibi/livepoll/internal/api"
	"github.com/lvdashuaibi/livepoll/internal/api/graph"
	"github.com/lvdashuaibi/livepoll/internal/broadcast"
	"github.com/lvdashuaibi/livepoll/internal/cache"
	intkafka "github.com/lvdashuaibi/livepoll/internal/kafka"
	"github.com/lvdashuaibi/livepoll/internal/ledger"
	"github.com/lvdashuaibi/livepoll/internal/limiter"
	"github.com/lvdashuaibi/livepoll/internal/lock"
	"github.com/lvdashuaibi/livepoll/internal/logger"
	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/lvdashuaibi/livepoll/internal/scheduler"
	"github.com/lvdashuaibi/livepoll/internal/service"
)

const (
	// 关闭者选举锁：持有锁的实例负责运行到期定时任务
	CloserElectionLockName = "livepoll:closer:election"
	LockAcquireTimeout     = 30 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	if err := logger.Init(cfg.Server.Development); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	sugar := logger.Sugar()
	sugar.Infof("配置加载成功，当前实例ID: %d", *instanceID)

	// 权威存储
	mysqlRepo, err := repository.NewMySQLRepository()
	if err != nil {
		sugar.Fatalf("初始化MySQL仓库失败: %v", err)
	}
	defer mysqlRepo.Close()
	sugar.Info("MySQL仓库初始化成功")

	// 共享快速存储
	redisRepo, err := repository.NewRedisRepository()
	if err != nil {
		sugar.Fatalf("初始化Redis仓库失败: %v", err)
	}
	defer redisRepo.Close()
	sugar.Info("Redis仓库初始化成功")

	// 分布式锁
	distLock, err := lock.New()
	if err != nil {
		sugar.Fatalf("初始化分布式锁失败: %v", err)
	}
	defer distLock.Close()

	// 关闭者选举：持有锁的实例运行到期定时任务，
	// 未当选的实例依赖读路径的惰性关闭和当选者的广播
	isCloser := false
	acquired, err := distLock.AcquireLock(CloserElectionLockName, LockAcquireTimeout)
	if err != nil {
		sugar.Warnf("关闭者选举失败: %v，以普通节点模式启动", err)
	} else if acquired {
		isCloser = true
		defer distLock.ReleaseLock(CloserElectionLockName)
	}
	sugar.Infof("实例 %d 启动，关闭者模式: %v", *instanceID, isCloser)

	// Kafka审计管道
	producer, err := intkafka.NewProducer()
	if err != nil {
		sugar.Fatalf("初始化Kafka生产者失败: %v", err)
	}
	defer producer.Close()

	consumer, err := intkafka.NewConsumer()
	if err != nil {
		sugar.Fatalf("初始化Kafka消费者失败: %v", err)
	}
	defer consumer.Stop()
	consumer.StartConsuming(func(ctx context.Context, event *model.VoteAuditEvent) error {
		return mysqlRepo.SaveVoteLog(ctx, event)
	})

	// 房间广播（Redis Pub/Sub，跨实例扇出）
	hub := broadcast.NewHub(broadcast.NewRedisTransport(redisRepo))
	defer hub.Stop()

	// 计票缓存
	tallyCache := cache.NewTallyCache(redisRepo, cfg.Cache.TallyTTL)

	// 到期调度器
	expiry := scheduler.NewExpiryScheduler(mysqlRepo, tallyCache, hub, distLock)
	if isCloser {
		if err := expiry.Start(context.Background()); err != nil {
			sugar.Fatalf("启动到期调度器失败: %v", err)
		}
	}
	defer expiry.Stop()

	// 投票账本
	voteLedger := ledger.NewVoteLedger(mysqlRepo, tallyCache, hub, producer)

	// 准入控制
	rateLimiter := limiter.NewRateLimiter(redisRepo,
		cfg.RateLimit.Capacity, cfg.RateLimit.Window, cfg.RateLimit.IdleTTL, limiter.SystemClock())

	// 投票服务与HTTP入口
	pollService := service.NewPollService(mysqlRepo, tallyCache, voteLedger, expiry)
	server := api.NewServer(pollService, rateLimiter, hub, graph.NewHandler(pollService))

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1
	go func() {
		if err := server.Start(serverPort); err != nil {
			sugar.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	sugar.Infof("LivePoll 系统 (实例 %d) 已启动，服务地址: http://localhost:%d", *instanceID, serverPort)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugar.Info("正在关闭服务...")
}
