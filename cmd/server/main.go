package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"txnledger/internal/config"
	"txnledger/internal/handler"
	"txnledger/internal/infrastructure/cache"
	"txnledger/internal/infrastructure/database"
	"txnledger/internal/infrastructure/lock"
	"txnledger/internal/infrastructure/logger"
	"txnledger/internal/infrastructure/mq"
	"txnledger/internal/job"
	"txnledger/internal/repository"
	"txnledger/internal/service"
	"txnledger/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	db, err := database.Open(cfg, zlog)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Kafka 和 Redis 都是可选的，未配置时不启动投递任务
	if cfg.Kafka.Enabled() {
		publisher, err := mq.NewKafkaPublisher(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer publisher.Close()

		var relayLock *lock.DistributedLock
		if cfg.Redis.Enabled() {
			redisClient, err := cache.InitRedis(&cfg.Redis, zlog)
			if err != nil {
				return err
			}
			defer redisClient.Close()
			relayLock = lock.NewRelayLock(redisClient, instanceID(), 10*time.Second)
		}

		relay := job.NewOutboxRelay(db, publisher, relayLock, cfg, zlog)
		go relay.Start(ctx)
	}

	svc := service.NewTransactionService(repository.NewTransactionRepository(db), cfg, zlog)
	router := handler.SetupRouter(svc, cfg, zlog)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		zlog.Info("服务启动", zap.Int("port", cfg.Server.Port), zap.String("driver", cfg.Database.Driver), zap.Int64("worker_id", cfg.Server.WorkerID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	zlog.Info("正在关闭服务...")
	cancel()

	// 等待进行中的请求最多5秒
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("服务关闭异常", zap.Error(err))
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	zlog.Info("服务已关闭")
	return nil
}

func instanceID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
