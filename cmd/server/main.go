package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fintracker/internal/config"
	"fintracker/internal/handler"
	"fintracker/internal/infrastructure/cache"
	"fintracker/internal/infrastructure/mq"
	"fintracker/internal/job"
	"fintracker/internal/tenant"
	"fintracker/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 租户库注册表（连接按需建立）
	registry := tenant.NewRegistry(cfg.Tenants)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	worker := job.NewLedgerWorker(cfg.Business.LedgerWorkerCount, cfg.Business.LedgerQueueSize)
	worker.Start(ctx)

	outboxSender := job.NewOutboxSender(registry, cfg)
	go outboxSender.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(registry, redisClient, worker, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 先停 worker：把在途和已入队的任务跑完，再取消上下文停掉其余后台任务
	// 顺序不能反，ctx 一取消队列里的任务就没法再跑了
	worker.Stop()
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
