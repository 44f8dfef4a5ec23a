package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"codeverse/internal/config"
	"codeverse/internal/mailer"
	"codeverse/internal/pkg/logger"
	"codeverse/internal/pkg/mailqueue"
	"codeverse/internal/pkg/metrics"
	"codeverse/internal/pkg/notify"
	"codeverse/internal/pkg/queue"
	"codeverse/internal/pkg/ratelimit"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是验证邮件投递服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 加入验证邮件 Stream 的消费组
// 3. 通过 worker 池与 SMTP 限流器发送邮件
// 4. 启动 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	if !cfg.Email.Configured() {
		appLogger.Error("smtp is not configured, mailer cannot deliver verification codes")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	consumer, err := mailqueue.NewConsumer(ctx, rdb, appLogger,
		cfg.MailQueue.Stream, cfg.MailQueue.Group, cfg.MailQueue.Consumer,
		mailqueue.WithBatchSize(cfg.MailQueue.BatchSize),
		mailqueue.WithMaxRetry(cfg.MailQueue.MaxRetry),
	)
	if err != nil {
		appLogger.Error("init mail consumer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metrics.InitMetrics(cfg.App.WorkerPoolSize)
	pool := queue.New(appLogger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	metrics.ObserveQueueDepth(pool.Len)

	// 发送任务使用独立的 ctx，收到信号后只停止拉取新消息。
	pool.Start(context.Background())

	limiter := ratelimit.New(rdb, "codeverse:ratelimit:smtp", cfg.MailQueue.SendRate, cfg.MailQueue.SendBurst)
	worker := mailer.NewWorker(
		consumer,
		notify.NewEmailNotifier(&cfg.Email, appLogger),
		limiter,
		pool,
		cfg.Verification.NotifyTimeout,
		appLogger,
	)

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("mailer metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	appLogger.Info("mailer started",
		slog.String("stream", cfg.MailQueue.Stream),
		slog.String("group", cfg.MailQueue.Group),
		slog.String("consumer", consumer.ConsumerID()))

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("mail worker stopped", slog.String("error", err.Error()))
	}

	appLogger.Info("shutting down mailer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	if err := pool.Shutdown(cfg.App.ShutdownTimeout); err != nil {
		appLogger.Error("worker pool shutdown error", slog.String("error", err.Error()))
	}

	// 未确认的消息留在 PEL 中，下次启动时由本 consumer 重新认领。
	pending, err := consumer.Pending(shutdownCtx)
	if err != nil {
		appLogger.Warn("read pending mails failed", slog.String("error", err.Error()))
	}

	stats := worker.Stats()
	appLogger.Info("mailer stopped",
		slog.Int64("received", stats.Received),
		slog.Int64("sent", stats.Sent),
		slog.Int64("failed", stats.Failed),
		slog.Int64("expired", stats.Expired),
		slog.Int64("pending", pending))
}
