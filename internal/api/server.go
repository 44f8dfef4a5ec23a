package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"codeverse/internal/api/auth"
	"codeverse/internal/api/middleware"
	profileapi "codeverse/internal/api/profile"
	"codeverse/internal/config"
	"codeverse/internal/identity"
	"codeverse/internal/pkg/cooldown"
	"codeverse/internal/pkg/mailqueue"
	"codeverse/internal/pkg/metrics"
	"codeverse/internal/pkg/notify"
	"codeverse/internal/pkg/queue"
	"codeverse/internal/pkg/ratelimit"
	"codeverse/internal/profile"
	"codeverse/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	healthTimeout    = 2 * time.Second
	streamLenTimeout = time.Second
)

// Database 是 Server 持有的数据库句柄。
type Database interface {
	Ping(ctx context.Context) error
	Close() error
}

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库与 Redis 连接、通知 worker 池以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       Database
	rdb      *redis.Client
	router   *gin.Engine
	sessions middleware.SessionValidator
	limiter  middleware.Limiter
	auth     *auth.Handler
	profile  *profileapi.Handler

	// notifyQueue 为空表示验证码交给 mailer 进程投递。
	notifyQueue *queue.Queue
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 组装身份服务、资料服务与验证码投递方式
// 4. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db := store.NewDB(cfg.MySQL.DSN, logger)
	gdb, err := db.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	fail := func(err error) (*Server, error) {
		_ = db.Close()
		_ = rdb.Close()
		return nil, err
	}

	hasher, err := identity.NewPasswordHasher(cfg.Security.BcryptCost)
	if err != nil {
		return fail(err)
	}
	signer, err := identity.NewSigner(cfg.Security.JWTSecret, cfg.Security.SessionTTL)
	if err != nil {
		return fail(err)
	}

	notifier, notifyQueue := buildNotifier(cfg, rdb, logger)

	accounts := store.NewAccountStore(gdb)
	identitySvc := identity.NewService(
		accounts,
		hasher,
		identity.NewCodeGenerator(cfg.Verification.CodeTTL),
		signer,
		notifier,
		logger,
		identity.WithNotifyTimeout(cfg.Verification.NotifyTimeout),
		identity.WithMinPasswordEntropy(cfg.Security.MinPasswordEntropy),
	)
	profileSvc := profile.NewService(store.NewProfileStore(gdb), identitySvc, logger)

	// 初始化 Prometheus 指标
	metrics.InitMetrics(cfg.App.WorkerPoolSize)
	if notifyQueue != nil {
		metrics.ObserveQueueDepth(notifyQueue.Len)
	}

	cookie := auth.CookieConfig{Secure: cfg.App.IsProd(), MaxAge: cfg.Security.SessionTTL}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		rdb:         rdb,
		router:      newRouter(logger),
		sessions:    identitySvc,
		limiter:     ratelimit.New(rdb, "codeverse:ratelimit:ip", cfg.App.RateLimit, cfg.App.RateBurst),
		auth:        auth.NewHandler(identitySvc, cooldown.New(rdb, "", cfg.Verification.ResendCooldown), cookie, logger),
		profile:     profileapi.NewHandler(identitySvc, profileSvc, logger),
		notifyQueue: notifyQueue,
	}
	s.registerRoutes()
	return s, nil
}

// buildNotifier 选择验证码投递方式。
//
// 启用 mail_queue 时写入 Redis Stream 交给 mailer；否则在本进程的 worker 池里发送，
// SMTP 未配置的非生产环境只把验证码写进日志。
func buildNotifier(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (identity.Notifier, *queue.Queue) {
	if cfg.MailQueue.Enabled {
		logger.Info("verification mail goes through redis stream", slog.String("stream", cfg.MailQueue.Stream))
		producer := mailqueue.NewProducer(rdb, logger, cfg.MailQueue.Stream)
		metrics.ObserveMailStream(func() int {
			ctx, cancel := context.WithTimeout(context.Background(), streamLenTimeout)
			defer cancel()
			n, err := producer.Len(ctx)
			if err != nil {
				logger.Debug("read mail stream length failed", slog.String("error", err.Error()))
				return 0
			}
			return int(n)
		})
		return producer, nil
	}

	var base identity.Notifier
	switch {
	case cfg.Email.Configured():
		base = notify.NewEmailNotifier(&cfg.Email, logger)
	case cfg.App.IsProd():
		logger.Warn("smtp not configured, verification codes cannot be delivered")
		base = notify.NewEmailNotifier(&cfg.Email, logger)
	default:
		logger.Warn("smtp not configured, verification codes are written to the log")
		base = notify.NewLogNotifier(logger)
	}

	q := queue.New(logger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	q.OnFailure(recordNotifyFailure)
	return notify.NewDispatcher(base, q, cfg.Verification.NotifyTimeout, logger), q
}

// recordNotifyFailure 统计在 worker 池中失败的投递任务。
func recordNotifyFailure(_ queue.Task, err error) {
	outcome := "failed"
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = "timeout"
	}
	metrics.NotificationsTotal.WithLabelValues("pool", outcome).Inc()
}

func newRouter(logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	return r
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartWorkers 启动通知 worker 池。
func (s *Server) StartWorkers(ctx context.Context) {
	if s.notifyQueue != nil {
		s.notifyQueue.Start(ctx)
	}
}

// Close 等待通知队列排空，然后关闭缓存与数据库连接。
func (s *Server) Close() error {
	var errs []error
	if s.notifyQueue != nil {
		if err := s.notifyQueue.Shutdown(s.cfg.App.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("drain notify queue: %w", err))
		}
		stats := s.notifyQueue.Stats()
		s.logger.Info("notify queue drained",
			slog.Int64("processed", stats.Processed),
			slog.Int64("failed", stats.Failed),
			slog.Int64("dropped", stats.Dropped))
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/register", s.rateLimit("register"), s.auth.Register)
	s.router.GET("/verify", s.rateLimit("verify"), s.auth.RequestCode)
	s.router.POST("/verify", s.rateLimit("verify"), s.auth.Verify)
	s.router.POST("/sign-in", s.rateLimit("sign_in"), s.auth.SignIn)
	s.router.POST("/sign-out", s.auth.SignOut)
	s.router.GET("/username-available", s.auth.UsernameAvailable)

	authed := s.router.Group("/")
	authed.Use(middleware.Session(s.sessions))
	authed.GET("/session", s.auth.Session)
	authed.GET("/me", s.profile.Me)
	authed.POST("/profile", s.profile.Complete)
}

func (s *Server) rateLimit(scope string) gin.HandlerFunc {
	return middleware.RateLimit(s.limiter, scope, s.logger)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("health check: database", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "mysql"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.logger.Warn("health check: redis", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
