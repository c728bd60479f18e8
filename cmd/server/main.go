package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mockmail/backend/internal/cache"
	"mockmail/backend/internal/config"
	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/events"
	"mockmail/backend/internal/health"
	"mockmail/backend/internal/logger"
	"mockmail/backend/internal/mailparse"
	"mockmail/backend/internal/monitoring"
	"mockmail/backend/internal/pipeline"
	"mockmail/backend/internal/quota"
	"mockmail/backend/internal/reader"
	"mockmail/backend/internal/security"
	"mockmail/backend/internal/service"
	"mockmail/backend/internal/smtp"
	"mockmail/backend/internal/storage/filesystem"
	"mockmail/backend/internal/storage/hybrid"
	"mockmail/backend/internal/storage/memory"
	"mockmail/backend/internal/storage/postgres"
	"mockmail/backend/internal/storage/redis"
	"mockmail/backend/internal/tracking"
	httptransport "mockmail/backend/internal/transport/http"
	"mockmail/backend/internal/webhook"
)

const version = "1.0.0"

// 开发模式预置账户的邮箱，以该地址发信即可自动创建邮箱
const devAccountEmail = "dev@mockmail.local"

// 邮箱地址缓存有效期
const mailboxCacheTTL = 5 * time.Minute

// main 启动邮件接入管道：FIFO 读取器、可选的 SMTP 接入、HTTP API 与后台任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mockmail server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Strings("domains", cfg.Mailbox.Domains),
	)

	metrics := monitoring.NewMetrics()

	// 初始化存储层
	store, err := initializeStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}
	}()

	// 内存存储在开发模式下预置一个账户，便于本地联调
	if cfg.Database.Type == "" && cfg.Log.Development {
		createDevAccount(store, log)
	}

	// Redis 可选：邮箱缓存 + 跨实例配额计数
	var (
		redisClient *redis.Client
		gate        quota.Gate
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redis.New(&cfg.Redis, log.Named("redis"))
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()

		store = hybrid.NewStore(store, redis.NewMailboxCache(redisClient, mailboxCacheTTL), log.Named("hybrid"))
		gate = quota.NewRedisGate(redisClient, cfg.Quota.DailyLimit)
		log.Info("redis enabled for mailbox cache and quota", zap.String("address", cfg.Redis.Address))
	} else {
		if cfg.Database.Type != "" {
			store = hybrid.NewStore(store, cache.NewLocalMailboxCache(cache.DefaultMaxSize, cache.DefaultTTL), log.Named("hybrid"))
		}
		gate = quota.NewMemoryGate(cfg.Quota.DailyLimit)
		log.Info("using in-process mailbox cache and quota counters")
	}

	// Webhook 投递引擎
	guard := security.NewGuard(nil, cfg.Webhook.AllowedCIDRs)
	engine := webhook.NewEngine(store, guard, webhook.OptionsFromConfig(cfg.Webhook), metrics, log.Named("webhook"))
	dispatcher := events.NewDispatcher(engine, log.Named("events"))

	trackingService := tracking.NewService(
		store,
		tracking.NewRewriter(cfg.Tracking.BaseURL),
		dispatcher,
		cfg.Tracking.Enabled,
		metrics,
		log.Named("tracking"),
	)

	fallback, err := filesystem.NewFallbackSink(cfg.Fallback.File, cfg.Fallback.RawDir)
	if err != nil {
		log.Fatal("failed to initialize fallback sink",
			zap.String("file", cfg.Fallback.File),
			zap.Error(err),
		)
	}
	log.Info("fallback sink initialized", zap.String("file", fallback.Path()))

	mailPipeline := pipeline.New(
		mailparse.NewDecoder(),
		store,
		gate,
		dispatcher,
		trackingService,
		fallback,
		pipeline.Options{Lifetime: cfg.Mailbox.Lifetime},
		metrics,
		log.Named("pipeline"),
	)

	webhookService := service.NewWebhookService(store, engine, log.Named("webhooks"))
	sweeper := service.NewSweeper(store, dispatcher, service.SweeperOptions{
		Grace:             cfg.Mailbox.SweepGrace,
		Interval:          cfg.Mailbox.SweepInterval,
		DeliveryRetention: cfg.Webhook.DeliveryRetention,
		RetentionInterval: cfg.Webhook.RetentionInterval,
	}, metrics, log.Named("sweeper"))

	// 健康检查
	healthChecker := health.NewHealthChecker(health.PingerFunc(store.Health), log.Named("health"))
	if redisClient != nil {
		healthChecker.AddRedis(redisClient)
	}
	healthChecker.AddFallbackDir(fallback.Path())

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		Intake:         mailPipeline,
		Tracker:        trackingService,
		MessageService: service.NewMessageService(store, log.Named("messages")),
		WebhookService: webhookService,
		Accounts:       store,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// FIFO 读取器 goroutine
	if cfg.Reader.Enabled {
		fifoReader := reader.New(
			&reader.FIFOOpener{Path: cfg.Reader.FIFOPath},
			mailPipeline,
			reader.OptionsFromConfig(cfg.Reader),
			metrics,
			log.Named("reader"),
		)
		group.Go(func() error {
			log.Info("starting FIFO reader", zap.String("path", cfg.Reader.FIFOPath))
			return fifoReader.Run(groupCtx)
		})
	}

	// SMTP 服务器 goroutine（可选）
	var smtpServer interface{ Close() error }
	if cfg.SMTP.Enabled {
		limiter := smtp.NewConnectionLimiter(smtp.DefaultMaxSessions, cfg.SMTP.SessionsPerSecond)
		backend := smtp.NewBackend(groupCtx, mailPipeline, cfg.Mailbox.Domains, limiter, metrics, log.Named("smtp"))
		server := smtp.NewServer(cfg.SMTP, backend)
		smtpServer = server

		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := server.ListenAndServe(); err != nil && groupCtx.Err() == nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// 过期邮箱与投递记录清理 goroutine
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	// 读取器已排空队列，此时不会再有新事件进入引擎
	engine.Close()
	log.Info("server exited cleanly")
}

// initializeStorage 根据配置选择关系型数据库或内存存储
func initializeStorage(cfg *config.Config, log *zap.Logger) (domain.Store, error) {
	if cfg.Database.Type == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	}

	log.Info("initializing database storage", zap.String("database_type", cfg.Database.Type))
	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	log.Info("database storage initialized successfully", zap.String("database_type", cfg.Database.Type))
	return store, nil
}

// createDevAccount 创建开发用账户（仅用于内存存储的开发环境）
func createDevAccount(store domain.Store, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	account, key, err := service.NewAccountService(store).CreateAccount(ctx, devAccountEmail, "Development")
	if err != nil {
		log.Error("failed to create development account", zap.Error(err))
		return
	}
	log.Warn("development account created (memory storage only)",
		zap.String("account_id", account.ID),
		zap.String("email", account.Email),
		zap.String("api_key", key),
	)
}
