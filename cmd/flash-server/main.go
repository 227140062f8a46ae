package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/api"
	"github.com/MorseWayne/flash_sale/internal/cache"
	"github.com/MorseWayne/flash_sale/internal/config"
	"github.com/MorseWayne/flash_sale/internal/database"
	"github.com/MorseWayne/flash_sale/internal/limiter"
	"github.com/MorseWayne/flash_sale/internal/logger"
	"github.com/MorseWayne/flash_sale/internal/mq"
	"github.com/MorseWayne/flash_sale/internal/observability"
	"github.com/MorseWayne/flash_sale/internal/repo"
	"github.com/MorseWayne/flash_sale/internal/router"
	"github.com/MorseWayne/flash_sale/internal/service"
)

// 库存计数镜像的过期时间，数据库才是权威来源
const stockCounterTTL = 24 * time.Hour

// App 持有需要在退出时释放的资源和后台任务
type App struct {
	cfg *config.Config
	lg  *zap.Logger

	db        *sql.DB
	cache     cache.Cache
	redis     redis.UniversalClient
	rabbit    *mq.ConnectionManager
	publisher mq.Publisher

	handler    http.Handler
	background []func(context.Context) error
}

// initConfigAndLogger 初始化配置和日志器
func initConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, cfg.App.Name, cfg.App.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, lg, nil
}

// initDatabase 建立连接并在 HTTP 服务启动前执行迁移
func initDatabase(cfg *config.Config, lg *zap.Logger) (*sql.DB, error) {
	db, err := database.New(cfg, lg)
	if err != nil {
		return nil, err
	}
	lg.Sugar().Infow("using migrations directory", "path", cfg.Migrations.Dir)
	if err := database.RunMigrations(cfg, lg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// initCache 初始化缓存；Redis 不可用时退回内存缓存，此时返回的 client 为 nil
func initCache(cfg *config.Config, lg *zap.Logger) (cache.Cache, redis.UniversalClient) {
	if !cfg.Cache.Enabled {
		lg.Info("cache disabled")
		return cache.NewNullCache(), nil
	}
	switch cfg.Cache.Type {
	case "redis":
		rc, err := cache.NewRedisCache(cache.RedisOptions{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			lg.Warn("failed to connect to Redis, falling back to memory cache", zap.Error(err))
			return cache.NewMemoryCache(), nil
		}
		lg.Info("cache enabled", zap.String("type", "redis"), zap.String("addr", cfg.RedisAddr()), zap.Duration("ttl", cfg.Cache.TTL))
		return rc, rc.Client()
	case "memory":
		lg.Info("cache enabled", zap.String("type", "memory"), zap.Duration("ttl", cfg.Cache.TTL))
		return cache.NewMemoryCache(), nil
	default:
		lg.Warn("unknown cache type, using memory cache", zap.String("type", cfg.Cache.Type))
		return cache.NewMemoryCache(), nil
	}
}

// initStockCounter Redis 可用时共享给多实例，否则进程内计数
func initStockCounter(c cache.Cache, client redis.UniversalClient) cache.StockCounter {
	if client != nil {
		return cache.NewRedisStockCounter(client, stockCounterTTL)
	}
	return cache.NewCacheStockCounter(c, stockCounterTTL)
}

// initLimiter 下单限流；未启用返回 nil
func initLimiter(cfg *config.Config, client redis.UniversalClient, lg *zap.Logger) (limiter.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	lc := &limiter.Config{
		Rate:      int64(cfg.RateLimit.Rate),
		Window:    cfg.RateLimit.Window,
		Burst:     int64(cfg.RateLimit.Burst),
		KeyPrefix: "limiter:order",
	}
	if client != nil {
		lg.Info("order rate limit enabled", zap.String("backend", "redis"), zap.Int("rate", cfg.RateLimit.Rate), zap.Int("burst", cfg.RateLimit.Burst))
		return limiter.NewTokenBucketLimiter(client, lc)
	}
	lg.Info("order rate limit enabled", zap.String("backend", "local"), zap.Int("rate", cfg.RateLimit.Rate), zap.Int("burst", cfg.RateLimit.Burst))
	return limiter.NewLocalLimiter(lc)
}

func rabbitConfig(cfg *config.Config) *mq.Config {
	mc := mq.DefaultConfig()
	mc.Host = cfg.MQ.Host
	mc.Port = cfg.MQ.Port
	mc.Username = cfg.MQ.Username
	mc.Password = cfg.MQ.Password
	mc.VHost = cfg.MQ.VHost
	mc.Exchange = cfg.MQ.Exchange
	mc.Producer.PublishTimeout = cfg.MQ.PublishTimeout
	return mc
}

// initPublisher 按 MQ_DRIVER 选择事件发布器
func initPublisher(ctx context.Context, cfg *config.Config, lg *zap.Logger) (mq.Publisher, *mq.ConnectionManager, error) {
	switch cfg.MQ.Driver {
	case "none":
		lg.Info("event publishing disabled")
		return mq.NopPublisher{}, nil, nil
	case "rabbitmq":
		mc := rabbitConfig(cfg)
		if err := mc.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid rabbitmq config: %w", err)
		}
		cm := mq.NewConnectionManager(mc, lg)
		if err := cm.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return mq.NewRabbitPublisher(cm, mc.Exchange, mc.Producer, lg), cm, nil
	case "kafka":
		w := mq.NewKafkaWriter(cfg.MQ.KafkaBrokers, cfg.MQ.KafkaTopic)
		lg.Info("event publishing enabled", zap.String("driver", "kafka"), zap.Strings("brokers", cfg.MQ.KafkaBrokers), zap.String("topic", cfg.MQ.KafkaTopic))
		return mq.NewKafkaPublisher(w, lg), nil, nil
	case "both":
		mc := rabbitConfig(cfg)
		cm := mq.NewConnectionManager(mc, lg)
		if err := cm.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return mq.MultiPublisher{
			mq.NewRabbitPublisher(cm, mc.Exchange, mc.Producer, lg),
			mq.NewKafkaPublisher(mq.NewKafkaWriter(cfg.MQ.KafkaBrokers, cfg.MQ.KafkaTopic), lg),
		}, cm, nil
	default:
		return nil, nil, fmt.Errorf("unknown MQ_DRIVER %q", cfg.MQ.Driver)
	}
}

// buildApp 依赖注入链：仓储 -> 服务 -> 处理器 -> 路由
func buildApp(ctx context.Context, cfg *config.Config, lg *zap.Logger, db *sql.DB) (*App, error) {
	app := &App{cfg: cfg, lg: lg, db: db}
	app.cache, app.redis = initCache(cfg, lg)

	publisher, rabbit, err := initPublisher(ctx, cfg, lg)
	if err != nil {
		return nil, err
	}
	app.publisher, app.rabbit = publisher, rabbit

	var productRepo repo.ProductRepository = repo.NewProductRepository(db)
	if cfg.Cache.Enabled {
		productRepo = repo.NewCachedProductRepository(productRepo, app.cache, cfg.Cache.TTL, lg)
	}
	inventoryRepo := repo.NewInventoryRepository(db)
	orderRepo := repo.NewOrderRepository(db)

	productService := service.NewProductService(productRepo, publisher, lg)
	inventoryService := service.NewInventoryService(
		inventoryRepo, productRepo,
		initStockCounter(app.cache, app.redis),
		publisher,
		&service.InventoryServiceConfig{MaxRetries: cfg.Inventory.MaxRetries, RetryBackoff: 5 * time.Millisecond},
		lg,
	)
	orderService := service.NewOrderService(
		orderRepo, productRepo, inventoryService, productService, publisher,
		&service.OrderServiceConfig{
			ShippingFee:           cfg.Order.ShippingFee,
			PaymentGateway:        cfg.Order.PaymentGateway,
			ReservationWindow:     cfg.Order.ReservationWindow,
			RequireActiveProduct:  true,
			CompensateFailedLines: cfg.Order.CompensateLines,
		},
		lg,
	)
	jwtService := service.NewJWTService(cfg, lg)

	timeouts := service.NewOrderTimeoutService(orderRepo, orderService, &service.OrderTimeoutConfig{
		Interval:          cfg.Order.SweepInterval,
		ReservationWindow: cfg.Order.ReservationWindow,
		BatchSize:         cfg.Order.SweepBatchSize,
	}, lg)
	statuses := service.NewProductStatusUpdateService(productRepo, cfg.Product.StatusInterval, lg)
	app.background = append(app.background, timeouts.Run, statuses.Run)

	if rabbit != nil && cfg.MQ.ConsumeEvents {
		consumerCfg := rabbitConfig(cfg).Consumer
		audit := mq.NewConsumer(rabbit, cfg.MQ.Exchange, consumerCfg,
			mq.NewDeduplicator(app.cache, consumerCfg.DedupTTL),
			mq.AuditLogHandler(lg.Named("audit")), lg)
		app.background = append(app.background, audit.Run)
	}

	orderLimiter, err := initLimiter(cfg, app.redis, lg)
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	handler := router.New(cfg, &router.Dependencies{
		OrderHandler:     api.NewOrderHandler(orderService, lg),
		ProductHandler:   api.NewProductHandler(productService, lg),
		InventoryHandler: api.NewInventoryHandler(inventoryService, lg),
		JWTService:       jwtService,
		OrderLimiter:     orderLimiter,
		HealthChecks:     app.healthChecks(),
	}, lg)
	app.handler = otelhttp.NewHandler(handler, cfg.App.Name)
	return app, nil
}

func (a *App) healthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"mysql": a.db.PingContext,
		"cache": a.cache.Ping,
	}
	if a.rabbit != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if !a.rabbit.IsConnected() {
				return fmt.Errorf("connection state %s", a.rabbit.GetState())
			}
			return nil
		}
	}
	return checks
}

// runBackground 启动调度器与消费者，ctx 取消后全部退出
func (a *App) runBackground(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, run := range a.background {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.lg.Error("background task stopped", zap.Error(err))
			}
		}(run)
	}
	return &wg
}

func logPublisherStats(lg *zap.Logger, p mq.Publisher) {
	switch pub := p.(type) {
	case mq.MultiPublisher:
		for _, inner := range pub {
			logPublisherStats(lg, inner)
		}
	case *mq.RabbitPublisher:
		st := pub.Stats()
		lg.Info("rabbitmq publisher stats",
			zap.Int64("published", st.Published),
			zap.Int64("confirmed", st.Confirmed),
			zap.Int64("failed", st.Failed))
	}
}

// Close 释放外部资源
func (a *App) Close() {
	logPublisherStats(a.lg, a.publisher)
	if err := a.publisher.Close(); err != nil {
		a.lg.Warn("failed to close publisher", zap.Error(err))
	}
	if a.rabbit != nil {
		a.lg.Info("rabbitmq connection closing", zap.Int32("reconnects", a.rabbit.ReconnectCount()))
		if err := a.rabbit.Close(); err != nil {
			a.lg.Warn("failed to close rabbitmq connection", zap.Error(err))
		}
	}
	if err := a.cache.Close(); err != nil {
		a.lg.Warn("failed to close cache", zap.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.lg.Error("failed to close database connection", zap.Error(err))
	}
}

// serve 启动服务器并处理优雅关闭
func (a *App) serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.App.Port)
	srv := &http.Server{Addr: addr, Handler: a.handler, ReadHeaderTimeout: 5 * time.Second}

	bgCtx, stopBackground := context.WithCancel(ctx)
	wg := a.runBackground(bgCtx)

	serverErrCh := make(chan error, 1)
	go func() {
		a.lg.Info("server starting", zap.String("addr", addr))
		serverErrCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-serverErrCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		a.lg.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.lg.Error("server shutdown error", zap.Error(err))
	}
	stopBackground()
	wg.Wait()
	a.lg.Info("server exited")
	return serveErr
}

func main() {
	cfg, lg, err := initConfigAndLogger()
	if err != nil {
		log.Fatalf("failed to initialize config and logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracingSDK(ctx, cfg)
	if err != nil {
		lg.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			lg.Warn("failed to shut down tracing", zap.Error(err))
		}
	}()

	db, err := initDatabase(cfg, lg)
	if err != nil {
		lg.Fatal("failed to initialize database", zap.Error(err))
	}

	app, err := buildApp(ctx, cfg, lg, db)
	if err != nil {
		db.Close()
		lg.Fatal("failed to build application", zap.Error(err))
	}
	defer app.Close()

	if err := app.serve(ctx); err != nil {
		lg.Error("server error", zap.Error(err))
	}
}
