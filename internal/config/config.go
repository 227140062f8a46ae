// Package config 负责从 .env 与环境变量加载服务配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config 服务全部配置
type Config struct {
	App struct {
		Env             string
		Name            string
		Version         string
		Port            int
		RequestTimeout  time.Duration
		ShutdownTimeout time.Duration
	}
	Log struct {
		Level    string
		Encoding string
	}
	Database struct {
		Host            string
		Port            int
		User            string
		Password        string
		DBName          string
		MaxOpenConns    int
		MaxIdleConns    int
		ConnMaxLifetime time.Duration
	}
	Redis struct {
		Host     string
		Port     int
		Password string
		DB       int
		PoolSize int
	}
	Cache struct {
		Enabled bool
		Type    string // redis | memory
		TTL     time.Duration
	}
	JWT struct {
		Secret         string
		AccessTokenTTL time.Duration
		Issuer         string
	}
	Migrations struct {
		Dir string
	}
	CORS struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
	}
	MQ struct {
		Driver         string // rabbitmq | kafka | both | none
		Host           string
		Port           int
		Username       string
		Password       string
		VHost          string
		Exchange       string
		KafkaBrokers   []string
		KafkaTopic     string
		PublishTimeout time.Duration
		ConsumeEvents  bool
	}
	Tracing struct {
		Enabled     bool
		Endpoint    string
		URLPath     string
		AuthHeader  string
		ServiceName string
	}
	Order struct {
		ShippingFee       decimal.Decimal
		PaymentGateway    string
		SweepInterval     time.Duration
		ReservationWindow time.Duration
		SweepBatchSize    int
		CompensateLines   bool
	}
	Product struct {
		StatusInterval time.Duration
	}
	Inventory struct {
		MaxRetries int
	}
	RateLimit struct {
		Enabled bool
		Rate    int
		Burst   int
		Window  time.Duration
	}
}

// Load 读取 .env（不存在时忽略）与环境变量，未设置的项使用默认值
func Load() (*Config, error) {
	_ = godotenv.Load()

	var c Config
	c.App.Env = getEnv("APP_ENV", "dev")
	c.App.Name = getEnv("APP_NAME", "flash-sale")
	c.App.Version = getEnv("APP_VERSION", "0.1.0")
	c.App.Port = getInt("APP_PORT", 8080)
	c.App.RequestTimeout = getDuration("APP_REQUEST_TIMEOUT", 5*time.Second)
	c.App.ShutdownTimeout = getDuration("APP_SHUTDOWN_TIMEOUT", 10*time.Second)

	c.Log.Level = getEnv("LOG_LEVEL", "info")
	c.Log.Encoding = getEnv("LOG_ENCODING", "")

	c.Database.Host = getEnv("DB_HOST", "127.0.0.1")
	c.Database.Port = getInt("DB_PORT", 3306)
	c.Database.User = getEnv("DB_USER", "root")
	c.Database.Password = getEnv("DB_PASSWORD", "")
	c.Database.DBName = getEnv("DB_NAME", "flash_sale")
	c.Database.MaxOpenConns = getInt("DB_MAX_OPEN_CONNS", 50)
	c.Database.MaxIdleConns = getInt("DB_MAX_IDLE_CONNS", 10)
	c.Database.ConnMaxLifetime = getDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	c.Redis.Host = getEnv("REDIS_HOST", "127.0.0.1")
	c.Redis.Port = getInt("REDIS_PORT", 6379)
	c.Redis.Password = getEnv("REDIS_PASSWORD", "")
	c.Redis.DB = getInt("REDIS_DB", 0)
	c.Redis.PoolSize = getInt("REDIS_POOL_SIZE", 20)

	c.Cache.Enabled = getBool("CACHE_ENABLED", true)
	c.Cache.Type = getEnv("CACHE_TYPE", "redis")
	c.Cache.TTL = getDuration("CACHE_TTL", 5*time.Minute)

	c.JWT.Secret = getEnv("JWT_SECRET", "")
	c.JWT.AccessTokenTTL = getDuration("JWT_ACCESS_TOKEN_TTL", 15*time.Minute)
	c.JWT.Issuer = getEnv("JWT_ISSUER", c.App.Name)

	c.Migrations.Dir = getEnv("MIGRATIONS_DIR", "migrations")

	c.CORS.AllowedOrigins = getList("CORS_ALLOWED_ORIGINS", []string{"*"})
	c.CORS.AllowedMethods = getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"})
	c.CORS.AllowedHeaders = getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"})

	c.MQ.Driver = getEnv("MQ_DRIVER", "none")
	c.MQ.Host = getEnv("RABBITMQ_HOST", "localhost")
	c.MQ.Port = getInt("RABBITMQ_PORT", 5672)
	c.MQ.Username = getEnv("RABBITMQ_USER", "guest")
	c.MQ.Password = getEnv("RABBITMQ_PASSWORD", "guest")
	c.MQ.VHost = getEnv("RABBITMQ_VHOST", "/")
	c.MQ.Exchange = getEnv("MQ_EXCHANGE", "flash_sale.events")
	c.MQ.KafkaBrokers = getList("KAFKA_BROKERS", []string{"localhost:9092"})
	c.MQ.KafkaTopic = getEnv("KAFKA_TOPIC", "flash_sale.events")
	c.MQ.PublishTimeout = getDuration("MQ_PUBLISH_TIMEOUT", 5*time.Second)
	c.MQ.ConsumeEvents = getBool("MQ_CONSUME_EVENTS", false)

	c.Tracing.Enabled = getBool("TRACING_ENABLED", false)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4318")
	c.Tracing.URLPath = getEnv("OTEL_EXPORTER_URL_PATH", "/v1/traces")
	c.Tracing.AuthHeader = getEnv("OTEL_EXPORTER_AUTH_HEADER", "")
	c.Tracing.ServiceName = getEnv("OTEL_SERVICE_NAME", c.App.Name)

	fee, err := decimal.NewFromString(getEnv("ORDER_SHIPPING_FEE", "3000"))
	if err != nil {
		return nil, fmt.Errorf("invalid ORDER_SHIPPING_FEE: %w", err)
	}
	c.Order.ShippingFee = fee
	c.Order.PaymentGateway = getEnv("ORDER_PAYMENT_GATEWAY", "default")
	c.Order.SweepInterval = getDuration("ORDER_SWEEP_INTERVAL", 30*time.Second)
	c.Order.ReservationWindow = getDuration("ORDER_RESERVATION_WINDOW", 10*time.Minute)
	c.Order.SweepBatchSize = getInt("ORDER_SWEEP_BATCH_SIZE", 100)
	c.Order.CompensateLines = getBool("ORDER_COMPENSATE_FAILED_LINES", false)

	c.Product.StatusInterval = getDuration("PRODUCT_STATUS_INTERVAL", 30*time.Second)
	c.Inventory.MaxRetries = getInt("INVENTORY_MAX_RETRIES", 5)

	c.RateLimit.Enabled = getBool("RATE_LIMIT_ENABLED", true)
	c.RateLimit.Rate = getInt("RATE_LIMIT_RATE", 5)
	c.RateLimit.Burst = getInt("RATE_LIMIT_BURST", 10)
	c.RateLimit.Window = getDuration("RATE_LIMIT_WINDOW", time.Second)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT out of range: %d", c.App.Port))
	}
	if c.App.RequestTimeout <= 0 {
		errs = append(errs, errors.New("APP_REQUEST_TIMEOUT must be positive"))
	}
	if c.IsProd() && c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in prod"))
	}
	if c.JWT.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TOKEN_TTL must be positive"))
	}
	switch c.MQ.Driver {
	case "rabbitmq", "kafka", "both", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown MQ_DRIVER %q", c.MQ.Driver))
	}
	switch c.Cache.Type {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_TYPE %q", c.Cache.Type))
	}
	if c.Order.ShippingFee.IsNegative() {
		errs = append(errs, errors.New("ORDER_SHIPPING_FEE must not be negative"))
	}
	if c.Order.SweepInterval <= 0 || c.Order.ReservationWindow <= 0 {
		errs = append(errs, errors.New("order sweep interval and reservation window must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Rate <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_RATE and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// IsProd 是否生产环境
func (c *Config) IsProd() bool {
	return c.App.Env == "prod" || c.App.Env == "production"
}

// DSN MySQL 连接串
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&charset=utf8mb4&multiStatements=true",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName)
}

// RedisAddr host:port
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

func getList(key string, def []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
