// Package mq 提供领域事件的消息总线：RabbitMQ 连接管理、事件发布（RabbitMQ / Kafka）与审计消费
package mq

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// Config RabbitMQ配置
type Config struct {
	// 连接配置
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	VHost    string `json:"vhost"`

	// TLS配置
	UseTLS                bool   `json:"use_tls"`
	TLSServerName         string `json:"tls_server_name"`
	TLSInsecureSkipVerify bool   `json:"tls_insecure_skip_verify"`

	ConnectionTimeout time.Duration `json:"connection_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// 重连配置
	EnableReconnect      bool          `json:"enable_reconnect"`
	ReconnectInterval    time.Duration `json:"reconnect_interval"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`

	// 事件交换机（topic），路由键即事件类型
	Exchange string `json:"exchange"`

	Producer *ProducerConfig `json:"producer"`
	Consumer *ConsumerConfig `json:"consumer"`
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	// 发布确认
	EnableConfirm  bool          `json:"enable_confirm"`
	ConfirmTimeout time.Duration `json:"confirm_timeout"`

	// 重试配置
	EnableRetry      bool          `json:"enable_retry"`
	MaxRetryAttempts int           `json:"max_retry_attempts"`
	RetryInterval    time.Duration `json:"retry_interval"`

	PublishTimeout time.Duration `json:"publish_timeout"`
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Queue         string   `json:"queue"`
	BindingKeys   []string `json:"binding_keys"`
	PrefetchCount int      `json:"prefetch_count"`

	// 重复投递去重窗口
	DedupTTL time.Duration `json:"dedup_ttl"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5672,
		Username: "guest",
		Password: "guest",
		VHost:    "/",

		ConnectionTimeout: 30 * time.Second,
		HeartbeatInterval: 10 * time.Second,

		EnableReconnect:      true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,

		Exchange: "flash_sale.events",

		Producer: &ProducerConfig{
			EnableConfirm:    true,
			ConfirmTimeout:   5 * time.Second,
			EnableRetry:      true,
			MaxRetryAttempts: 3,
			RetryInterval:    time.Second,
			PublishTimeout:   10 * time.Second,
		},

		Consumer: &ConsumerConfig{
			Queue:         "flash_sale.audit",
			BindingKeys:   []string{"order.#", "inventory.#", "payment.#"},
			PrefetchCount: 10,
			DedupTTL:      24 * time.Hour,
		},
	}
}

// GetConnectionURL 获取连接URL
func (c *Config) GetConnectionURL() string {
	scheme := "amqp"
	if c.UseTLS {
		scheme = "amqps"
	}

	vhost := c.VHost
	if !strings.HasPrefix(vhost, "/") {
		vhost = "/" + vhost
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d%s",
		scheme, c.Username, c.Password, c.Host, c.Port, vhost)
}

// GetTLSConfig 获取TLS配置
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		ServerName:         c.TLSServerName,
		InsecureSkipVerify: c.TLSInsecureSkipVerify,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("exchange is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be greater than 0")
	}
	if c.Producer != nil {
		if err := c.Producer.Validate(); err != nil {
			return fmt.Errorf("producer config validation failed: %w", err)
		}
	}
	if c.Consumer != nil && c.Consumer.Queue == "" {
		return fmt.Errorf("consumer queue is required")
	}
	return nil
}

// Validate 验证生产者配置
func (c *ProducerConfig) Validate() error {
	if c.EnableConfirm && c.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm_timeout must be greater than 0")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must be >= 0")
	}
	if c.EnableRetry && c.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval must be greater than 0")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish_timeout must be greater than 0")
	}
	return nil
}
