package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/cache"
)

// EventHandler 事件处理函数
type EventHandler func(ctx context.Context, event Event) error

// Deduplicator 基于缓存 SetNX 的至多一次处理，RabbitMQ 至少一次投递下过滤重复事件
type Deduplicator struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewDeduplicator 创建去重器
func NewDeduplicator(c cache.Cache, ttl time.Duration) *Deduplicator {
	return &Deduplicator{cache: c, ttl: ttl}
}

// FirstSeen 首次出现返回 true
func (d *Deduplicator) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	return d.cache.SetNX(ctx, "event:seen:"+eventID, 1, d.ttl)
}

// Forget 处理失败后撤销标记，允许重新投递时再处理
func (d *Deduplicator) Forget(ctx context.Context, eventID string) error {
	return d.cache.Del(ctx, "event:seen:"+eventID)
}

// ConsumerStats 消费统计
type ConsumerStats struct {
	Processed  int64 `json:"processed"`
	Duplicates int64 `json:"duplicates"`
	Failed     int64 `json:"failed"`
}

// Consumer 订阅事件交换机并逐条交给 handler
type Consumer struct {
	cm       *ConnectionManager
	exchange string
	config   *ConsumerConfig
	dedup    *Deduplicator
	handler  EventHandler
	logger   *zap.Logger

	running int32

	processedCount int64
	duplicateCount int64
	failedCount    int64
}

// NewConsumer 创建消费者
func NewConsumer(cm *ConnectionManager, exchange string, config *ConsumerConfig, dedup *Deduplicator, handler EventHandler, logger *zap.Logger) *Consumer {
	if config == nil {
		config = DefaultConfig().Consumer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		cm:       cm,
		exchange: exchange,
		config:   config,
		dedup:    dedup,
		handler:  handler,
		logger:   logger,
	}
}

// Run 声明队列、绑定并阻塞消费，直到 ctx 取消或通道关闭
func (c *Consumer) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return fmt.Errorf("consumer is already running")
	}
	defer atomic.StoreInt32(&c.running, 0)

	ch, err := c.cm.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.config.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	for _, key := range c.config.BindingKeys {
		if err := ch.QueueBind(c.config.Queue, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	consumerTag := fmt.Sprintf("consumer-%s-%d", c.config.Queue, time.Now().Unix())
	deliveries, err := ch.Consume(c.config.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("开始消费消息",
		zap.String("queue", c.config.Queue),
		zap.String("consumer_tag", consumerTag),
		zap.Strings("binding_keys", c.config.BindingKeys))

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumerTag, false)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	carrier := propagation.MapCarrier{}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	if err := c.Handle(ctx, d.Body); err != nil {
		// 解析失败的消息重投也无法处理，直接丢弃
		requeue := !errors.Is(err, errMalformed) && !d.Redelivered
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

var errMalformed = errors.New("malformed event")

// Handle 解析、去重并处理单条消息体
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		atomic.AddInt64(&c.failedCount, 1)
		c.logger.Error("丢弃无法解析的消息", zap.ByteString("body", body), zap.Error(err))
		return errMalformed
	}

	logger := c.logger.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("trace_id", event.TraceID))

	if c.dedup != nil {
		first, err := c.dedup.FirstSeen(ctx, event.ID)
		if err != nil {
			logger.Warn("去重检查失败，继续处理", zap.Error(err))
		} else if !first {
			atomic.AddInt64(&c.duplicateCount, 1)
			logger.Debug("跳过重复事件")
			return nil
		}
	}

	if err := c.handler(ctx, event); err != nil {
		atomic.AddInt64(&c.failedCount, 1)
		logger.Error("事件处理失败", zap.Error(err))
		if c.dedup != nil {
			_ = c.dedup.Forget(ctx, event.ID)
		}
		return err
	}
	atomic.AddInt64(&c.processedCount, 1)
	return nil
}

// Stats 消费统计
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed:  atomic.LoadInt64(&c.processedCount),
		Duplicates: atomic.LoadInt64(&c.duplicateCount),
		Failed:     atomic.LoadInt64(&c.failedCount),
	}
}

// AuditLogHandler 把事件写入结构化日志，作为订单/库存变更的审计轨迹
func AuditLogHandler(logger *zap.Logger) EventHandler {
	return func(ctx context.Context, event Event) error {
		logger.Info("audit",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("key", event.Key),
			zap.Time("timestamp", event.Timestamp),
			zap.String("trace_id", event.TraceID),
			zap.ByteString("data", event.Data))
		return nil
	}
}
