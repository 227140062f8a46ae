package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Publisher 领域事件发布接口
//
// 发布发生在状态已经落库之后，失败不会回滚业务操作，调用方只记录日志。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 未配置消息中间件时使用
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error { return nil }

// MultiPublisher 同时向多个中间件发布
type MultiPublisher []Publisher

// Publish 向所有发布器发送，汇总错误
func (m MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有发布器
func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherStats 发布统计
type PublisherStats struct {
	Published int64 `json:"published"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
}

// RabbitPublisher 向 topic 交换机发布事件，路由键为事件类型
type RabbitPublisher struct {
	cm       *ConnectionManager
	exchange string
	config   *ProducerConfig
	logger   *zap.Logger

	declareOnce sync.Once
	declareErr  error

	publishedCount int64
	confirmedCount int64
	failedCount    int64

	closed int32
}

// NewRabbitPublisher 创建 RabbitMQ 事件发布器
func NewRabbitPublisher(cm *ConnectionManager, exchange string, config *ProducerConfig, logger *zap.Logger) *RabbitPublisher {
	if config == nil {
		config = DefaultConfig().Producer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitPublisher{
		cm:       cm,
		exchange: exchange,
		config:   config,
		logger:   logger,
	}
}

// Publish 发布事件，失败按配置重试
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return fmt.Errorf("publisher is closed")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := amqp.Table{}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers[k] = v
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		AppId:        event.Source,
		Headers:      headers,
		Body:         body,
	}

	var lastErr error
	maxAttempts := 1
	if p.config.EnableRetry {
		maxAttempts = p.config.MaxRetryAttempts + 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.publishOnce(ctx, string(event.Type), publishing)
		if err == nil {
			return nil
		}

		lastErr = err
		p.logger.Warn("消息发布失败",
			zap.String("exchange", p.exchange),
			zap.String("routing_key", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(p.config.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	atomic.AddInt64(&p.failedCount, 1)
	return fmt.Errorf("failed to publish event after %d attempts: %w", maxAttempts, lastErr)
}

// publishOnce 单次发布，开启确认模式时等待 broker ack
func (p *RabbitPublisher) publishOnce(ctx context.Context, routingKey string, publishing amqp.Publishing) error {
	ch, err := p.cm.Channel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}
	defer ch.Close()

	if err := p.declare(ch); err != nil {
		return err
	}

	var confirmCh chan amqp.Confirmation
	if p.config.EnableConfirm {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("failed to set confirm mode: %w", err)
		}
		confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	if err := ch.PublishWithContext(publishCtx, p.exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	atomic.AddInt64(&p.publishedCount, 1)

	if !p.config.EnableConfirm {
		return nil
	}
	select {
	case confirmation := <-confirmCh:
		if confirmation.Ack {
			atomic.AddInt64(&p.confirmedCount, 1)
			return nil
		}
		return fmt.Errorf("message was nacked by broker")
	case <-time.After(p.config.ConfirmTimeout):
		return fmt.Errorf("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *RabbitPublisher) declare(ch *amqp.Channel) error {
	p.declareOnce.Do(func() {
		p.declareErr = ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
	})
	if p.declareErr != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", p.exchange, p.declareErr)
	}
	return nil
}

// Stats 发布统计
func (p *RabbitPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published: atomic.LoadInt64(&p.publishedCount),
		Confirmed: atomic.LoadInt64(&p.confirmedCount),
		Failed:    atomic.LoadInt64(&p.failedCount),
	}
}

// Close 标记关闭，连接由 ConnectionManager 负责
func (p *RabbitPublisher) Close() error {
	atomic.StoreInt32(&p.closed, 1)
	return nil
}

// KafkaWriter kafka.Writer 的最小接口，便于测试替换
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 向 Kafka topic 发布事件，消息 Key 为聚合 ID，保证同一订单/商品的事件有序
type KafkaPublisher struct {
	writer KafkaWriter
	logger *zap.Logger
}

// NewKafkaWriter 创建 kafka.Writer
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaPublisher 创建 Kafka 事件发布器
func NewKafkaPublisher(writer KafkaWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// Publish 发布事件
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(event.Type)},
		{Key: "event_id", Value: []byte(event.ID)},
	}
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msg := kafka.Message{
		Key:     []byte(event.Key),
		Value:   body,
		Headers: headers,
		Time:    event.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("failed to write kafka message",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Close 关闭 writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
