package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// EventType 事件类型，同时作为 RabbitMQ 路由键和 Kafka 消息 Key 前缀
type EventType string

const (
	EventOrderCreated      EventType = "order.created"
	EventOrderCancelled    EventType = "order.cancelled"
	EventOrderShipped      EventType = "order.shipped"
	EventOrderDelivered    EventType = "order.delivered"
	EventOrderRefunded     EventType = "order.refunded"
	EventPaymentCompleted  EventType = "payment.completed"
	EventInventoryReserved EventType = "inventory.reserved"
	EventInventoryReleased EventType = "inventory.released"
	EventInventoryLowStock EventType = "inventory.low_stock"
	EventProductSoldOut    EventType = "product.sold_out"
)

const (
	eventVersion = "1.0"
	eventSource  = "flash-sale"
)

// Event 领域事件信封
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	TraceID   string            `json:"trace_id,omitempty"`
	Key       string            `json:"key"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent 创建事件，key 为聚合 ID（订单号或商品 ID），用于分区与去重
func NewEvent(ctx context.Context, eventType EventType, key string, data interface{}, now time.Time) (Event, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Version:   eventVersion,
		Timestamp: now.UTC(),
		Source:    eventSource,
		Key:       key,
		Data:      body,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.TraceID = sc.TraceID().String()
	}
	return e, nil
}

// Decode 解析业务数据
func (e Event) Decode(dest interface{}) error {
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// OrderEventData 订单类事件数据
type OrderEventData struct {
	OrderID       string      `json:"order_id"`
	UserID        int64       `json:"user_id"`
	Status        string      `json:"status"`
	Total         string      `json:"total,omitempty"`
	Currency      string      `json:"currency,omitempty"`
	Items         []EventItem `json:"items,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	CancelledBy   string      `json:"cancelled_by,omitempty"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
}

// EventItem 订单行摘要
type EventItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// InventoryEventData 库存类事件数据
type InventoryEventData struct {
	ProductID   int64  `json:"product_id"`
	Quantity    int64  `json:"quantity,omitempty"`
	Available   int64  `json:"available"`
	Reserved    int64  `json:"reserved"`
	SafetyStock int64  `json:"safety_stock,omitempty"`
	OrderID     string `json:"order_id,omitempty"`
}

// ProductEventData 商品类事件数据
type ProductEventData struct {
	ProductID int64  `json:"product_id"`
	Status    string `json:"status"`
}
