package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MorseWayne/flash_sale/internal/domain"
)

const orderColumns = `id, user_id, status, idempotency_key,
		recipient_name, phone, postal_code, street, city, country,
		subtotal, shipping_fee, discount, currency,
		payment_method, payment_status, transaction_id, payment_gateway, paid_at,
		cancel_reason, cancelled_by, cancelled_at, cancelled_items,
		shipped_at, delivered_at, refunded_at, created_at, updated_at`

// orderRepo 基于 MySQL 的订单仓储，订单头与订单行在同一事务内写入
type orderRepo struct {
	db *sql.DB
}

// NewOrderRepository 创建订单仓储实例
func NewOrderRepository(db *sql.DB) OrderRepository {
	return &orderRepo{db: db}
}

// FindByID 根据ID获取订单（含订单行）
func (r *orderRepo) FindByID(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`

	order, err := r.loadOne(ctx, r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.NotFoundError("order", id)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to get order by id: %w", err)
	}
	return order, nil
}

// FindByIdempotencyKey 根据幂等键获取订单
func (r *orderRepo) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE idempotency_key = ?`

	order, err := r.loadOne(ctx, r.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by idempotency key: %w", err)
	}
	return &order, nil
}

// FindByStatusCreatedBefore 查询指定状态且创建时间早于 instant 的订单，按创建时间升序
func (r *orderRepo) FindByStatusCreatedBefore(ctx context.Context, status domain.OrderStatus, instant time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, status, instant, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by status: %w", err)
	}

	var records []domain.OrderRecord
	for rows.Next() {
		rec, err := scanOrderHeader(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		records = append(records, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(records))
	for _, rec := range records {
		if rec.Items, err = r.loadItems(ctx, r.db, rec.ID); err != nil {
			return nil, err
		}
		order, err := domain.RestoreOrder(rec)
		if err != nil {
			return nil, fmt.Errorf("corrupt order %s: %w", rec.ID, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Create 在一个事务内插入订单头和订单行
func (r *orderRepo) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.insert(ctx, tx, order); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("failed to commit order: %w", err)
	}
	return order, nil
}

// UpdateStatus 以 status 列做条件更新，多个实例同时推进同一订单时只有一个成功
//
// 订单行在创建后不可变，这里不触碰 order_items。
func (r *orderRepo) UpdateStatus(ctx context.Context, order domain.Order, from domain.OrderStatus) (domain.Order, error) {
	rec := order.Record()
	cancelReason, cancelledBy, cancelledAt, cancelledItems, err := cancellationColumns(rec.Cancellation)
	if err != nil {
		return domain.Order{}, err
	}

	query := `
		UPDATE orders
		SET status = ?, payment_status = ?, transaction_id = ?, paid_at = ?,
			cancel_reason = ?, cancelled_by = ?, cancelled_at = ?, cancelled_items = ?,
			shipped_at = ?, delivered_at = ?, refunded_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		rec.Status,
		rec.Payment.Status(),
		rec.Payment.TransactionID(),
		rec.Payment.PaidAt(),
		cancelReason,
		cancelledBy,
		cancelledAt,
		cancelledItems,
		rec.ShippedAt,
		rec.DeliveredAt,
		rec.RefundedAt,
		rec.UpdatedAt,
		rec.ID,
		from,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to update order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return order, nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, rec.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.NotFoundError("order", rec.ID)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to read order status: %w", err)
	}
	return domain.Order{}, fmt.Errorf("order %s is %s, expected %s: %w", rec.ID, current, from, ErrVersionConflict)
}

func (r *orderRepo) insert(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	rec := order.Record()
	cancelReason, cancelledBy, cancelledAt, cancelledItems, err := cancellationColumns(rec.Cancellation)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Status,
		rec.IdempotencyKey,
		rec.Shipping.RecipientName,
		rec.Shipping.Phone,
		rec.Shipping.PostalCode,
		rec.Shipping.Street,
		rec.Shipping.City,
		rec.Shipping.Country,
		rec.Pricing.Subtotal,
		rec.Pricing.Shipping,
		rec.Pricing.Discount,
		rec.Pricing.Currency,
		rec.Payment.Method(),
		rec.Payment.Status(),
		rec.Payment.TransactionID(),
		rec.Payment.Gateway(),
		rec.Payment.PaidAt(),
		cancelReason,
		cancelledBy,
		cancelledAt,
		cancelledItems,
		rec.ShippedAt,
		rec.DeliveredAt,
		rec.RefundedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return fmt.Errorf("order with idempotency key %q: %w", rec.IdempotencyKey, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, line_no, product_id, title, image_url,
			regular_price, sale_price, currency, selected_options, quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, item := range rec.Items {
		options, err := marshalNullableJSON(item.Snapshot.SelectedOptions)
		if err != nil {
			return fmt.Errorf("failed to marshal selected options: %w", err)
		}
		_, err = tx.ExecContext(ctx, itemQuery,
			rec.ID,
			i,
			item.ProductID,
			item.Snapshot.Title,
			item.Snapshot.Image,
			item.Snapshot.Price.Regular,
			item.Snapshot.Price.Sale,
			item.Snapshot.Price.Currency,
			options,
			item.Quantity.Int64(),
		)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}
	return nil
}

func (r *orderRepo) loadOne(ctx context.Context, row rowScanner) (domain.Order, error) {
	rec, err := scanOrderHeader(row)
	if err != nil {
		return domain.Order{}, err
	}
	if rec.Items, err = r.loadItems(ctx, r.db, rec.ID); err != nil {
		return domain.Order{}, err
	}
	order, err := domain.RestoreOrder(rec)
	if err != nil {
		return domain.Order{}, fmt.Errorf("corrupt order %s: %w", rec.ID, err)
	}
	return order, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *orderRepo) loadItems(ctx context.Context, q queryer, orderID string) ([]domain.OrderItem, error) {
	query := `
		SELECT product_id, title, image_url, regular_price, sale_price, currency, selected_options, quantity
		FROM order_items WHERE order_id = ? ORDER BY line_no
	`
	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var (
			item     domain.OrderItem
			options  []byte
			quantity int64
		)
		err := rows.Scan(
			&item.ProductID,
			&item.Snapshot.Title,
			&item.Snapshot.Image,
			&item.Snapshot.Price.Regular,
			&item.Snapshot.Price.Sale,
			&item.Snapshot.Price.Currency,
			&options,
			&quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &item.Snapshot.SelectedOptions); err != nil {
				return nil, fmt.Errorf("corrupt selected options for order %s: %w", orderID, err)
			}
		}
		if item.Quantity, err = domain.NewQuantity(quantity); err != nil {
			return nil, fmt.Errorf("corrupt quantity for order %s: %w", orderID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order items: %w", err)
	}
	return items, nil
}

func scanOrderHeader(row rowScanner) (domain.OrderRecord, error) {
	var (
		rec                                   domain.OrderRecord
		paymentMethod, transactionID, gateway string
		paymentStatus                         domain.PaymentStatus
		paidAt, cancelledAt                   sql.NullTime
		shippedAt, deliveredAt, refundedAt    sql.NullTime
		cancelReason, cancelledBy             sql.NullString
		cancelledItems                        []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Status,
		&rec.IdempotencyKey,
		&rec.Shipping.RecipientName,
		&rec.Shipping.Phone,
		&rec.Shipping.PostalCode,
		&rec.Shipping.Street,
		&rec.Shipping.City,
		&rec.Shipping.Country,
		&rec.Pricing.Subtotal,
		&rec.Pricing.Shipping,
		&rec.Pricing.Discount,
		&rec.Pricing.Currency,
		&paymentMethod,
		&paymentStatus,
		&transactionID,
		&gateway,
		&paidAt,
		&cancelReason,
		&cancelledBy,
		&cancelledAt,
		&cancelledItems,
		&shippedAt,
		&deliveredAt,
		&refundedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}

	rec.Payment, err = domain.RestorePayment(paymentMethod, paymentStatus, transactionID, gateway, nullTimePtr(paidAt))
	if err != nil {
		return domain.OrderRecord{}, fmt.Errorf("corrupt payment for order %s: %w", rec.ID, err)
	}
	if cancelledAt.Valid {
		c := &domain.Cancellation{
			Reason:      cancelReason.String,
			CancelledBy: cancelledBy.String,
			CancelledAt: cancelledAt.Time,
		}
		if len(cancelledItems) > 0 {
			if err := json.Unmarshal(cancelledItems, &c.AffectedProductIDs); err != nil {
				return domain.OrderRecord{}, fmt.Errorf("corrupt cancellation for order %s: %w", rec.ID, err)
			}
		}
		rec.Cancellation = c
	}
	rec.ShippedAt = nullTimePtr(shippedAt)
	rec.DeliveredAt = nullTimePtr(deliveredAt)
	rec.RefundedAt = nullTimePtr(refundedAt)
	return rec, nil
}

func cancellationColumns(c *domain.Cancellation) (reason, by, at, items any, err error) {
	if c == nil {
		return nil, nil, nil, nil, nil
	}
	ids := c.AffectedProductIDs
	if ids == nil {
		ids = []int64{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal cancelled items: %w", err)
	}
	return strings.TrimSpace(c.Reason), c.CancelledBy, c.CancelledAt, string(data), nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
