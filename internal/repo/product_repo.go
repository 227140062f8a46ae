package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MorseWayne/flash_sale/internal/domain"
)

const productColumns = `id, title, description, category, image_url, regular_price, sale_price, currency,
		starts_at, ends_at, timezone, specs, status, created_at, updated_at`

// productRepo 基于 MySQL 的商品仓储
type productRepo struct {
	db *sql.DB
}

// NewProductRepository 创建商品仓储实例
func NewProductRepository(db *sql.DB) ProductRepository {
	return &productRepo{db: db}
}

// Create 创建商品
func (r *productRepo) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	query := `
		INSERT INTO products (title, description, category, image_url, regular_price, sale_price, currency,
			starts_at, ends_at, timezone, specs, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	rec := product.Record()
	specs, err := marshalNullableJSON(rec.Specs)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to marshal specs: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		rec.Title,
		rec.Description,
		rec.Category,
		rec.ImageURL,
		rec.Price.Regular,
		rec.Price.Sale,
		rec.Price.Currency,
		rec.StartsAt,
		rec.EndsAt,
		rec.Timezone,
		specs,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to create product: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return product.WithID(id), nil
}

// FindByID 根据ID获取商品
func (r *productRepo) FindByID(ctx context.Context, id int64) (domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`

	product, err := scanProduct(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.NotFoundError("product", id)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to get product by id: %w", err)
	}
	return product, nil
}

// FindByStatusBefore 查询需要推进状态的商品
func (r *productRepo) FindByStatusBefore(ctx context.Context, status domain.DealStatus, instant time.Time) ([]domain.Product, error) {
	var boundary string
	switch status {
	case domain.DealStatusUpcoming:
		boundary = "starts_at"
	case domain.DealStatusActive:
		boundary = "ends_at"
	default:
		boundary = "updated_at"
	}
	query := `SELECT ` + productColumns + ` FROM products WHERE status = ? AND ` + boundary + ` <= ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, status, instant)
	if err != nil {
		return nil, fmt.Errorf("failed to query products by status: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return products, nil
}

// Save 更新商品
func (r *productRepo) Save(ctx context.Context, product domain.Product) (domain.Product, error) {
	query := `
		UPDATE products
		SET title = ?, description = ?, category = ?, image_url = ?, regular_price = ?, sale_price = ?,
			currency = ?, starts_at = ?, ends_at = ?, timezone = ?, specs = ?, status = ?, updated_at = ?
		WHERE id = ?
	`
	rec := product.Record()
	specs, err := marshalNullableJSON(rec.Specs)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to marshal specs: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		rec.Title,
		rec.Description,
		rec.Category,
		rec.ImageURL,
		rec.Price.Regular,
		rec.Price.Sale,
		rec.Price.Currency,
		rec.StartsAt,
		rec.EndsAt,
		rec.Timezone,
		specs,
		rec.Status,
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to update product: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// 值未变化时 MySQL 也返回 0，这里再确认一次是否存在
		if _, err := r.FindByID(ctx, rec.ID); err != nil {
			return domain.Product{}, err
		}
	}
	return product, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		rec         domain.ProductRecord
		description sql.NullString
		specs       []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.Title,
		&description,
		&rec.Category,
		&rec.ImageURL,
		&rec.Price.Regular,
		&rec.Price.Sale,
		&rec.Price.Currency,
		&rec.StartsAt,
		&rec.EndsAt,
		&rec.Timezone,
		&specs,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.Product{}, err
	}
	rec.Description = description.String
	if len(specs) > 0 {
		if err := json.Unmarshal(specs, &rec.Specs); err != nil {
			return domain.Product{}, fmt.Errorf("corrupt specs for product %d: %w", rec.ID, err)
		}
	}
	return domain.RestoreProduct(rec)
}

func marshalNullableJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case domain.Specs:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case []int64:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
