package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
)

// PostgresStore persists products in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed product store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const productColumns = `sku, seller_id, name, description, category, price, stock_qty,
	low_stock_threshold, min_order_qty, floor_price, seller_trust, shipping_terms,
	return_terms, created_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, pr *Product) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (sku) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			price = EXCLUDED.price,
			stock_qty = EXCLUDED.stock_qty,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			min_order_qty = EXCLUDED.min_order_qty,
			floor_price = EXCLUDED.floor_price,
			seller_trust = EXCLUDED.seller_trust,
			shipping_terms = EXCLUDED.shipping_terms,
			return_terms = EXCLUDED.return_terms,
			updated_at = EXCLUDED.updated_at
	`, pr.SKU, pr.SellerID, pr.Name, pr.Description, pr.Category, pr.Price, pr.StockQty,
		pr.LowStockThreshold, pr.MinOrderQty, nullInt64(pr.FloorPrice), pr.SellerTrust,
		pr.ShippingTerms, pr.ReturnTerms, pr.CreatedAt, pr.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, sku string) (*Product, error) {
	return scanProduct(p.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE sku = $1`, sku))
}

func (p *PostgresStore) Search(ctx context.Context, q Query) ([]*Product, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if q.Text != "" {
		add("(name ILIKE ? OR description ILIKE ? OR sku ILIKE ?)", "%"+q.Text+"%")
	}
	if q.Category != "" {
		add("LOWER(category) = LOWER(?)", q.Category)
	}
	if q.SellerID != "" {
		add("seller_id = ?", q.SellerID)
	}
	if q.MaxPrice > 0 {
		add("price <= ?", q.MaxPrice)
	}
	if q.InStockOnly {
		where = append(where, "stock_qty > 0")
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit)
	query += " ORDER BY sku LIMIT $" + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Product
	for rows.Next() {
		pr, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Reserve(ctx context.Context, sku string, qty int) (*Product, error) {
	pr, err := scanProduct(p.db.QueryRowContext(ctx, `
		UPDATE products SET stock_qty = stock_qty - $2, updated_at = NOW()
		WHERE sku = $1 AND stock_qty >= $2
		RETURNING `+productColumns, sku, qty))
	if errors.Is(err, ErrProductNotFound) {
		// Distinguish a missing SKU from a failed stock guard.
		if _, getErr := p.Get(ctx, sku); getErr != nil {
			return nil, getErr
		}
		return nil, ErrOutOfStock
	}
	return pr, err
}

func (p *PostgresStore) Release(ctx context.Context, sku string, qty int) (*Product, error) {
	return scanProduct(p.db.QueryRowContext(ctx, `
		UPDATE products SET stock_qty = stock_qty + $2, updated_at = NOW()
		WHERE sku = $1
		RETURNING `+productColumns, sku, qty))
}

func (p *PostgresStore) SetStock(ctx context.Context, sku string, qty int) (*Product, error) {
	return scanProduct(p.db.QueryRowContext(ctx, `
		UPDATE products SET stock_qty = $2, updated_at = NOW()
		WHERE sku = $1
		RETURNING `+productColumns, sku, qty))
}

func (p *PostgresStore) SetPrice(ctx context.Context, sku string, price int64) (*Product, error) {
	return scanProduct(p.db.QueryRowContext(ctx, `
		UPDATE products SET price = $2, updated_at = NOW()
		WHERE sku = $1
		RETURNING `+productColumns, sku, price))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*Product, error) {
	pr := &Product{}
	var floor sql.NullInt64
	err := row.Scan(&pr.SKU, &pr.SellerID, &pr.Name, &pr.Description, &pr.Category,
		&pr.Price, &pr.StockQty, &pr.LowStockThreshold, &pr.MinOrderQty, &floor,
		&pr.SellerTrust, &pr.ShippingTerms, &pr.ReturnTerms, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	if floor.Valid {
		f := floor.Int64
		pr.FloorPrice = &f
	}
	return pr, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
