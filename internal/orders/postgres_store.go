package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, sku, quantity, unit_price, total_price,
	status, payment_status, payment_method, payment_provider, payment_deadline,
	correlation_id, redirect_url, negotiation_id, carrier, tracking_number,
	recon_flag, recon_note, cancel_reason, cancelled_by,
	created_at, updated_at, paid_at, shipped_at, delivered_at, closed_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`, o.ID, o.BuyerID, o.SellerID, o.SKU, o.Quantity, o.UnitPrice, o.TotalPrice,
		o.Status, o.PaymentStatus, o.PaymentMethod, o.PaymentProvider, nullTime(o.PaymentDeadline),
		o.CorrelationID, o.RedirectURL, o.NegotiationID, o.Carrier, o.TrackingNumber,
		o.ReconFlag, o.ReconNote, o.CancelReason, o.CancelledBy,
		o.CreatedAt, o.UpdatedAt, nullTime(o.PaidAt), nullTime(o.ShippedAt),
		nullTime(o.DeliveredAt), nullTime(o.ClosedAt))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (p *PostgresStore) GetByCorrelation(ctx context.Context, provider, correlationID string) (*Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_provider = $1 AND correlation_id = $2`,
		provider, correlationID))
}

// Update writes the mutable columns only if the stored status still equals
// expect.
func (p *PostgresStore) Update(ctx context.Context, o *Order, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2, payment_status = $3, correlation_id = $4, redirect_url = $5,
			carrier = $6, tracking_number = $7, recon_flag = $8, recon_note = $9,
			cancel_reason = $10, cancelled_by = $11, updated_at = $12,
			paid_at = $13, shipped_at = $14, delivered_at = $15, closed_at = $16
		WHERE id = $1 AND status = $17
	`, o.ID, o.Status, o.PaymentStatus, o.CorrelationID, o.RedirectURL,
		o.Carrier, o.TrackingNumber, o.ReconFlag, o.ReconNote,
		o.CancelReason, o.CancelledBy, o.UpdatedAt,
		nullTime(o.PaidAt), nullTime(o.ShippedAt), nullTime(o.DeliveredAt), nullTime(o.ClosedAt),
		expect)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, o.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return p.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1 ORDER BY created_at DESC LIMIT $2`, buyerID, limit)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, status Status, limit int) ([]*Order, error) {
	return p.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE seller_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3`, sellerID, string(status), limit)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status IN ('ORDER_CREATED', 'PAYMENT_REQUESTED') AND payment_deadline < $1
		ORDER BY payment_deadline ASC LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListFlagged(ctx context.Context, limit int) ([]*Order, error) {
	return p.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE recon_flag <> '' ORDER BY updated_at DESC LIMIT $1`, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	var (
		o                                       Order
		deadline, paid, shipped, delivered, end sql.NullTime
	)
	err := s.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.SKU, &o.Quantity, &o.UnitPrice, &o.TotalPrice,
		&o.Status, &o.PaymentStatus, &o.PaymentMethod, &o.PaymentProvider, &deadline,
		&o.CorrelationID, &o.RedirectURL, &o.NegotiationID, &o.Carrier, &o.TrackingNumber,
		&o.ReconFlag, &o.ReconNote, &o.CancelReason, &o.CancelledBy,
		&o.CreatedAt, &o.UpdatedAt, &paid, &shipped, &delivered, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.PaymentDeadline = timePtr(deadline)
	o.PaidAt = timePtr(paid)
	o.ShippedAt = timePtr(shipped)
	o.DeliveredAt = timePtr(delivered)
	o.ClosedAt = timePtr(end)
	return &o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
