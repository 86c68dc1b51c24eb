package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists negotiations and their rounds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed negotiation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const negotiationColumns = `id, sku, list_price, buyer_id, seller_id, status, max_rounds,
	deadline, final_price, order_id, close_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, n *Negotiation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO negotiations (`+negotiationColumns+`, round_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, n.ID, n.SKU, n.ListPrice, n.BuyerID, n.SellerID, n.Status, n.MaxRounds,
		n.Deadline, nullPrice(n.FinalPrice), n.OrderID, n.CloseReason, n.CreatedAt, n.UpdatedAt,
		len(n.Rounds))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if err := insertRounds(ctx, tx, n.ID, n.Rounds); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	n, err := scanNegotiation(p.db.QueryRowContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := p.loadRounds(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Update appends new rounds and writes the row in one transaction, guarded
// by the previous status and round count.
func (p *PostgresStore) Update(ctx context.Context, n *Negotiation, expect Status, expectRounds int) error {
	if len(n.Rounds) < expectRounds {
		return fmt.Errorf("negotiation %s: rounds cannot be removed", n.ID)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE negotiations SET
			status = $2, round_count = $3, final_price = $4, order_id = $5,
			close_reason = $6, updated_at = $7
		WHERE id = $1 AND status = $8 AND round_count = $9
	`, n.ID, n.Status, len(n.Rounds), nullPrice(n.FinalPrice), n.OrderID,
		n.CloseReason, n.UpdatedAt, expect, expectRounds)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM negotiations WHERE id = $1)`, n.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if err := insertRounds(ctx, tx, n.ID, n.Rounds[expectRounds:]); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Negotiation, error) {
	return p.query(ctx, `SELECT `+negotiationColumns+` FROM negotiations
		WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC LIMIT $2`, partyID, limit)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Negotiation, error) {
	return p.query(ctx, `SELECT `+negotiationColumns+` FROM negotiations
		WHERE status IN ('PENDING', 'NEGOTIATING', 'COUNTER') AND deadline <= $1
		ORDER BY deadline ASC LIMIT $2`, now, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Negotiation, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, n := range out {
		if err := p.loadRounds(ctx, n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) loadRounds(ctx context.Context, n *Negotiation) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT number, side, action, price, message, auto, created_at
		FROM negotiation_rounds WHERE negotiation_id = $1 ORDER BY number
	`, n.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	n.Rounds = nil
	for rows.Next() {
		var r Round
		if err := rows.Scan(&r.Number, &r.Side, &r.Action, &r.Price, &r.Message, &r.Auto, &r.CreatedAt); err != nil {
			return err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		n.Rounds = append(n.Rounds, r)
	}
	return rows.Err()
}

func insertRounds(ctx context.Context, tx *sql.Tx, id string, rounds []Round) error {
	for _, r := range rounds {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO negotiation_rounds (negotiation_id, number, side, action, price, message, auto, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, id, r.Number, r.Side, r.Action, r.Price, r.Message, r.Auto, r.CreatedAt)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert round %d: %w", r.Number, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNegotiation(s scanner) (*Negotiation, error) {
	var (
		n     Negotiation
		final sql.NullInt64
	)
	err := s.Scan(&n.ID, &n.SKU, &n.ListPrice, &n.BuyerID, &n.SellerID, &n.Status, &n.MaxRounds,
		&n.Deadline, &final, &n.OrderID, &n.CloseReason, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if final.Valid {
		n.FinalPrice = &final.Int64
	}
	n.Deadline = n.Deadline.UTC()
	return &n, nil
}

func nullPrice(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
