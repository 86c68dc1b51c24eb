package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists the ledger in PostgreSQL. Overdraft protection is
// a conditional UPDATE on the account row, so concurrent debits serialize
// on the row lock and the losers see zero rows affected.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Apply(ctx context.Context, e *Entry) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (agent_id, balance, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (agent_id) DO NOTHING
	`, e.AgentID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_accounts
		SET balance = balance + $2, updated_at = $3
		WHERE agent_id = $1 AND balance + $2 >= 0
		RETURNING balance
	`, e.AgentID, e.signed(), e.CreatedAt).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, agent_id, kind, amount, balance_after, reference, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.AgentID, e.Kind, e.Amount, balance, e.Reference, e.Reason, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := *e
	out.BalanceAfter = balance
	return &out, nil
}

func (p *PostgresStore) Account(ctx context.Context, agentID string) (*Account, error) {
	acct := &Account{AgentID: agentID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM ledger_accounts WHERE agent_id = $1
	`, agentID).Scan(&acct.Balance, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Entries(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, kind, amount, balance_after, reference, reason, created_at
		FROM ledger_entries
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Kind, &e.Amount, &e.BalanceAfter,
			&e.Reference, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Sum(ctx context.Context, agentID string) (int64, int, error) {
	var (
		sum   int64
		count int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'credit' THEN amount ELSE -amount END), 0), COUNT(*)
		FROM ledger_entries WHERE agent_id = $1
	`, agentID).Scan(&sum, &count)
	return sum, count, err
}
