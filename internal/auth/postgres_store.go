package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists identities in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed identity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const identityColumns = `id, role, name, key_hash, key_prefix, status, policy_ref, trust_score, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, ident *Identity) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ident.ID, ident.Role, ident.Name, ident.KeyHash, ident.KeyPrefix, ident.Status,
		ident.PolicyRef, ident.TrustScore, ident.CreatedAt, ident.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Identity, error) {
	return scanIdentity(p.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
}

func (p *PostgresStore) GetByKeyHash(ctx context.Context, hash string) (*Identity, error) {
	return scanIdentity(p.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE key_hash = $1`, hash))
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) (*Identity, error) {
	return scanIdentity(p.db.QueryRowContext(ctx, `
		UPDATE identities SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+identityColumns, id, status))
}

func (p *PostgresStore) List(ctx context.Context, role Role, status Status, limit int) ([]*Identity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE ($1 = '' OR role = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, string(role), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*Identity, error) {
	ident := &Identity{}
	err := row.Scan(&ident.ID, &ident.Role, &ident.Name, &ident.KeyHash, &ident.KeyPrefix,
		&ident.Status, &ident.PolicyRef, &ident.TrustScore, &ident.CreatedAt, &ident.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ident, nil
}
