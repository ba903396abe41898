package settlement

import (
	"context"
	"database/sql"
)

// PostgresStore persists withdrawal snapshots in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, wr *WithdrawRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdraw_requests (
			id, user_id, email, amount, crypto_currency, wallet_address, created_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7)`,
		wr.ID, wr.UserID, wr.Email, wr.Amount, wr.CryptoCurrency, wr.WalletAddress, wr.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByEmail(ctx context.Context, email string, limit int) ([]*WithdrawRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, email, amount::TEXT, crypto_currency, wallet_address, created_at
		FROM withdraw_requests
		WHERE email = $1
		ORDER BY created_at DESC
		LIMIT $2`, email, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*WithdrawRequest
	for rows.Next() {
		wr := &WithdrawRequest{}
		if err := rows.Scan(&wr.ID, &wr.UserID, &wr.Email, &wr.Amount,
			&wr.CryptoCurrency, &wr.WalletAddress, &wr.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, wr)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
