package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists user accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, user *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (
			id, email, first_name, last_name, password_hash,
			is_verified, verify_code, verify_sent_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.Email, user.FirstName, user.LastName, user.PasswordHash,
		user.IsVerified, nullString(user.VerifyCode), nullTime(user.VerifySentAt), user.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return ErrEmailTaken
	}
	return err
}

const userColumns = `id, email, first_name, last_name, password_hash,
		       is_verified, verify_code, verify_sent_at, created_at`

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresStore) SetVerifyCode(ctx context.Context, id, code string, sentAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET verify_code = $1, verify_sent_at = $2 WHERE id = $3`,
		code, sentAt, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) MarkVerified(ctx context.Context, id, code string, notBefore time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users
		SET is_verified = TRUE
		WHERE id = $1 AND is_verified = FALSE
		  AND verify_code = $2 AND verify_sent_at >= $3`,
		id, code, notBefore)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) SetResetToken(ctx context.Context, email, tokenHash string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO password_resets (email, token_hash, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET token_hash = $2, expires_at = $3`,
		email, tokenHash, expiresAt)
	return err
}

// ConsumePasswordReset deletes the pending reset and updates the
// password in one statement, so a replayed token finds nothing left to
// claim.
func (p *PostgresStore) ConsumePasswordReset(ctx context.Context, email, tokenHash, passwordHash string, now time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		WITH claimed AS (
			DELETE FROM password_resets
			WHERE email = $1 AND token_hash = $2 AND expires_at > $3
			RETURNING email
		)
		UPDATE users SET password_hash = $4
		WHERE email = $1 AND EXISTS (SELECT 1 FROM claimed)`,
		email, tokenHash, now, passwordHash)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var verifyCode sql.NullString
	var verifySentAt sql.NullTime

	err := row.Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash,
		&u.IsVerified, &verifyCode, &verifySentAt, &u.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	u.VerifyCode = verifyCode.String
	if verifySentAt.Valid {
		u.VerifySentAt = &verifySentAt.Time
	}
	return u, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
