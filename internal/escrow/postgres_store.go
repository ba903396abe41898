package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

// PostgresStore persists middleman requests and confirmation codes in
// PostgreSQL. Transition guards live in the WHERE clauses, so racing
// callers are resolved by the database rather than in process.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO middleman_requests (
			id, role, first_name, last_name, email, counterparty_email,
			category, price, currency, status, is_paid,
			buyer_confirmed, seller_confirmed, withdrawn, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8::NUMERIC(20,2), $9, $10, $11,
			$12, $13, $14, $15
		)`,
		r.ID, string(r.Role), r.FirstName, r.LastName, r.Email, r.CounterpartyEmail,
		r.Category, r.Price, r.Currency, string(r.Status), r.IsPaid,
		r.BuyerConfirmed, r.SellerConfirmed, r.Withdrawn, r.CreatedAt,
	)
	return err
}

const requestColumns = `id, role, first_name, last_name, email, counterparty_email,
		       category, price::TEXT, currency, status, is_paid,
		       buyer_confirmed, seller_confirmed, withdrawn, created_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM middleman_requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) MarkAccepted(ctx context.Context, id string) (bool, error) {
	return conditionalExec(ctx, p.db, `
		UPDATE middleman_requests
		SET status = 'accepted'
		WHERE id = $1 AND status = 'pending'`, id)
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string) (bool, error) {
	return conditionalExec(ctx, p.db, `
		UPDATE middleman_requests
		SET is_paid = TRUE
		WHERE id = $1 AND is_paid = FALSE`, id)
}

// MarkCompleted is gated on payment only; confirmation state does not
// block completion. Terminal and already-completed rows are left alone.
func (p *PostgresStore) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return conditionalExec(ctx, p.db, `
		UPDATE middleman_requests
		SET status = 'completed'
		WHERE id = $1 AND is_paid = TRUE
		  AND status NOT IN ('completed', 'incompleted', 'withdrawn')`, id)
}

func (p *PostgresStore) SetConfirmed(ctx context.Context, id string, role Role) error {
	column := "buyer_confirmed"
	if role == RoleSeller {
		column = "seller_confirmed"
	}
	result, err := p.db.ExecContext(ctx,
		`UPDATE middleman_requests SET `+column+` = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// PromoteConfirmed advances status to confirmed once both flags are set.
// The status filter makes the flip happen exactly once even when both
// parties' redemptions race.
func (p *PostgresStore) PromoteConfirmed(ctx context.Context, id string) (bool, error) {
	return conditionalExec(ctx, p.db, `
		UPDATE middleman_requests
		SET status = 'confirmed'
		WHERE id = $1
		  AND buyer_confirmed = TRUE AND seller_confirmed = TRUE
		  AND status IN ('pending', 'accepted')`, id)
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, email string, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM middleman_requests
		WHERE email = $1 OR counterparty_email = $1
		ORDER BY created_at DESC
		LIMIT $2`, email, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) SweepStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE middleman_requests
		SET status = 'incompleted'
		WHERE status = 'pending' AND is_paid = FALSE AND created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// withdrawablePredicate matches rows where $1 is the paid party: the
// counterparty of a buyer-initiated request, or the initiator of a
// seller-initiated one.
const withdrawablePredicate = `
	((counterparty_email = $1 AND role = 'buyer') OR (email = $1 AND role = 'seller'))
	AND status = 'completed' AND withdrawn = FALSE`

func (p *PostgresStore) WithdrawableAmount(ctx context.Context, email string) (string, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(price), 0)::TEXT
		FROM middleman_requests
		WHERE `+withdrawablePredicate, email).Scan(&sum)
	if err != nil {
		return "", err
	}
	return normalizeAmount(sum), nil
}

// ClaimCompleted marks every withdrawable row withdrawn in a single
// statement and sums the claimed prices. A concurrent second claim
// matches zero rows.
func (p *PostgresStore) ClaimCompleted(ctx context.Context, email string) (string, int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE middleman_requests
		SET withdrawn = TRUE, status = 'withdrawn'
		WHERE `+withdrawablePredicate+`
		RETURNING price::TEXT`, email)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = rows.Close() }()

	total := big.NewInt(0)
	var n int64
	for rows.Next() {
		var price string
		if err := rows.Scan(&price); err != nil {
			return "", 0, err
		}
		amt, ok := parseAmount(price)
		if !ok {
			return "", 0, fmt.Errorf("unparseable price %q claimed for %s", price, email)
		}
		total.Add(total, amt)
		n++
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}
	return formatAmount(total), n, nil
}

func conditionalExec(ctx context.Context, db *sql.DB, query string, args ...interface{}) (bool, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// PostgresCodeStore persists the confirmation-code ledger.
type PostgresCodeStore struct {
	db *sql.DB
}

// NewPostgresCodeStore creates a new PostgreSQL-backed code ledger.
func NewPostgresCodeStore(db *sql.DB) *PostgresCodeStore {
	return &PostgresCodeStore{db: db}
}

// Put upserts the code for (request, email, role); a reissue overwrites
// the prior entry and resets its clock.
func (p *PostgresCodeStore) Put(ctx context.Context, c *ConfirmationCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO confirmation_codes (request_id, email, role, code, confirmed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
		ON CONFLICT (request_id, email, role)
		DO UPDATE SET code = EXCLUDED.code, confirmed = FALSE, created_at = EXCLUDED.created_at`,
		c.RequestID, c.Email, string(c.Role), c.Code, c.CreatedAt,
	)
	return err
}

func (p *PostgresCodeStore) Get(ctx context.Context, requestID, email string, role Role) (*ConfirmationCode, error) {
	c := &ConfirmationCode{}
	var roleStr string
	err := p.db.QueryRowContext(ctx, `
		SELECT request_id, email, role, code, confirmed, created_at
		FROM confirmation_codes
		WHERE request_id = $1 AND email = $2 AND role = $3`,
		requestID, email, string(role),
	).Scan(&c.RequestID, &c.Email, &roleStr, &c.Code, &c.Confirmed, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Role = Role(roleStr)
	return c, nil
}

// MarkConfirmed consumes a code. The confirmed = FALSE filter makes
// exactly one of two racing redemptions win.
func (p *PostgresCodeStore) MarkConfirmed(ctx context.Context, requestID, email string, role Role, code string) (bool, error) {
	return conditionalExec(ctx, p.db, `
		UPDATE confirmation_codes
		SET confirmed = TRUE
		WHERE request_id = $1 AND email = $2 AND role = $3
		  AND code = $4 AND confirmed = FALSE`,
		requestID, email, string(role), code)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var role, status string

	err := s.Scan(
		&r.ID, &role, &r.FirstName, &r.LastName, &r.Email, &r.CounterpartyEmail,
		&r.Category, &r.Price, &r.Currency, &status, &r.IsPaid,
		&r.BuyerConfirmed, &r.SellerConfirmed, &r.Withdrawn, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Role = Role(role)
	r.Status = Status(status)
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// normalizeAmount reformats a NUMERIC rendered by Postgres ("0",
// "50.5") into the canonical two-decimal form used everywhere else.
func normalizeAmount(s string) string {
	amt, ok := parseAmount(s)
	if !ok {
		return s
	}
	return formatAmount(amt)
}

// Compile-time assertions that the Postgres types implement the stores.
var (
	_ Store     = (*PostgresStore)(nil)
	_ CodeStore = (*PostgresCodeStore)(nil)
)
