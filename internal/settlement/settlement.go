// Package settlement consolidates completed middleman requests into
// withdrawal instructions.
//
// A party's withdrawable balance is the sum of prices over completed,
// not-yet-withdrawn requests where it is the paid side. Withdrawing
// claims those rows atomically and records an immutable WithdrawRequest
// snapshot. Sums are currency-naive: no conversion is applied.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/legitprove/middleman/internal/idgen"
	"github.com/legitprove/middleman/internal/metrics"
	"github.com/legitprove/middleman/internal/traces"
)

var (
	ErrNothingToWithdraw = errors.New("nothing to withdraw")

	// ErrStorageUnavailable wraps transient storage failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// WithdrawRequest is a settlement instruction snapshot. Created once
// per withdrawal, never modified.
type WithdrawRequest struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Email          string    `json:"email"`
	Amount         string    `json:"amount"`
	CryptoCurrency string    `json:"cryptoCurrency"`
	WalletAddress  string    `json:"walletAddress"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RequestClaimer abstracts the request store's settlement surface so
// this package doesn't import the request package.
type RequestClaimer interface {
	// WithdrawableAmount sums the caller's completed, unclaimed prices.
	WithdrawableAmount(ctx context.Context, email string) (string, error)
	// ClaimCompleted atomically marks those rows withdrawn, returning
	// the claimed total and row count. A racing second claim gets zero.
	ClaimCompleted(ctx context.Context, email string) (string, int64, error)
}

// Store persists withdrawal snapshots.
type Store interface {
	Create(ctx context.Context, wr *WithdrawRequest) error
	ListByEmail(ctx context.Context, email string, limit int) ([]*WithdrawRequest, error)
}

// WithdrawParams contains the caller-supplied parts of a withdrawal.
// The amount is computed from the claimed rows, never trusted from the
// client.
type WithdrawParams struct {
	UserID         string `json:"userId"`
	Email          string `json:"email" binding:"required"`
	CryptoCurrency string `json:"cryptoCurrency" binding:"required"`
	WalletAddress  string `json:"walletAddress" binding:"required"`
}

// Service implements settlement aggregation.
type Service struct {
	claimer RequestClaimer
	store   Store
}

// NewService creates a new settlement service.
func NewService(claimer RequestClaimer, store Store) *Service {
	return &Service{
		claimer: claimer,
		store:   store,
	}
}

// Balance returns the caller's current withdrawable amount without
// claiming anything.
func (s *Service) Balance(ctx context.Context, email string) (string, error) {
	amount, err := s.claimer.WithdrawableAmount(ctx, strings.ToLower(email))
	if err != nil {
		return "", storageErr("compute withdrawable amount", err)
	}
	return amount, nil
}

// Withdraw claims every completed unclaimed request for the email and
// records the withdrawal. The claim is a single conditional update, so
// two back-to-back calls cannot double-count: the second finds nothing.
func (s *Service) Withdraw(ctx context.Context, params WithdrawParams) (*WithdrawRequest, error) {
	email := strings.ToLower(params.Email)

	ctx, span := traces.StartSpan(ctx, "settlement.Withdraw", traces.Email(email))
	defer span.End()

	amount, n, err := s.claimer.ClaimCompleted(ctx, email)
	if err != nil {
		return nil, storageErr("claim completed requests", err)
	}
	if n == 0 {
		return nil, ErrNothingToWithdraw
	}

	wr := &WithdrawRequest{
		ID:             generateWithdrawID(),
		UserID:         params.UserID,
		Email:          email,
		Amount:         amount,
		CryptoCurrency: strings.ToUpper(params.CryptoCurrency),
		WalletAddress:  params.WalletAddress,
		CreatedAt:      time.Now(),
	}

	if err := s.store.Create(ctx, wr); err != nil {
		// Retry once — the rows are already claimed, the snapshot must
		// be persisted.
		if retryErr := s.store.Create(ctx, wr); retryErr != nil {
			log.Printf("CRITICAL: %d requests claimed for %s (total %s) but withdraw record failed: %v",
				n, email, amount, retryErr)
			return nil, storageErr("record withdrawal", err)
		}
	}

	metrics.WithdrawalsTotal.Inc()
	return wr, nil
}

// History returns past withdrawals for an email, newest first.
func (s *Service) History(ctx context.Context, email string, limit int) ([]*WithdrawRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	wrs, err := s.store.ListByEmail(ctx, strings.ToLower(email), limit)
	if err != nil {
		return nil, storageErr("list withdrawals", err)
	}
	return wrs, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}

func generateWithdrawID() string {
	return idgen.WithPrefix("wdr_")
}
