package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/legitprove/middleman/internal/escrow"
)

// completedRequest seeds a completed, unclaimed buyer-initiated request
// whose paid side is sellerEmail.
func completedRequest(t *testing.T, store *escrow.MemoryStore, id, sellerEmail, price string) {
	t.Helper()
	err := store.Create(context.Background(), &escrow.Request{
		ID:                id,
		Role:              escrow.RoleBuyer,
		Email:             "buyer@example.com",
		CounterpartyEmail: sellerEmail,
		Category:          "electronics",
		Price:             price,
		Currency:          "USD",
		Status:            escrow.StatusCompleted,
		IsPaid:            true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBalance(t *testing.T) {
	requests := escrow.NewMemoryStore()
	svc := NewService(requests, NewMemoryStore())
	ctx := context.Background()

	completedRequest(t, requests, "mmr_1", "seller@example.com", "25.00")
	completedRequest(t, requests, "mmr_2", "seller@example.com", "24.99")

	amount, err := svc.Balance(ctx, "Seller@Example.com")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if amount != "49.99" {
		t.Errorf("balance = %s, want 49.99", amount)
	}

	// Balance is a read: calling it again reports the same figure.
	amount, err = svc.Balance(ctx, "seller@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if amount != "49.99" {
		t.Errorf("second balance = %s, want 49.99", amount)
	}
}

func TestWithdraw(t *testing.T) {
	requests := escrow.NewMemoryStore()
	withdrawals := NewMemoryStore()
	svc := NewService(requests, withdrawals)
	ctx := context.Background()

	completedRequest(t, requests, "mmr_1", "seller@example.com", "30.00")
	completedRequest(t, requests, "mmr_2", "seller@example.com", "20.00")

	wr, err := svc.Withdraw(ctx, WithdrawParams{
		UserID:         "usr_123",
		Email:          "seller@example.com",
		CryptoCurrency: "btc",
		WalletAddress:  "bc1qtestaddress",
	})
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if wr.Amount != "50.00" {
		t.Errorf("withdrawn amount = %s, want 50.00", wr.Amount)
	}
	if wr.CryptoCurrency != "BTC" {
		t.Errorf("currency = %s, want BTC", wr.CryptoCurrency)
	}
	if wr.ID == "" || wr.CreatedAt.IsZero() {
		t.Error("withdraw record missing ID or timestamp")
	}

	// Balance drops to zero after the claim.
	amount, err := svc.Balance(ctx, "seller@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if amount != "0.00" {
		t.Errorf("balance after withdraw = %s, want 0.00", amount)
	}

	// A second withdrawal has nothing to claim.
	_, err = svc.Withdraw(ctx, WithdrawParams{
		Email:          "seller@example.com",
		CryptoCurrency: "btc",
		WalletAddress:  "bc1qtestaddress",
	})
	if !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("expected ErrNothingToWithdraw, got %v", err)
	}
}

func TestWithdraw_EmptyBalance(t *testing.T) {
	svc := NewService(escrow.NewMemoryStore(), NewMemoryStore())

	_, err := svc.Withdraw(context.Background(), WithdrawParams{
		Email:          "nobody@example.com",
		CryptoCurrency: "eth",
		WalletAddress:  "0xabc",
	})
	if !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("expected ErrNothingToWithdraw, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	requests := escrow.NewMemoryStore()
	svc := NewService(requests, NewMemoryStore())
	ctx := context.Background()

	completedRequest(t, requests, "mmr_1", "seller@example.com", "10.00")
	if _, err := svc.Withdraw(ctx, WithdrawParams{
		Email:          "seller@example.com",
		CryptoCurrency: "btc",
		WalletAddress:  "bc1qfirst",
	}); err != nil {
		t.Fatal(err)
	}

	completedRequest(t, requests, "mmr_2", "seller@example.com", "15.00")
	if _, err := svc.Withdraw(ctx, WithdrawParams{
		Email:          "seller@example.com",
		CryptoCurrency: "eth",
		WalletAddress:  "0xsecond",
	}); err != nil {
		t.Fatal(err)
	}

	history, err := svc.History(ctx, "seller@example.com", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 withdrawals, got %d", len(history))
	}

	// Another email sees nothing.
	history, err = svc.History(ctx, "other@example.com", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty history, got %d entries", len(history))
	}
}

// failingStore rejects every snapshot insert.
type failingStore struct{}

func (failingStore) Create(ctx context.Context, wr *WithdrawRequest) error {
	return errors.New("disk full")
}

func (failingStore) ListByEmail(ctx context.Context, email string, limit int) ([]*WithdrawRequest, error) {
	return nil, nil
}

func TestWithdraw_SnapshotFailureSurfaces(t *testing.T) {
	requests := escrow.NewMemoryStore()
	svc := NewService(requests, failingStore{})
	ctx := context.Background()

	completedRequest(t, requests, "mmr_1", "seller@example.com", "10.00")

	_, err := svc.Withdraw(ctx, WithdrawParams{
		Email:          "seller@example.com",
		CryptoCurrency: "btc",
		WalletAddress:  "bc1qtest",
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}
