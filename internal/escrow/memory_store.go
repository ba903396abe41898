package escrow

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory request store for demo/development mode.
type MemoryStore struct {
	requests map[string]*Request
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) MarkAccepted(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || r.Status != StatusPending {
		return false, nil
	}
	r.Status = StatusAccepted
	return true, nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || r.IsPaid {
		return false, nil
	}
	r.IsPaid = true
	return true, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || !r.IsPaid {
		return false, nil
	}
	switch r.Status {
	case StatusCompleted, StatusIncompleted, StatusWithdrawn:
		return false, nil
	}
	r.Status = StatusCompleted
	return true, nil
}

func (m *MemoryStore) SetConfirmed(ctx context.Context, id string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if role == RoleSeller {
		r.SellerConfirmed = true
	} else {
		r.BuyerConfirmed = true
	}
	return nil
}

func (m *MemoryStore) PromoteConfirmed(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || !r.BuyerConfirmed || !r.SellerConfirmed {
		return false, nil
	}
	if r.Status != StatusPending && r.Status != StatusAccepted {
		return false, nil
	}
	r.Status = StatusConfirmed
	return true, nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, email string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(email)
	var result []*Request
	for _, r := range m.requests {
		if r.Email == email || r.CounterpartyEmail == email {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SweepStale(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.requests {
		if r.Status == StatusPending && !r.IsPaid && r.CreatedAt.Before(before) {
			r.Status = StatusIncompleted
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) WithdrawableAmount(ctx context.Context, email string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := big.NewInt(0)
	for _, r := range m.requests {
		if m.withdrawable(r, email) {
			amt, ok := parseAmount(r.Price)
			if !ok {
				continue
			}
			total.Add(total, amt)
		}
	}
	return formatAmount(total), nil
}

func (m *MemoryStore) ClaimCompleted(ctx context.Context, email string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := big.NewInt(0)
	var n int64
	for _, r := range m.requests {
		if m.withdrawable(r, email) {
			amt, ok := parseAmount(r.Price)
			if !ok {
				continue
			}
			total.Add(total, amt)
			r.Withdrawn = true
			r.Status = StatusWithdrawn
			n++
		}
	}
	return formatAmount(total), n, nil
}

// withdrawable matches the paid party: the counterparty of a
// buyer-initiated request, or the initiator of a seller-initiated one.
// Caller must hold at least a read lock.
func (m *MemoryStore) withdrawable(r *Request, email string) bool {
	email = strings.ToLower(email)
	party := (r.CounterpartyEmail == email && r.Role == RoleBuyer) ||
		(r.Email == email && r.Role == RoleSeller)
	return party && r.Status == StatusCompleted && !r.Withdrawn
}

// MemoryCodeStore is an in-memory confirmation-code ledger for
// demo/development mode.
type MemoryCodeStore struct {
	codes map[string]*ConfirmationCode
	mu    sync.RWMutex
}

// NewMemoryCodeStore creates a new in-memory code ledger.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		codes: make(map[string]*ConfirmationCode),
	}
}

func codeKey(requestID, email string, role Role) string {
	return requestID + "|" + strings.ToLower(email) + "|" + string(role)
}

func (m *MemoryCodeStore) Put(ctx context.Context, c *ConfirmationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	cp.Confirmed = false
	m.codes[codeKey(c.RequestID, c.Email, c.Role)] = &cp
	return nil
}

func (m *MemoryCodeStore) Get(ctx context.Context, requestID, email string, role Role) (*ConfirmationCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.codes[codeKey(requestID, email, role)]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryCodeStore) MarkConfirmed(ctx context.Context, requestID, email string, role Role, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[codeKey(requestID, email, role)]
	if !ok || c.Confirmed || c.Code != code {
		return false, nil
	}
	c.Confirmed = true
	return true, nil
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ CodeStore = (*MemoryCodeStore)(nil)
)
