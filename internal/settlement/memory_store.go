package settlement

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory withdrawal store for demo/development mode.
type MemoryStore struct {
	withdrawals []*WithdrawRequest
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(ctx context.Context, wr *WithdrawRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *wr
	m.withdrawals = append(m.withdrawals, &cp)
	return nil
}

func (m *MemoryStore) ListByEmail(ctx context.Context, email string, limit int) ([]*WithdrawRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*WithdrawRequest
	for _, wr := range m.withdrawals {
		if wr.Email == email {
			cp := *wr
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

var _ Store = (*MemoryStore)(nil)
