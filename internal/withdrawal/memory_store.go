package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory withdrawal store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Withdrawal
	eligible map[string]bool
	accounts map[string]string
}

// NewMemoryStore creates an empty in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Withdrawal),
		eligible: make(map[string]bool),
		accounts: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	cp.CreatedAt = time.Now()
	m.byID[cp.ID] = &cp
	w.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, expect, to Status, update Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != expect {
		return ErrStatusConflict
	}

	now := time.Now()
	w.Status = to
	if update.ReviewedBy != "" {
		w.ReviewedBy = update.ReviewedBy
		w.ReviewedAt = &now
	}
	if update.LedgerBatchID != "" {
		w.LedgerBatchID = update.LedgerBatchID
	}
	if update.ErrorMessage != "" {
		w.ErrorMessage = update.ErrorMessage
	}
	if update.Processed {
		w.ProcessedAt = &now
	}
	return nil
}

func (m *MemoryStore) SumOutstanding(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, w := range m.byID {
		if w.UserID == userID && w.Status.Outstanding() {
			sum = sum.Add(w.Amount)
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Withdrawal, error) {
	return m.list(func(w *Withdrawal) bool { return w.UserID == userID }, limit)
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Withdrawal, error) {
	return m.list(func(w *Withdrawal) bool { return w.Status == status }, limit)
}

func (m *MemoryStore) list(match func(*Withdrawal) bool, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var matched []*Withdrawal
	for _, w := range m.byID {
		if match(w) {
			cp := *w
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) SetEligible(_ context.Context, userID string, enabled bool, externalAccountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eligible[userID] = enabled
	if externalAccountID != "" {
		m.accounts[userID] = externalAccountID
	}
	return nil
}

func (m *MemoryStore) Eligible(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eligible[userID], nil
}
