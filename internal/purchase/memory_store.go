package purchase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory purchase store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Purchase
	byRef   map[string]*Purchase
	history []*HistoryRow
	nextHID int64
	nowFn   func() time.Time
}

// NewMemoryStore creates an empty in-memory purchase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Purchase),
		byRef: make(map[string]*Purchase),
		nowFn: time.Now,
	}
}

// SetNow overrides the clock (for testing stale-age scans).
func (m *MemoryStore) SetNow(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = fn
}

func (m *MemoryStore) Create(_ context.Context, p *Purchase, h *HistoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	cp := *p
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.byID[cp.ID] = &cp
	if cp.RefID != "" {
		m.byRef[cp.RefID] = &cp
	}
	m.appendHistoryLocked(h, now)

	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByRef(_ context.Context, refID string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byRef[refID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, expect Status, h *HistoryRow, update RecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != expect {
		return ErrStatusConflict
	}

	now := m.nowFn()
	p.Status = h.ToStatus
	p.UpdatedAt = now
	if update.ErrorMessage != "" {
		p.ErrorMessage = update.ErrorMessage
	}
	if update.BumpRetry {
		p.RetryCount++
	}
	m.appendHistoryLocked(h, now)
	return nil
}

func (m *MemoryStore) RecordSettlement(_ context.Context, id string, st Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	p.SettlementBatchID = st.BatchID
	p.SettledAmount = st.Settled
	p.FeeAmount = st.Fee
	p.NetAmount = st.Net
	p.TotalRoyalties = st.Royalties
	p.RoyaltyDetails = append([]RoyaltyShare(nil), st.Shares...)
	p.UpdatedAt = m.nowFn()
	return nil
}

func (m *MemoryStore) History(_ context.Context, id string) ([]*HistoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []*HistoryRow
	for _, h := range m.history {
		if h.PurchaseID == id {
			cp := *h
			rows = append(rows, &cp)
		}
	}
	return rows, nil
}

func (m *MemoryStore) InStatusOlderThan(_ context.Context, status Status, cutoff time.Time, limit int) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var matched []*Purchase
	for _, p := range m.byID {
		if p.Status == status && p.UpdatedAt.Before(cutoff) {
			cp := *p
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) Recent(_ context.Context, status Status, limit int) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var matched []*Purchase
	for _, p := range m.byID {
		if p.Status == status {
			cp := *p
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) Summary(_ context.Context) ([]StatusCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]*StatusCount)
	for _, p := range m.byID {
		sc, ok := counts[p.Status]
		if !ok {
			sc = &StatusCount{Status: p.Status, Total: decimal.Zero}
			counts[p.Status] = sc
		}
		sc.Count++
		sc.Total = sc.Total.Add(p.Amount)
	}

	result := make([]StatusCount, 0, len(counts))
	for _, sc := range counts {
		result = append(result, *sc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Status < result[j].Status })
	return result, nil
}

func (m *MemoryStore) appendHistoryLocked(h *HistoryRow, now time.Time) {
	m.nextHID++
	cp := *h
	cp.ID = m.nextHID
	cp.CreatedAt = now
	m.history = append(m.history, &cp)
}
