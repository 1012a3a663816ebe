package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/idgen"
	"github.com/openledger/tokencore/internal/pagination"
)

// nowFn is swappable in tests to control entry timestamps.
var nowFn = time.Now

// MemoryStore is an in-memory ledger store for development and tests.
// A single mutex is the atomic-commit boundary: builders run and
// batches apply under one critical section, which gives the same
// no-partial-batch and re-check-inside-commit guarantees as the
// serializable transaction in the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	byRef   map[string][]*Entry
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Entry),
		byRef: make(map[string][]*Entry),
	}
}

// memTxView reads store state with the store lock already held.
type memTxView struct {
	s *MemoryStore
}

func (v memTxView) Balance(accountID string) (decimal.Decimal, error) {
	return v.s.foldLocked(accountID), nil
}

func (v memTxView) OutgoingSince(accountID string, since time.Time) (int, error) {
	n := 0
	for _, e := range v.s.entries {
		// Only live sends count toward the window: reversed entries were
		// undone, and a reversal counter-entry debits the original
		// recipient without them having sent anything.
		if e.Status != StatusComplete || e.Type == TypeReversal {
			continue
		}
		if e.From == accountID && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (v memTxView) EntriesByRef(refID string) ([]*Entry, error) {
	return copyEntries(v.s.byRef[refID]), nil
}

func (v memTxView) Entry(id string) (*Entry, error) {
	e, ok := v.s.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Commit(ctx context.Context, refID string, build BuildFunc) ([]*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if refID != "" {
		if prior := m.byRef[refID]; len(prior) > 0 {
			return copyEntries(prior), true, nil
		}
	}

	batch, err := build(memTxView{m})
	if err != nil {
		return nil, false, err
	}
	if err := ValidateBatch(batch); err != nil {
		return nil, false, err
	}

	// Verify the flips before touching anything so a bad id leaves the
	// store untouched.
	for _, id := range batch.Reverse {
		e, ok := m.byID[id]
		if !ok {
			return nil, false, ErrEntryNotFound
		}
		if e.Status == StatusReversed {
			return nil, false, ErrAlreadyReversed
		}
	}

	now := nowFn()
	for _, id := range batch.Reverse {
		m.byID[id].Status = StatusReversed
	}
	committed := make([]*Entry, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		cp := *e
		if cp.ID == "" {
			cp.ID = idgen.WithPrefix("ent_")
		}
		if cp.Status == "" {
			cp.Status = StatusComplete
		}
		cp.CreatedAt = now
		m.entries = append(m.entries, &cp)
		m.byID[cp.ID] = &cp
		if cp.RefID != "" {
			m.byRef[cp.RefID] = append(m.byRef[cp.RefID], &cp)
		}
		out := cp
		committed = append(committed, &out)
	}
	return committed, false, nil
}

func (m *MemoryStore) Entry(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) EntriesByRef(ctx context.Context, refID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEntries(m.byRef[refID]), nil
}

func (m *MemoryStore) EntriesByBatch(ctx context.Context, batchID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.BatchID == batchID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) EntriesMatchingRef(ctx context.Context, fragment string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.RefID != "" && strings.Contains(e.RefID, fragment) {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.foldLocked(accountID), nil
}

// foldLocked derives a balance: sum of net credited minus gross
// debited over complete entries. Callers must hold the lock.
func (m *MemoryStore) foldLocked(accountID string) decimal.Decimal {
	bal := decimal.Zero
	for _, e := range m.entries {
		if e.Status != StatusComplete {
			continue
		}
		if e.To == accountID {
			bal = bal.Add(e.Net)
		}
		if e.From == accountID {
			bal = bal.Sub(e.Gross)
		}
	}
	return bal
}

func (m *MemoryStore) QueryByAccount(ctx context.Context, accountID string, q Query) ([]*Entry, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	// Newest first, stable on (created_at, id) to match the SQL order.
	matched := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.From != accountID && e.To != accountID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	var page []*Entry
	for _, e := range matched {
		if cursor != nil {
			if e.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(cursor.CreatedAt) && e.ID >= cursor.ID {
				continue
			}
		}
		cp := *e
		page = append(page, &cp)
		if len(page) == limit+1 {
			break
		}
	}

	page, next, _ := pagination.ComputePage(page, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

func copyEntries(entries []*Entry) []*Entry {
	result := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		result = append(result, &cp)
	}
	return result
}
