package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLogger stores audit records in memory for development and tests.
type MemoryLogger struct {
	mu      sync.RWMutex
	records []*Record
	nextID  int64
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Log(_ context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *rec
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.records = append(l.records, &cp)
	return nil
}

func (l *MemoryLogger) Query(_ context.Context, accountID string, limit int) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*Record
	for i := len(l.records) - 1; i >= 0 && len(result) < limit; i-- {
		r := l.records[i]
		if accountID != "" && r.AccountID != accountID {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

// Records returns all stored records (for testing).
func (l *MemoryLogger) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Record, len(l.records))
	copy(result, l.records)
	return result
}
