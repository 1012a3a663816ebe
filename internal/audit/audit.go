// Package audit records every state-changing call the core makes.
// The core only emits records; how they are stored or displayed is the
// collaborator's concern.
package audit

import (
	"context"
	"time"
)

type contextKey string

const ctxActor contextKey = "audit_actor"

// WithActor attaches the pre-authenticated caller identity to the
// context. Authorization happens outside the core; the core only
// records who acted.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxActor, actor)
}

// Actor extracts the caller identity, defaulting to "system".
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActor).(string); ok && v != "" {
		return v
	}
	return "system"
}

// Record is one audit event.
type Record struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	AccountID string    `json:"accountId,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	TxID      string    `json:"txId,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Logger persists audit records. Implementations must never fail a
// business operation: callers log best-effort.
type Logger interface {
	Log(ctx context.Context, rec *Record) error
	Query(ctx context.Context, accountID string, limit int) ([]*Record, error)
}
