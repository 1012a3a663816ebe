package audit

import (
	"context"
	"database/sql"
)

// PostgresLogger writes audit records to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Log(ctx context.Context, rec *Record) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor, account_id, amount, tx_id, details, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NOW())
	`, rec.Action, rec.Actor, rec.AccountID, rec.Amount, rec.TxID, rec.Details)
	return err
}

func (l *PostgresLogger) Query(ctx context.Context, accountID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, action, actor, COALESCE(account_id, ''), COALESCE(amount, ''),
		COALESCE(tx_id, ''), COALESCE(details, ''), created_at
		FROM audit_log`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, accountID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.Action, &r.Actor, &r.AccountID,
			&r.Amount, &r.TxID, &r.Details, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
