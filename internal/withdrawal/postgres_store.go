package withdrawal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore persists withdrawals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a withdrawal store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, user_id, amount, fee, net, status,
	COALESCE(reviewed_by, ''), reviewed_at, processed_at,
	COALESCE(ledger_batch_id, ''), COALESCE(error_message, ''), created_at`

func (s *PostgresStore) Create(ctx context.Context, w *Withdrawal) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO withdrawals (id, user_id, amount, fee, net, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, w.ID, w.UserID, w.Amount.String(), w.Fee.String(), w.Net.String(),
		string(w.Status)).Scan(&w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, expect, to Status, update Update) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $3,
			reviewed_by = COALESCE(NULLIF($4, ''), reviewed_by),
			reviewed_at = CASE WHEN $4 <> '' THEN NOW() ELSE reviewed_at END,
			ledger_batch_id = COALESCE(NULLIF($5, ''), ledger_batch_id),
			error_message = COALESCE(NULLIF($6, ''), error_message),
			processed_at = CASE WHEN $7 THEN NOW() ELSE processed_at END
		WHERE id = $1 AND status = $2
	`, id, string(expect), string(to), update.ReviewedBy,
		update.LedgerBatchID, update.ErrorMessage, update.Processed)
	if err != nil {
		return fmt.Errorf("update withdrawal status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *PostgresStore) SumOutstanding(ctx context.Context, userID string) (decimal.Decimal, error) {
	var sum string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawals
		WHERE user_id = $1 AND status IN ('pending', 'approved', 'processing')
	`, userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse outstanding sum: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanWithdrawals(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanWithdrawals(rows)
}

func (s *PostgresStore) SetEligible(ctx context.Context, userID string, enabled bool, externalAccountID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_accounts (user_id, payouts_enabled, external_account_id, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			payouts_enabled = EXCLUDED.payouts_enabled,
			external_account_id = COALESCE(EXCLUDED.external_account_id, payout_accounts.external_account_id),
			updated_at = NOW()
	`, userID, enabled, externalAccountID)
	return err
}

func (s *PostgresStore) Eligible(ctx context.Context, userID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT payouts_enabled FROM payout_accounts WHERE user_id = $1`, userID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var status, amount, fee, net string
	var reviewedAt, processedAt sql.NullTime
	err := row.Scan(&w.ID, &w.UserID, &amount, &fee, &net, &status,
		&w.ReviewedBy, &reviewedAt, &processedAt,
		&w.LedgerBatchID, &w.ErrorMessage, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse withdrawal amount: %w", err)
	}
	if w.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse withdrawal fee: %w", err)
	}
	if w.Net, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("parse withdrawal net: %w", err)
	}
	if reviewedAt.Valid {
		w.ReviewedAt = &reviewedAt.Time
	}
	if processedAt.Valid {
		w.ProcessedAt = &processedAt.Time
	}
	return w, nil
}

func scanWithdrawals(rows *sql.Rows) ([]*Withdrawal, error) {
	defer func() { _ = rows.Close() }()

	var withdrawals []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}
