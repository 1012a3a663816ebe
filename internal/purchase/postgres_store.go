package purchase

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists purchases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a purchase store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const purchaseColumns = `purchase_id, ref_id, buyer_id, COALESCE(seller_id, ''),
	COALESCE(listing_id, ''), amount, status, COALESCE(settlement_batch_id, ''),
	COALESCE(settled_amount, 0), COALESCE(fee_amount, 0), COALESCE(net_amount, 0),
	COALESCE(total_royalties, 0), royalty_details,
	retry_count, COALESCE(error_message, ''), created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Purchase, h *HistoryRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO purchases (purchase_id, ref_id, buyer_id, seller_id, listing_id,
			amount, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`, p.ID, p.RefID, p.BuyerID, p.SellerID, p.ListingID,
		p.Amount.String(), string(p.Status)).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}

	if err := insertHistory(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Purchase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE purchase_id = $1`, id)
	return scanPurchase(row)
}

func (s *PostgresStore) GetByRef(ctx context.Context, refID string) (*Purchase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE ref_id = $1`, refID)
	return scanPurchase(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, expect Status, h *HistoryRow, update RecordUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	bump := 0
	if update.BumpRetry {
		bump = 1
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE purchases
		SET status = $3,
			error_message = COALESCE(NULLIF($4, ''), error_message),
			retry_count = retry_count + $5,
			updated_at = NOW()
		WHERE purchase_id = $1 AND status = $2
	`, id, string(expect), string(h.ToStatus), update.ErrorMessage, bump)
	if err != nil {
		return fmt.Errorf("update purchase status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the purchase is gone or its status moved under us.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM purchases WHERE purchase_id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}

	if err := insertHistory(ctx, tx, h); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) RecordSettlement(ctx context.Context, id string, st Settlement) error {
	var shares []byte
	if len(st.Shares) > 0 {
		var err error
		if shares, err = json.Marshal(st.Shares); err != nil {
			return fmt.Errorf("marshal royalty shares: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET settlement_batch_id = $2, settled_amount = $3, fee_amount = $4,
			net_amount = $5, total_royalties = $6, royalty_details = $7,
			updated_at = NOW()
		WHERE purchase_id = $1
	`, id, st.BatchID, st.Settled.String(), st.Fee.String(), st.Net.String(),
		st.Royalties.String(), nullBytes(shares))
	if err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, id string) ([]*HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, purchase_id, COALESCE(from_status, ''), to_status,
			COALESCE(reason, ''), actor, created_at
		FROM purchase_status_history
		WHERE purchase_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var history []*HistoryRow
	for rows.Next() {
		h := &HistoryRow{}
		var from, to string
		if err := rows.Scan(&h.ID, &h.PurchaseID, &from, &to, &h.Reason, &h.Actor, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.FromStatus = Status(from)
		h.ToStatus = Status(to)
		history = append(history, h)
	}
	return history, rows.Err()
}

func (s *PostgresStore) InStatusOlderThan(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Purchase, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanPurchases(rows)
}

func (s *PostgresStore) Recent(ctx context.Context, status Status, limit int) ([]*Purchase, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanPurchases(rows)
}

func (s *PostgresStore) Summary(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
		FROM purchases
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []StatusCount
	for rows.Next() {
		var sc StatusCount
		var status, total string
		if err := rows.Scan(&status, &sc.Count, &total); err != nil {
			return nil, err
		}
		sc.Status = Status(status)
		sc.Total, err = decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("parse summary total: %w", err)
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, h *HistoryRow) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO purchase_status_history (purchase_id, from_status, to_status, reason, actor, created_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, NOW())
		RETURNING id, created_at
	`, h.PurchaseID, string(h.FromStatus), string(h.ToStatus), h.Reason, h.Actor).
		Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*Purchase, error) {
	p := &Purchase{}
	var status, amount, settled, fee, net, royalties string
	var shares []byte
	err := row.Scan(&p.ID, &p.RefID, &p.BuyerID, &p.SellerID, &p.ListingID,
		&amount, &status, &p.SettlementBatchID, &settled, &fee, &net,
		&royalties, &shares,
		&p.RetryCount, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse purchase amount: %w", err)
	}
	if p.SettledAmount, err = decimal.NewFromString(settled); err != nil {
		return nil, fmt.Errorf("parse settled amount: %w", err)
	}
	if p.FeeAmount, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse fee amount: %w", err)
	}
	if p.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("parse net amount: %w", err)
	}
	if p.TotalRoyalties, err = decimal.NewFromString(royalties); err != nil {
		return nil, fmt.Errorf("parse royalty total: %w", err)
	}
	if len(shares) > 0 {
		if err := json.Unmarshal(shares, &p.RoyaltyDetails); err != nil {
			return nil, fmt.Errorf("parse royalty details: %w", err)
		}
	}
	return p, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func scanPurchases(rows *sql.Rows) ([]*Purchase, error) {
	defer func() { _ = rows.Close() }()

	var purchases []*Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}
