package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/idgen"
	"github.com/openledger/tokencore/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Batches commit in a
// serializable transaction; an advisory transaction lock on the ref id
// serializes concurrent retries of the same logical operation so the
// idempotency check and the insert cannot interleave.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, batch_id, type, COALESCE(from_account, ''), COALESCE(to_account, ''),
		gross, fee, net, status, detail, COALESCE(ref_id, ''), created_at`

// pgTxView evaluates reads inside the committing transaction.
type pgTxView struct {
	ctx context.Context
	tx  *sql.Tx
}

func (v pgTxView) Balance(accountID string) (decimal.Decimal, error) {
	return balanceQuery(v.ctx, v.tx, accountID)
}

func (v pgTxView) OutgoingSince(accountID string, since time.Time) (int, error) {
	var n int
	err := v.tx.QueryRowContext(v.ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE from_account = $1 AND created_at >= $2
		  AND status = 'complete' AND type <> $3
	`, accountID, since, string(TypeReversal)).Scan(&n)
	return n, err
}

func (v pgTxView) EntriesByRef(refID string) ([]*Entry, error) {
	rows, err := v.tx.QueryContext(v.ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE ref_id = $1 ORDER BY created_at, id
	`, refID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (v pgTxView) Entry(id string) (*Entry, error) {
	row := v.tx.QueryRowContext(v.ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (p *PostgresStore) Commit(ctx context.Context, refID string, build BuildFunc) ([]*Entry, bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	defer func() { _ = tx.Rollback() }()

	if refID != "" {
		// Serialize concurrent commits under the same ref id.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, refID); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrTransaction, err)
		}
		prior, err := pgTxView{ctx, tx}.EntriesByRef(refID)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrTransaction, err)
		}
		if len(prior) > 0 {
			return prior, true, nil
		}
	}

	batch, err := build(pgTxView{ctx, tx})
	if err != nil {
		return nil, false, err
	}
	if err := ValidateBatch(batch); err != nil {
		return nil, false, err
	}

	for _, id := range batch.Reverse {
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_entries SET status = 'reversed' WHERE id = $1 AND status = 'complete'
		`, id)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrTransaction, err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			if _, lookupErr := (pgTxView{ctx, tx}).Entry(id); lookupErr != nil {
				return nil, false, ErrEntryNotFound
			}
			return nil, false, ErrAlreadyReversed
		}
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
		detail, err := MarshalDetail(cp.Detail)
		if err != nil {
			return nil, false, fmt.Errorf("marshal detail: %w", err)
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO ledger_entries
				(id, batch_id, type, from_account, to_account, gross, fee, net, status, detail, ref_id, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, NULLIF($11, ''), NOW())
			RETURNING created_at
		`, cp.ID, cp.BatchID, string(cp.Type), cp.From, cp.To,
			cp.Gross.StringFixed(2), cp.Fee.StringFixed(2), cp.Net.StringFixed(2),
			string(cp.Status), nullBytes(detail), cp.RefID).Scan(&cp.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrTransaction, err)
		}
		committed = append(committed, &cp)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	return committed, false, nil
}

func (p *PostgresStore) Entry(ctx context.Context, id string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (p *PostgresStore) EntriesByRef(ctx context.Context, refID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE ref_id = $1 ORDER BY created_at, id
	`, refID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) EntriesByBatch(ctx context.Context, batchID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE batch_id = $1 ORDER BY created_at, id
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) EntriesMatchingRef(ctx context.Context, fragment string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE ref_id LIKE '%' || $1 || '%'
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, fragment, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return balanceQuery(ctx, p.db, accountID)
}

func (p *PostgresStore) QueryByAccount(ctx context.Context, accountID string, q Query) ([]*Entry, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE (from_account = $1 OR to_account = $1)`
	args := []any{accountID}

	if q.Type != "" {
		args = append(args, string(q.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, "", err
	}
	entries, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return entries, next, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceQuery(ctx context.Context, q queryer, accountID string) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(net)   FILTER (WHERE to_account = $1), 0)
		     - COALESCE(SUM(gross) FILTER (WHERE from_account = $1), 0)
		FROM ledger_entries
		WHERE status = 'complete' AND (to_account = $1 OR from_account = $1)
	`, accountID).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var typ, status, gross, fee, net string
	var detail []byte
	err := row.Scan(&e.ID, &e.BatchID, &typ, &e.From, &e.To,
		&gross, &fee, &net, &status, &detail, &e.RefID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Type = EntryType(typ)
	e.Status = EntryStatus(status)
	if e.Gross, err = decimal.NewFromString(gross); err != nil {
		return nil, err
	}
	if e.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	if e.Net, err = decimal.NewFromString(net); err != nil {
		return nil, err
	}
	if e.Detail, err = UnmarshalDetail(detail); err != nil {
		return nil, err
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
