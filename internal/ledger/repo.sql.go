package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-ledger/internal/platform/db"
	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// ErrEntryNotFound indicates a missing ledger entry row.
var ErrEntryNotFound = errors.New("ledger: entry not found")

const entryColumns = `id, customer_id, kind, tx_date, due_date, ref_type, ref_number, source_id, debit, credit, balance, settlement_status, settled_at, note, created_by, created_at`

// Repository provides PostgreSQL backed persistence for the customer
// subledger. All writes go through WithTx.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations available inside a posting transaction.
type TxRepository interface {
	FindByReference(ctx context.Context, customerID int64, ref Reference) (Entry, error)
	InsertEntry(ctx context.Context, e Entry) (int64, error)
	BalanceBefore(ctx context.Context, customerID int64, txDate time.Time, beforeID int64) (decimal.Decimal, error)
	ListEntriesFrom(ctx context.Context, customerID int64, txDate time.Time, fromID int64) ([]Entry, error)
	UpdateBalance(ctx context.Context, entryID int64, balance decimal.Decimal) error
	ListOpenDebits(ctx context.Context, customerID int64) ([]OutstandingEntry, error)
	ListUnallocatedCredits(ctx context.Context, customerID int64) ([]OutstandingEntry, error)
	InsertAllocation(ctx context.Context, alloc Allocation) error
	UpdateSettlement(ctx context.Context, entryID int64, status SettlementStatus, settledAt *time.Time) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// HasEntries reports whether the customer subledger exists at all.
func (r *Repository) HasEntries(ctx context.Context, customerID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE customer_id=$1)`, customerID).Scan(&exists)
	return exists, err
}

// BalanceAsOf returns the running balance of the last entry dated at or
// before asOf. Lock-free read.
func (r *Repository) BalanceAsOf(ctx context.Context, customerID int64, asOf time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT balance FROM ledger_entries WHERE customer_id=$1 AND tx_date<=$2 ORDER BY tx_date DESC, id DESC LIMIT 1`, customerID, asOf).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return balance, err
}

// Statement lists entries for a customer in ledger order.
func (r *Repository) Statement(ctx context.Context, filter StatementFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	from := filter.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := filter.To
	if to.IsZero() {
		to = time.Now().UTC().AddDate(100, 0, 0)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE customer_id=$1 AND tx_date>=$2 AND tx_date<=$3
ORDER BY tx_date, id LIMIT $4`, filter.CustomerID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListOutstandingDebits returns unsettled debit entries with their remaining
// amounts, oldest obligation first. Lock-free read for reporting.
func (r *Repository) ListOutstandingDebits(ctx context.Context, customerID int64) ([]OutstandingEntry, error) {
	rows, err := r.pool.Query(ctx, openDebitsQuery, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutstanding(rows)
}

// ListAllocationsForEntry returns the allocation rows touching an entry on
// either side.
func (r *Repository) ListAllocationsForEntry(ctx context.Context, entryID int64) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, debit_entry_id, credit_entry_id, amount, allocated_at FROM ledger_allocations
WHERE debit_entry_id=$1 OR credit_entry_id=$1 ORDER BY id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var allocs []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.DebitEntryID, &a.CreditEntryID, &a.Amount, &a.AllocatedAt); err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

const openDebitsQuery = `SELECT ` + prefixedEntryColumns + `, e.debit - COALESCE(a.applied, 0) AS outstanding
FROM ledger_entries e
LEFT JOIN (SELECT debit_entry_id, SUM(amount) AS applied FROM ledger_allocations GROUP BY debit_entry_id) a ON a.debit_entry_id = e.id
WHERE e.customer_id=$1 AND e.kind IN ('INVOICE','DEBIT_NOTE') AND e.settlement_status <> 'SETTLED' AND e.debit - COALESCE(a.applied, 0) > 0
ORDER BY e.due_date ASC NULLS LAST, e.tx_date ASC, e.id ASC`

const unallocatedCreditsQuery = `SELECT ` + prefixedEntryColumns + `, e.credit - COALESCE(a.applied, 0) AS outstanding
FROM ledger_entries e
LEFT JOIN (SELECT credit_entry_id, SUM(amount) AS applied FROM ledger_allocations GROUP BY credit_entry_id) a ON a.credit_entry_id = e.id
WHERE e.customer_id=$1 AND e.kind IN ('PAYMENT','CREDIT_NOTE','ADVANCE') AND e.credit - COALESCE(a.applied, 0) > 0
ORDER BY e.tx_date ASC, e.id ASC`

const prefixedEntryColumns = `e.id, e.customer_id, e.kind, e.tx_date, e.due_date, e.ref_type, e.ref_number, e.source_id, e.debit, e.credit, e.balance, e.settlement_status, e.settled_at, e.note, e.created_by, e.created_at`

func (t *txRepo) FindByReference(ctx context.Context, customerID int64, ref Reference) (Entry, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE customer_id=$1 AND ref_type=$2 AND ref_number=$3`, customerID, ref.Type, ref.Number)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

func (t *txRepo) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO ledger_entries (customer_id, kind, tx_date, due_date, ref_type, ref_number, source_id, debit, credit, balance, settlement_status, note, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		e.CustomerID, e.Kind, e.TxDate, e.DueDate, e.Reference.Type, e.Reference.Number, nullableUUID(e.Reference.SourceID),
		e.Debit, e.Credit, e.Balance, e.SettlementStatus, e.Note, e.CreatedBy, e.CreatedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, &shared.ConflictError{
				Subject:   fmt.Sprintf("customer %d", e.CustomerID),
				Reference: e.Reference.String(),
				Reason:    "duplicate reference",
			}
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) BalanceBefore(ctx context.Context, customerID int64, txDate time.Time, beforeID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT balance FROM ledger_entries
WHERE customer_id=$1 AND (tx_date < $2 OR (tx_date = $2 AND id < $3))
ORDER BY tx_date DESC, id DESC LIMIT 1`, customerID, txDate, beforeID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return balance, err
}

func (t *txRepo) ListEntriesFrom(ctx context.Context, customerID int64, txDate time.Time, fromID int64) ([]Entry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE customer_id=$1 AND (tx_date > $2 OR (tx_date = $2 AND id >= $3))
ORDER BY tx_date, id FOR UPDATE`, customerID, txDate, fromID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (t *txRepo) UpdateBalance(ctx context.Context, entryID int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_entries SET balance=$1 WHERE id=$2`, balance, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (t *txRepo) ListOpenDebits(ctx context.Context, customerID int64) ([]OutstandingEntry, error) {
	rows, err := t.tx.Query(ctx, openDebitsQuery+` FOR UPDATE OF e`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutstanding(rows)
}

func (t *txRepo) ListUnallocatedCredits(ctx context.Context, customerID int64) ([]OutstandingEntry, error) {
	rows, err := t.tx.Query(ctx, unallocatedCreditsQuery+` FOR UPDATE OF e`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutstanding(rows)
}

func (t *txRepo) InsertAllocation(ctx context.Context, alloc Allocation) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_allocations (debit_entry_id, credit_entry_id, amount, allocated_at)
VALUES ($1, $2, $3, $4)`, alloc.DebitEntryID, alloc.CreditEntryID, alloc.Amount, alloc.AllocatedAt)
	return err
}

func (t *txRepo) UpdateSettlement(ctx context.Context, entryID int64, status SettlementStatus, settledAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_entries SET settlement_status=$1, settled_at=$2 WHERE id=$3`, status, settledAt, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullableUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e        Entry
		sourceID pgtype.UUID
	)
	err := row.Scan(&e.ID, &e.CustomerID, &e.Kind, &e.TxDate, &e.DueDate, &e.Reference.Type, &e.Reference.Number, &sourceID,
		&e.Debit, &e.Credit, &e.Balance, &e.SettlementStatus, &e.SettledAt, &e.Note, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	if sourceID.Valid {
		e.Reference.SourceID = sourceID.Bytes
	}
	return e, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanOutstanding(rows pgx.Rows) ([]OutstandingEntry, error) {
	var entries []OutstandingEntry
	for rows.Next() {
		var (
			o        OutstandingEntry
			sourceID pgtype.UUID
		)
		err := rows.Scan(&o.ID, &o.CustomerID, &o.Kind, &o.TxDate, &o.DueDate, &o.Reference.Type, &o.Reference.Number, &sourceID,
			&o.Debit, &o.Credit, &o.Balance, &o.SettlementStatus, &o.SettledAt, &o.Note, &o.CreatedBy, &o.CreatedAt, &o.Outstanding)
		if err != nil {
			return nil, err
		}
		if sourceID.Valid {
			o.Reference.SourceID = sourceID.Bytes
		}
		entries = append(entries, o)
	}
	return entries, rows.Err()
}
