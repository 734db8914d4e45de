package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-ledger/internal/platform/db"
)

// ErrCostRecordNotFound indicates no cost record exists for a subject yet.
var ErrCostRecordNotFound = errors.New("valuation: cost record not found")

// ErrSnapshotNotFound indicates no history row matches a reference.
var ErrSnapshotNotFound = errors.New("valuation: snapshot not found")

const recordColumns = `id, product_id, variant_id, warehouse_id, method, average_cost, last_purchase_cost, quantity_on_hand, total_value, last_receipt_ref, last_calculated_at, created_at`

const snapshotColumns = `id, cost_record_id, kind, quantity, unit_cost, reference, running_average, quantity_after, recorded_at, created_by`

const prefixedSnapshotColumns = `h.id, h.cost_record_id, h.kind, h.quantity, h.unit_cost, h.reference, h.running_average, h.quantity_after, h.recorded_at, h.created_by`

// Repository provides PostgreSQL backed persistence for cost records and
// their history. All writes go through WithTx.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations available inside a valuation
// transaction.
type TxRepository interface {
	GetForUpdate(ctx context.Context, key CostKey) (CostRecord, error)
	Insert(ctx context.Context, rec CostRecord) (int64, error)
	Update(ctx context.Context, rec CostRecord) error
	InsertSnapshot(ctx context.Context, snap CostSnapshot) error
	FindSnapshotByReference(ctx context.Context, costRecordID int64, reference string) (CostSnapshot, error)
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

// Get returns the cost record for a subject. Lock-free read.
func (r *Repository) Get(ctx context.Context, key CostKey) (CostRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM cost_records
WHERE product_id=$1 AND variant_id=$2 AND warehouse_id=$3`, key.ProductID, key.VariantID, key.WarehouseID)
	return scanRecord(row)
}

// History lists cost snapshots for a subject, newest first.
func (r *Repository) History(ctx context.Context, key CostKey, limit int) ([]CostSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+prefixedSnapshotColumns+` FROM cost_history h
JOIN cost_records r ON r.id = h.cost_record_id
WHERE r.product_id=$1 AND r.variant_id=$2 AND r.warehouse_id=$3
ORDER BY h.recorded_at DESC, h.id DESC LIMIT $4`, key.ProductID, key.VariantID, key.WarehouseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CostSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PruneHistory deletes snapshots older than the cutoff, keeping the most
// recent row per record so the trail never goes empty. Used by the rollup
// job.
func (r *Repository) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cost_history h
WHERE h.recorded_at < $1
AND h.id <> (SELECT MAX(id) FROM cost_history WHERE cost_record_id = h.cost_record_id)`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) GetForUpdate(ctx context.Context, key CostKey) (CostRecord, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM cost_records
WHERE product_id=$1 AND variant_id=$2 AND warehouse_id=$3 FOR UPDATE`, key.ProductID, key.VariantID, key.WarehouseID)
	return scanRecord(row)
}

func (t *txRepo) Insert(ctx context.Context, rec CostRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO cost_records
(product_id, variant_id, warehouse_id, method, average_cost, last_purchase_cost, quantity_on_hand, total_value, last_receipt_ref, last_calculated_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id`,
		rec.ProductID, rec.VariantID, rec.WarehouseID, rec.Method,
		rec.AverageCost, rec.LastPurchaseCost, rec.QuantityOnHand, rec.TotalValue,
		rec.LastReceiptRef, rec.LastCalculatedAt, rec.CreatedAt,
	).Scan(&id)
	return id, err
}

func (t *txRepo) Update(ctx context.Context, rec CostRecord) error {
	tag, err := t.tx.Exec(ctx, `UPDATE cost_records SET
average_cost=$2, last_purchase_cost=$3, quantity_on_hand=$4, total_value=$5, last_receipt_ref=$6, last_calculated_at=$7
WHERE id=$1`,
		rec.ID, rec.AverageCost, rec.LastPurchaseCost, rec.QuantityOnHand,
		rec.TotalValue, rec.LastReceiptRef, rec.LastCalculatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCostRecordNotFound
	}
	return nil
}

func (t *txRepo) InsertSnapshot(ctx context.Context, snap CostSnapshot) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO cost_history
(cost_record_id, kind, quantity, unit_cost, reference, running_average, quantity_after, recorded_at, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		snap.CostRecordID, snap.Kind, snap.Quantity, snap.UnitCost, snap.Reference,
		snap.RunningAverage, snap.QuantityAfter, snap.RecordedAt, snap.CreatedBy,
	)
	return err
}

func (t *txRepo) FindSnapshotByReference(ctx context.Context, costRecordID int64, reference string) (CostSnapshot, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM cost_history
WHERE cost_record_id=$1 AND reference=$2 LIMIT 1`, costRecordID, reference)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return CostSnapshot{}, ErrSnapshotNotFound
	}
	return snap, err
}

func scanRecord(row pgx.Row) (CostRecord, error) {
	var rec CostRecord
	err := row.Scan(
		&rec.ID, &rec.ProductID, &rec.VariantID, &rec.WarehouseID, &rec.Method,
		&rec.AverageCost, &rec.LastPurchaseCost, &rec.QuantityOnHand, &rec.TotalValue,
		&rec.LastReceiptRef, &rec.LastCalculatedAt, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return CostRecord{}, ErrCostRecordNotFound
	}
	return rec, err
}

func scanSnapshot(row pgx.Row) (CostSnapshot, error) {
	var snap CostSnapshot
	err := row.Scan(
		&snap.ID, &snap.CostRecordID, &snap.Kind, &snap.Quantity, &snap.UnitCost,
		&snap.Reference, &snap.RunningAverage, &snap.QuantityAfter, &snap.RecordedAt, &snap.CreatedBy,
	)
	return snap, err
}
