package valuation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

type memoryRepo struct {
	records map[CostKey]*CostRecord
	history []CostSnapshot
	nextID  int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[CostKey]*CostRecord)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) Get(ctx context.Context, key CostKey) (CostRecord, error) {
	rec, ok := r.records[key]
	if !ok {
		return CostRecord{}, ErrCostRecordNotFound
	}
	return *rec, nil
}

func (r *memoryRepo) History(ctx context.Context, key CostKey, limit int) ([]CostSnapshot, error) {
	rec, ok := r.records[key]
	if !ok {
		return nil, nil
	}
	var out []CostSnapshot
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].CostRecordID == rec.ID {
			out = append(out, r.history[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memoryTx) GetForUpdate(ctx context.Context, key CostKey) (CostRecord, error) {
	return t.repo.Get(ctx, key)
}

func (t *memoryTx) Insert(ctx context.Context, rec CostRecord) (int64, error) {
	t.repo.nextID++
	rec.ID = t.repo.nextID
	t.repo.records[rec.CostKey] = &rec
	return rec.ID, nil
}

func (t *memoryTx) Update(ctx context.Context, rec CostRecord) error {
	for _, existing := range t.repo.records {
		if existing.ID == rec.ID {
			*existing = rec
			return nil
		}
	}
	return ErrCostRecordNotFound
}

func (t *memoryTx) InsertSnapshot(ctx context.Context, snap CostSnapshot) error {
	t.repo.history = append(t.repo.history, snap)
	return nil
}

func (t *memoryTx) FindSnapshotByReference(ctx context.Context, costRecordID int64, reference string) (CostSnapshot, error) {
	for _, snap := range t.repo.history {
		if snap.CostRecordID == costRecordID && snap.Reference == reference {
			return snap, nil
		}
	}
	return CostSnapshot{}, ErrSnapshotNotFound
}

func newTestService(repo *memoryRepo, allowNegative bool) *Service {
	locker := shared.NewSubjectLocker(nil, shared.LockerConfig{})
	return NewService(repo, locker, nil, nil, allowNegative)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func receipt(product, warehouse int64, qty, cost, ref string) ReceiptInput {
	return ReceiptInput{
		ProductID:   product,
		WarehouseID: warehouse,
		Quantity:    dec(qty),
		UnitCost:    dec(cost),
		Reference:   ref,
	}
}

func TestReceiptsRecomputeWeightedAverage(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	res, err := svc.PostReceipt(ctx, receipt(1, 7, "100", "10", "GRN-1"))
	require.NoError(t, err)
	require.True(t, res.Record.AverageCost.Equal(dec("10")))
	require.True(t, res.Record.QuantityOnHand.Equal(dec("100")))

	res, err = svc.PostReceipt(ctx, receipt(1, 7, "50", "16", "GRN-2"))
	require.NoError(t, err)
	require.True(t, res.Record.AverageCost.Equal(dec("12")), "got %s", res.Record.AverageCost)
	require.True(t, res.Record.QuantityOnHand.Equal(dec("150")))
	require.True(t, res.Record.TotalValue.Equal(dec("1800")))
	require.True(t, res.Record.LastPurchaseCost.Equal(dec("16")))
}

func TestZeroQuantityReceiptRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)

	_, err := svc.PostReceipt(context.Background(), receipt(1, 7, "0", "10", "GRN-1"))
	var invalid *shared.InvalidQuantityError
	require.ErrorAs(t, err, &invalid)
	require.Empty(t, repo.records)
	require.Empty(t, repo.history)
}

func TestUnsupportedMethodRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)

	in := receipt(1, 7, "10", "5", "GRN-1")
	in.Method = MethodFIFO
	_, err := svc.PostReceipt(context.Background(), in)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Empty(t, repo.records)
}

func TestWeightedAverageValueIdentity(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	receipts := []struct{ qty, cost string }{
		{"3", "7.50"}, {"11", "4.25"}, {"6", "19.99"}, {"25", "0.80"},
	}
	expected := decimal.Zero
	for i, rc := range receipts {
		_, err := svc.PostReceipt(ctx, receipt(2, 3, rc.qty, rc.cost, "GRN-"+string(rune('A'+i))))
		require.NoError(t, err)
		expected = expected.Add(dec(rc.qty).Mul(dec(rc.cost)))
	}

	rec, err := svc.CurrentCost(ctx, CostKey{ProductID: 2, WarehouseID: 3})
	require.NoError(t, err)
	require.True(t, rec.TotalValue.Equal(expected))
	diff := rec.AverageCost.Mul(rec.QuantityOnHand).Sub(expected).Abs()
	require.True(t, diff.LessThan(dec("0.0001")), "identity drift %s", diff)
}

func TestDuplicateReceiptReferenceIsNoOp(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	first, err := svc.PostReceipt(ctx, receipt(1, 7, "100", "10", "GRN-1"))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := svc.PostReceipt(ctx, receipt(1, 7, "100", "10", "GRN-1"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.True(t, second.Record.QuantityOnHand.Equal(dec("100")))
	// One warehouse snapshot plus one aggregate snapshot.
	require.Len(t, repo.history, 2)
}

func TestAggregateRecordTracksAllWarehouses(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.PostReceipt(ctx, receipt(1, 7, "100", "10", "GRN-W7"))
	require.NoError(t, err)
	_, err = svc.PostReceipt(ctx, receipt(1, 8, "50", "16", "GRN-W8"))
	require.NoError(t, err)

	agg, err := svc.CurrentCost(ctx, CostKey{ProductID: 1})
	require.NoError(t, err)
	require.True(t, agg.QuantityOnHand.Equal(dec("150")))
	require.True(t, agg.AverageCost.Equal(dec("12")))

	w7, err := svc.CurrentCost(ctx, CostKey{ProductID: 1, WarehouseID: 7})
	require.NoError(t, err)
	require.True(t, w7.AverageCost.Equal(dec("10")))
}

func TestConsumptionKeepsAverage(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.PostReceipt(ctx, receipt(1, 7, "100", "10", "GRN-1"))
	require.NoError(t, err)

	rec, err := svc.PostConsumption(ctx, ConsumptionInput{ProductID: 1, WarehouseID: 7, Quantity: dec("40"), Reference: "ISS-1"})
	require.NoError(t, err)
	require.True(t, rec.AverageCost.Equal(dec("10")))
	require.True(t, rec.QuantityOnHand.Equal(dec("60")))
	require.True(t, rec.TotalValue.Equal(dec("600")))
}

func TestConsumptionBeyondStockRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.PostReceipt(ctx, receipt(1, 7, "10", "10", "GRN-1"))
	require.NoError(t, err)

	_, err = svc.PostConsumption(ctx, ConsumptionInput{ProductID: 1, WarehouseID: 7, Quantity: dec("11"), Reference: "ISS-1"})
	var invalid *shared.InvalidQuantityError
	require.ErrorAs(t, err, &invalid)
}

func TestConsumptionMayGoNegativeWhenAllowed(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, true)
	ctx := context.Background()

	_, err := svc.PostReceipt(ctx, receipt(1, 7, "10", "10", "GRN-1"))
	require.NoError(t, err)

	rec, err := svc.PostConsumption(ctx, ConsumptionInput{ProductID: 1, WarehouseID: 7, Quantity: dec("12"), Reference: "ISS-1"})
	require.NoError(t, err)
	require.True(t, rec.QuantityOnHand.Equal(dec("-2")))
}

func TestConsumptionUnknownSubject(t *testing.T) {
	svc := newTestService(newMemoryRepo(), false)
	_, err := svc.PostConsumption(context.Background(), ConsumptionInput{ProductID: 9, WarehouseID: 1, Quantity: dec("1"), Reference: "ISS-1"})
	var notFound *shared.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestConcurrentReceiptsSerialize(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.PostReceipt(ctx, receipt(1, 7, "10", "10", "GRN-SEED"))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			_, err := svc.PostReceipt(ctx, receipt(1, 7, "10", "10", "GRN-"+string(rune('a'+i))))
			return err
		})
	}
	require.NoError(t, g.Wait())

	rec, err := svc.CurrentCost(ctx, CostKey{ProductID: 1, WarehouseID: 7})
	require.NoError(t, err)
	require.True(t, rec.QuantityOnHand.Equal(dec("90")))
	require.True(t, rec.TotalValue.Equal(dec("900")))
}

func TestHistoryNewestFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.PostReceipt(ctx, ReceiptInput{ProductID: 1, WarehouseID: 7, Quantity: dec("100"), UnitCost: dec("10"), Reference: "GRN-1", ReceivedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	_, err = svc.PostReceipt(ctx, ReceiptInput{ProductID: 1, WarehouseID: 7, Quantity: dec("50"), UnitCost: dec("16"), Reference: "GRN-2", ReceivedAt: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	snaps, err := svc.History(ctx, CostKey{ProductID: 1, WarehouseID: 7}, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "GRN-2", snaps[0].Reference)
	require.True(t, snaps[0].RunningAverage.Equal(dec("12")))
	require.Equal(t, "GRN-1", snaps[1].Reference)
	require.True(t, snaps[1].RunningAverage.Equal(dec("10")))
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func TestReceiptAuditTimestamped(t *testing.T) {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	locker := shared.NewSubjectLocker(nil, shared.LockerConfig{})
	svc := NewService(repo, locker, audit, nil, false)

	_, err := svc.PostReceipt(context.Background(), receipt(1, 7, "10", "5", "GRN-1"))
	require.NoError(t, err)

	require.Len(t, audit.logs, 1)
	require.False(t, audit.logs[0].At.IsZero())
	require.WithinDuration(t, time.Now().UTC(), audit.logs[0].At, time.Minute)
}
