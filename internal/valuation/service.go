package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// RepositoryPort defines data access methods for cost records.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, key CostKey) (CostRecord, error)
	History(ctx context.Context, key CostKey, limit int) ([]CostSnapshot, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SubjectLocker is the per-subject critical section boundary.
type SubjectLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Service maintains weighted-average cost records from goods receipts and
// consumption. A warehouse-scoped posting also updates the company-wide
// aggregate row in the same transaction; the aggregate row is protected by
// its row lock rather than a second keyed lock.
type Service struct {
	repo          RepositoryPort
	locker        SubjectLocker
	audit         AuditPort
	integration   IntegrationHandler
	allowNegative bool
}

// NewService builds Service. allowNegative permits consumption to drive
// quantity on hand below zero.
func NewService(repo RepositoryPort, locker SubjectLocker, audit AuditPort, integration IntegrationHandler, allowNegative bool) *Service {
	return &Service{repo: repo, locker: locker, audit: audit, integration: integration, allowNegative: allowNegative}
}

// ReceiptResult reports what a receipt posting did.
type ReceiptResult struct {
	Record CostRecord
	// Duplicate is true when the receipt reference was already applied to
	// this subject; Record then holds the current state and nothing was
	// written.
	Duplicate bool
}

// PostReceipt applies incoming stock to the subject's weighted average:
// new_average = (qty_on_hand × average + q × c) / (qty_on_hand + q). The
// record is created on first receipt. Re-posting the same reference is a
// no-op returning the current record.
func (s *Service) PostReceipt(ctx context.Context, input ReceiptInput) (ReceiptResult, error) {
	if err := validateReceipt(input); err != nil {
		return ReceiptResult{}, err
	}
	key := input.Key()
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	release, err := s.locker.Acquire(ctx, shared.CostLockKey(key.ProductID, key.VariantID, key.WarehouseID))
	if err != nil {
		return ReceiptResult{}, err
	}
	defer release()

	var result ReceiptResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, created, err := s.recordForUpdate(ctx, tx, key, receivedAt)
		if err != nil {
			return err
		}
		if !created {
			if _, err := tx.FindSnapshotByReference(ctx, rec.ID, input.Reference); err == nil {
				result = ReceiptResult{Record: rec, Duplicate: true}
				return nil
			} else if !errors.Is(err, ErrSnapshotNotFound) {
				return err
			}
		}

		rec, err = applyReceipt(ctx, tx, rec, input, receivedAt)
		if err != nil {
			return err
		}
		result.Record = rec

		// Keep the company-wide aggregate in step. Its row lock orders
		// concurrent writers from different warehouses.
		if !key.IsAggregate() {
			agg, _, err := s.recordForUpdate(ctx, tx, key.Aggregate(), receivedAt)
			if err != nil {
				return err
			}
			if _, err := applyReceipt(ctx, tx, agg, input, receivedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ReceiptResult{}, err
	}

	if !result.Duplicate {
		s.recordAudit(ctx, "valuation:receipt", input.ActorID, result.Record, input.Reference)
		if s.integration != nil {
			if err := s.integration.HandleReceiptPosted(ctx, ReceiptPostedEvent{
				ProductID:      key.ProductID,
				VariantID:      key.VariantID,
				WarehouseID:    key.WarehouseID,
				Quantity:       input.Quantity,
				UnitCost:       input.UnitCost,
				Reference:      input.Reference,
				RunningAverage: result.Record.AverageCost,
				QuantityOnHand: result.Record.QuantityOnHand,
				PostedAt:       receivedAt,
			}); err != nil {
				// Committed already; downstream failures are not the
				// caller's problem.
				slog.Warn("valuation integration handler failed",
					slog.String("reference", input.Reference),
					slog.Any("error", err))
			}
		}
	}
	return result, nil
}

// PostConsumption relieves stock at the current running average. Average
// cost is unchanged; quantity and total value decrease together so the
// TotalValue = AverageCost × QuantityOnHand identity holds.
func (s *Service) PostConsumption(ctx context.Context, input ConsumptionInput) (CostRecord, error) {
	if input.ProductID == 0 {
		return CostRecord{}, shared.Validationf("product required")
	}
	if input.Reference == "" {
		return CostRecord{}, shared.Validationf("reference required")
	}
	if !input.Quantity.IsPositive() {
		return CostRecord{}, &shared.InvalidQuantityError{
			Subject: subjectLabel(input.Key()),
			Reason:  "consumption quantity must be positive",
		}
	}
	key := input.Key()
	consumedAt := input.ConsumedAt
	if consumedAt.IsZero() {
		consumedAt = time.Now().UTC()
	}

	release, err := s.locker.Acquire(ctx, shared.CostLockKey(key.ProductID, key.VariantID, key.WarehouseID))
	if err != nil {
		return CostRecord{}, err
	}
	defer release()

	var result CostRecord
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetForUpdate(ctx, key)
		if errors.Is(err, ErrCostRecordNotFound) {
			return &shared.NotFoundError{Subject: subjectLabel(key)}
		}
		if err != nil {
			return err
		}

		rec, err = s.applyConsumption(ctx, tx, rec, input, consumedAt)
		if err != nil {
			return err
		}
		result = rec

		if !key.IsAggregate() {
			agg, err := tx.GetForUpdate(ctx, key.Aggregate())
			if errors.Is(err, ErrCostRecordNotFound) {
				return &shared.NotFoundError{Subject: subjectLabel(key.Aggregate())}
			}
			if err != nil {
				return err
			}
			if _, err := s.applyConsumption(ctx, tx, agg, input, consumedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return CostRecord{}, err
	}
	s.recordAudit(ctx, "valuation:consumption", input.ActorID, result, input.Reference)
	return result, nil
}

// CurrentCost returns the cost record for a subject.
func (s *Service) CurrentCost(ctx context.Context, key CostKey) (CostRecord, error) {
	if key.ProductID == 0 {
		return CostRecord{}, shared.Validationf("product required")
	}
	rec, err := s.repo.Get(ctx, key)
	if errors.Is(err, ErrCostRecordNotFound) {
		return CostRecord{}, &shared.NotFoundError{Subject: subjectLabel(key)}
	}
	return rec, err
}

// History lists cost snapshots for a subject, newest first.
func (s *Service) History(ctx context.Context, key CostKey, limit int) ([]CostSnapshot, error) {
	if key.ProductID == 0 {
		return nil, shared.Validationf("product required")
	}
	snaps, err := s.repo.History(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		if _, err := s.repo.Get(ctx, key); errors.Is(err, ErrCostRecordNotFound) {
			return nil, &shared.NotFoundError{Subject: subjectLabel(key)}
		} else if err != nil {
			return nil, err
		}
	}
	return snaps, nil
}

// recordForUpdate loads a cost record under row lock, creating a fresh zero
// record when the subject has never received stock.
func (s *Service) recordForUpdate(ctx context.Context, tx TxRepository, key CostKey, now time.Time) (CostRecord, bool, error) {
	rec, err := tx.GetForUpdate(ctx, key)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrCostRecordNotFound) {
		return CostRecord{}, false, err
	}
	rec = CostRecord{
		CostKey:          key,
		Method:           MethodWeightedAverage,
		AverageCost:      decimal.Zero,
		LastPurchaseCost: decimal.Zero,
		QuantityOnHand:   decimal.Zero,
		TotalValue:       decimal.Zero,
		LastCalculatedAt: now,
		CreatedAt:        now,
	}
	id, err := tx.Insert(ctx, rec)
	if err != nil {
		return CostRecord{}, false, err
	}
	rec.ID = id
	return rec, true, nil
}

// applyReceipt recomputes the running average and appends a history row.
// Value is carried additively (TotalValue += q × c) and the average derived
// from it, so the value identity holds exactly across any receipt sequence.
func applyReceipt(ctx context.Context, tx TxRepository, rec CostRecord, input ReceiptInput, now time.Time) (CostRecord, error) {
	newQty := rec.QuantityOnHand.Add(input.Quantity)
	if !newQty.IsPositive() {
		return CostRecord{}, &shared.InvalidQuantityError{
			Subject: subjectLabel(rec.CostKey),
			Reason:  fmt.Sprintf("receipt of %s against %s on hand leaves no positive stock", input.Quantity, rec.QuantityOnHand),
		}
	}
	newValue := rec.TotalValue.Add(input.Quantity.Mul(input.UnitCost))
	rec.AverageCost = newValue.Div(newQty)
	rec.LastPurchaseCost = input.UnitCost
	rec.QuantityOnHand = newQty
	rec.TotalValue = newValue
	rec.LastReceiptRef = input.Reference
	rec.LastCalculatedAt = now
	if err := tx.Update(ctx, rec); err != nil {
		return CostRecord{}, err
	}
	err := tx.InsertSnapshot(ctx, CostSnapshot{
		CostRecordID:   rec.ID,
		Kind:           MovementReceipt,
		Quantity:       input.Quantity,
		UnitCost:       input.UnitCost,
		Reference:      input.Reference,
		RunningAverage: rec.AverageCost,
		QuantityAfter:  rec.QuantityOnHand,
		RecordedAt:     now,
		CreatedBy:      input.ActorID,
	})
	return rec, err
}

func (s *Service) applyConsumption(ctx context.Context, tx TxRepository, rec CostRecord, input ConsumptionInput, now time.Time) (CostRecord, error) {
	newQty := rec.QuantityOnHand.Sub(input.Quantity)
	if newQty.IsNegative() && !s.allowNegative {
		return CostRecord{}, &shared.InvalidQuantityError{
			Subject: subjectLabel(rec.CostKey),
			Reason:  fmt.Sprintf("consumption of %s exceeds %s on hand", input.Quantity, rec.QuantityOnHand),
		}
	}
	rec.QuantityOnHand = newQty
	rec.TotalValue = rec.AverageCost.Mul(newQty)
	rec.LastCalculatedAt = now
	if err := tx.Update(ctx, rec); err != nil {
		return CostRecord{}, err
	}
	err := tx.InsertSnapshot(ctx, CostSnapshot{
		CostRecordID:   rec.ID,
		Kind:           MovementConsumption,
		Quantity:       input.Quantity.Neg(),
		UnitCost:       rec.AverageCost,
		Reference:      input.Reference,
		RunningAverage: rec.AverageCost,
		QuantityAfter:  rec.QuantityOnHand,
		RecordedAt:     now,
		CreatedBy:      input.ActorID,
	})
	return rec, err
}

func (s *Service) recordAudit(ctx context.Context, action string, actorID int64, rec CostRecord, reference string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		At:       time.Now().UTC(),
		Action:   action,
		Entity:   "cost_record",
		EntityID: fmt.Sprintf("%d", rec.ID),
		Meta: map[string]any{
			"product_id":       rec.ProductID,
			"variant_id":       rec.VariantID,
			"warehouse_id":     rec.WarehouseID,
			"reference":        reference,
			"average_cost":     rec.AverageCost.String(),
			"quantity_on_hand": rec.QuantityOnHand.String(),
		},
	})
}

func validateReceipt(input ReceiptInput) error {
	if input.ProductID == 0 {
		return shared.Validationf("product required")
	}
	if input.Reference == "" {
		return shared.Validationf("receipt reference required")
	}
	if input.Method != "" && input.Method != MethodWeightedAverage {
		return shared.Validationf("valuation method %s is not supported", input.Method)
	}
	if input.UnitCost.IsNegative() {
		return shared.Validationf("unit cost must not be negative")
	}
	if !input.Quantity.IsPositive() {
		return &shared.InvalidQuantityError{
			Subject: subjectLabel(input.Key()),
			Reason:  "receipt quantity must be positive",
		}
	}
	return nil
}

func subjectLabel(key CostKey) string {
	return fmt.Sprintf("product %d variant %d warehouse %d", key.ProductID, key.VariantID, key.WarehouseID)
}
