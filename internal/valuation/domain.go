package valuation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Method enumerates inventory valuation methods. Only the weighted average
// is implemented; the others are reserved column values.
type Method string

const (
	MethodWeightedAverage Method = "WEIGHTED_AVG"
	MethodFIFO            Method = "FIFO"
	MethodSpecificID      Method = "SPECIFIC_ID"
)

// CostKey identifies the subject of a cost record. VariantID 0 means the
// product has no variants; WarehouseID 0 addresses the company-wide
// aggregate row maintained alongside every warehouse-scoped record.
type CostKey struct {
	ProductID   int64
	VariantID   int64
	WarehouseID int64
}

// Aggregate returns the company-wide key for the same product and variant.
func (k CostKey) Aggregate() CostKey {
	return CostKey{ProductID: k.ProductID, VariantID: k.VariantID}
}

// IsAggregate reports whether the key addresses the company-wide row.
func (k CostKey) IsAggregate() bool {
	return k.WarehouseID == 0
}

// CostRecord is the running valuation state for one subject. AverageCost is
// the quantity-weighted mean of receipts net of consumption at cost;
// TotalValue = AverageCost × QuantityOnHand holds by construction.
type CostRecord struct {
	ID               int64
	CostKey
	Method           Method
	AverageCost      decimal.Decimal
	LastPurchaseCost decimal.Decimal
	QuantityOnHand   decimal.Decimal
	TotalValue       decimal.Decimal
	LastReceiptRef   string
	LastCalculatedAt time.Time
	CreatedAt        time.Time
}

// MovementKind distinguishes cost history rows.
type MovementKind string

const (
	MovementReceipt     MovementKind = "RECEIPT"
	MovementConsumption MovementKind = "CONSUMPTION"
)

// CostSnapshot is one append-only cost history row. Quantity is signed:
// positive for receipts, negative for consumption. UnitCost is the purchase
// cost on receipt and the relieving average on consumption.
type CostSnapshot struct {
	ID             int64
	CostRecordID   int64
	Kind           MovementKind
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	Reference      string
	RunningAverage decimal.Decimal
	QuantityAfter  decimal.Decimal
	RecordedAt     time.Time
	CreatedBy      int64
}

// ReceiptInput posts incoming stock at a purchase cost. Method may be left
// empty to default to the weighted average.
type ReceiptInput struct {
	ProductID   int64
	VariantID   int64
	WarehouseID int64
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
	Reference   string
	Method      Method
	ReceivedAt  time.Time
	ActorID     int64
}

// Key returns the subject key for the receipt.
func (in ReceiptInput) Key() CostKey {
	return CostKey{ProductID: in.ProductID, VariantID: in.VariantID, WarehouseID: in.WarehouseID}
}

// ConsumptionInput relieves stock at the current running average. The
// average cost is unchanged by consumption; only quantity and total value
// move.
type ConsumptionInput struct {
	ProductID   int64
	VariantID   int64
	WarehouseID int64
	Quantity    decimal.Decimal
	Reference   string
	ConsumedAt  time.Time
	ActorID     int64
}

// Key returns the subject key for the consumption.
func (in ConsumptionInput) Key() CostKey {
	return CostKey{ProductID: in.ProductID, VariantID: in.VariantID, WarehouseID: in.WarehouseID}
}
