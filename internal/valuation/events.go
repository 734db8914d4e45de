package valuation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptPostedEvent is emitted after a goods receipt commits, carrying the
// resulting valuation state for downstream modules.
type ReceiptPostedEvent struct {
	ProductID      int64
	VariantID      int64
	WarehouseID    int64
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	Reference      string
	RunningAverage decimal.Decimal
	QuantityOnHand decimal.Decimal
	PostedAt       time.Time
}

// IntegrationHandler receives valuation events. A nil handler disables
// emission.
type IntegrationHandler interface {
	HandleReceiptPosted(ctx context.Context, event ReceiptPostedEvent) error
}
