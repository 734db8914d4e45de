package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EntryPostedEvent is emitted after a posting commits.
type EntryPostedEvent struct {
	EntryID     int64
	CustomerID  int64
	Kind        EntryKind
	Reference   Reference
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Balance     decimal.Decimal
	PostedAt    time.Time
	Allocations int
}

// IntegrationHandler receives ledger events for downstream collaborators
// (GL posting, notifications). Duplicate postings do not emit events.
type IntegrationHandler interface {
	HandleEntryPosted(ctx context.Context, evt EntryPostedEvent) error
}
