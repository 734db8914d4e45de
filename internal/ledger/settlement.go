package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// settle allocates unapplied credit capacity against open debit entries for
// one customer, oldest obligation first. Runs inside the caller's
// transaction and customer critical section. Idempotent: only remainders are
// considered, so re-running after a partial failure or on demand never
// double-applies.
func settle(ctx context.Context, tx TxRepository, customerID int64, now time.Time) (int, error) {
	credits, err := tx.ListUnallocatedCredits(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if len(credits) == 0 {
		return 0, nil
	}
	debits, err := tx.ListOpenDebits(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if len(debits) == 0 {
		return 0, nil
	}

	allocated := 0
	debitIdx := 0
	for _, credit := range credits {
		remaining := credit.Outstanding
		for remaining.IsPositive() && debitIdx < len(debits) {
			debit := &debits[debitIdx]
			if !debit.Outstanding.IsPositive() {
				debitIdx++
				continue
			}
			applied := decimalMin(remaining, debit.Outstanding)
			if err := tx.InsertAllocation(ctx, Allocation{
				DebitEntryID:  debit.ID,
				CreditEntryID: credit.ID,
				Amount:        applied,
				AllocatedAt:   now,
			}); err != nil {
				return allocated, err
			}
			allocated++
			remaining = remaining.Sub(applied)
			debit.Outstanding = debit.Outstanding.Sub(applied)

			status := SettlementPartial
			var settledAt *time.Time
			if debit.Outstanding.IsZero() {
				status = SettlementSettled
				ts := now
				settledAt = &ts
			}
			if err := tx.UpdateSettlement(ctx, debit.ID, status, settledAt); err != nil {
				return allocated, err
			}
			if status == SettlementSettled {
				debitIdx++
			}
		}
		// Any remainder stays as unallocated credit for future debits.
		if debitIdx >= len(debits) {
			break
		}
	}
	return allocated, nil
}

func decimalMin(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
