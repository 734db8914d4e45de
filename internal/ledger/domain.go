package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind enumerates subledger transaction kinds.
type EntryKind string

const (
	KindOpeningBalance EntryKind = "OPENING_BALANCE"
	KindInvoice        EntryKind = "INVOICE"
	KindPayment        EntryKind = "PAYMENT"
	KindCreditNote     EntryKind = "CREDIT_NOTE"
	KindDebitNote      EntryKind = "DEBIT_NOTE"
	KindAdvance        EntryKind = "ADVANCE"
	KindAdjustment     EntryKind = "ADJUSTMENT"
	KindRefund         EntryKind = "REFUND"
	KindWriteOff       EntryKind = "WRITE_OFF"
)

// Valid reports whether the kind is one of the supported values.
func (k EntryKind) Valid() bool {
	switch k {
	case KindOpeningBalance, KindInvoice, KindPayment, KindCreditNote,
		KindDebitNote, KindAdvance, KindAdjustment, KindRefund, KindWriteOff:
		return true
	}
	return false
}

// MatchableDebit reports whether entries of this kind are obligations the
// settlement matcher covers. REFUND reverses a credit and is excluded from
// matching on both sides.
func (k EntryKind) MatchableDebit() bool {
	return k == KindInvoice || k == KindDebitNote
}

// MatchableCredit reports whether entries of this kind may be allocated
// against open debits.
func (k EntryKind) MatchableCredit() bool {
	return k == KindPayment || k == KindCreditNote || k == KindAdvance
}

// SettlementStatus tracks how much of a debit entry has been covered.
type SettlementStatus string

const (
	SettlementOpen    SettlementStatus = "OPEN"
	SettlementPartial SettlementStatus = "PARTIALLY_SETTLED"
	SettlementSettled SettlementStatus = "SETTLED"
)

// Reference identifies the business document behind an entry. The pair
// (Type, Number) is unique per customer and enforces idempotent posting.
type Reference struct {
	Type     string
	Number   string
	SourceID uuid.UUID
}

// String renders the reference for error context and audit trails.
func (r Reference) String() string {
	return r.Type + "/" + r.Number
}

// Entry is one immutable row of a customer subledger. Exactly one of Debit
// and Credit is nonzero. Balance is the running total as of this entry in
// (TxDate, ID) order; it is rewritten only by the backdated recompute path.
// Settlement fields are the only other mutable state and change solely
// through the matcher.
type Entry struct {
	ID               int64
	CustomerID       int64
	Kind             EntryKind
	TxDate           time.Time
	DueDate          *time.Time
	Reference        Reference
	Debit            decimal.Decimal
	Credit           decimal.Decimal
	Balance          decimal.Decimal
	SettlementStatus SettlementStatus
	SettledAt        *time.Time
	Note             string
	CreatedBy        int64
	CreatedAt        time.Time
}

// Signed returns debit minus credit.
func (e Entry) Signed() decimal.Decimal {
	return e.Debit.Sub(e.Credit)
}

// Allocation records one application of a credit entry against a debit
// entry. Modeled as an explicit row rather than fields on the entries so the
// audit trail stays reconstructable and re-runs stay idempotent.
type Allocation struct {
	ID            int64
	DebitEntryID  int64
	CreditEntryID int64
	Amount        decimal.Decimal
	AllocatedAt   time.Time
}

// OutstandingEntry pairs an entry with its unallocated remainder: for a
// debit, the amount not yet covered; for a credit, the capacity not yet
// applied.
type OutstandingEntry struct {
	Entry
	Outstanding decimal.Decimal
}

// AppendInput describes a posting request.
type AppendInput struct {
	CustomerID int64
	Kind       EntryKind
	TxDate     time.Time
	DueDate    *time.Time
	Reference  Reference
	Debit      decimal.Decimal
	Credit     decimal.Decimal
	Note       string
	ActorID    int64
}

// PostInvoiceInput creates an INVOICE debit.
type PostInvoiceInput struct {
	CustomerID int64
	Amount     decimal.Decimal
	TxDate     time.Time
	DueDate    time.Time
	Reference  Reference
	Note       string
	ActorID    int64
}

// PostPaymentInput creates a PAYMENT credit and triggers settlement.
type PostPaymentInput struct {
	CustomerID int64
	Amount     decimal.Decimal
	TxDate     time.Time
	Reference  Reference
	Note       string
	ActorID    int64
}

// PostNoteInput creates a CREDIT_NOTE or DEBIT_NOTE.
type PostNoteInput struct {
	CustomerID int64
	Amount     decimal.Decimal
	TxDate     time.Time
	DueDate    *time.Time
	Reference  Reference
	Note       string
	ActorID    int64
}

// OpeningBalanceInput seeds a subledger. Amount is signed: positive means
// the customer owes, negative means a credit carried in.
type OpeningBalanceInput struct {
	CustomerID int64
	Amount     decimal.Decimal
	TxDate     time.Time
	Reference  Reference
	Note       string
	ActorID    int64
}

// StatementFilter bounds a ledger listing.
type StatementFilter struct {
	CustomerID int64
	From       time.Time
	To         time.Time
	Limit      int
}

// AgingBucket summarises outstanding debits by days overdue.
type AgingBucket struct {
	Current   decimal.Decimal
	Bucket30  decimal.Decimal
	Bucket60  decimal.Decimal
	Bucket90  decimal.Decimal
	Bucket120 decimal.Decimal
}

// Total sums all buckets.
func (b AgingBucket) Total() decimal.Decimal {
	return b.Current.Add(b.Bucket30).Add(b.Bucket60).Add(b.Bucket90).Add(b.Bucket120)
}
