package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// RepositoryPort defines data access methods for the customer subledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	HasEntries(ctx context.Context, customerID int64) (bool, error)
	BalanceAsOf(ctx context.Context, customerID int64, asOf time.Time) (decimal.Decimal, error)
	Statement(ctx context.Context, filter StatementFilter) ([]Entry, error)
	ListOutstandingDebits(ctx context.Context, customerID int64) ([]OutstandingEntry, error)
	ListAllocationsForEntry(ctx context.Context, entryID int64) ([]Allocation, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SubjectLocker is the per-customer critical section boundary.
type SubjectLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Service coordinates subledger postings, running balances and settlement.
type Service struct {
	repo        RepositoryPort
	locker      SubjectLocker
	audit       AuditPort
	integration IntegrationHandler
}

// NewService builds Service.
func NewService(repo RepositoryPort, locker SubjectLocker, audit AuditPort, integration IntegrationHandler) *Service {
	return &Service{repo: repo, locker: locker, audit: audit, integration: integration}
}

// AppendResult reports what a posting did.
type AppendResult struct {
	Entry Entry
	// Duplicate is true when the reference was already posted; Entry then
	// holds the original record and nothing was written.
	Duplicate bool
	// Allocations is the number of settlement allocations created.
	Allocations int
}

// Append posts a ledger entry. The whole operation — duplicate check,
// insert, balance chain update and (for credit kinds) settlement — runs
// under the customer critical section inside one transaction.
func (s *Service) Append(ctx context.Context, input AppendInput) (AppendResult, error) {
	if err := validateAppend(input); err != nil {
		return AppendResult{}, err
	}

	release, err := s.locker.Acquire(ctx, shared.CustomerLockKey(input.CustomerID))
	if err != nil {
		return AppendResult{}, err
	}
	defer release()

	now := time.Now().UTC()
	var result AppendResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindByReference(ctx, input.CustomerID, input.Reference)
		if err == nil {
			result = AppendResult{Entry: existing, Duplicate: true}
			return nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return err
		}

		id, err := tx.InsertEntry(ctx, Entry{
			CustomerID:       input.CustomerID,
			Kind:             input.Kind,
			TxDate:           input.TxDate,
			DueDate:          input.DueDate,
			Reference:        input.Reference,
			Debit:            input.Debit,
			Credit:           input.Credit,
			Balance:          decimal.Zero,
			SettlementStatus: SettlementOpen,
			Note:             input.Note,
			CreatedBy:        input.ActorID,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}

		entry, err := recomputeChain(ctx, tx, input.CustomerID, input.TxDate, id)
		if err != nil {
			return err
		}
		result.Entry = entry

		if input.Kind.MatchableCredit() {
			allocated, err := settle(ctx, tx, input.CustomerID, now)
			if err != nil {
				return err
			}
			result.Allocations = allocated
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}

	if !result.Duplicate {
		s.recordAudit(ctx, input, result)
		if s.integration != nil {
			// The posting is committed at this point; a failing downstream
			// handler must not turn it into a caller-visible error.
			if err := s.integration.HandleEntryPosted(ctx, EntryPostedEvent{
				EntryID:     result.Entry.ID,
				CustomerID:  result.Entry.CustomerID,
				Kind:        result.Entry.Kind,
				Reference:   result.Entry.Reference,
				Debit:       result.Entry.Debit,
				Credit:      result.Entry.Credit,
				Balance:     result.Entry.Balance,
				PostedAt:    result.Entry.CreatedAt,
				Allocations: result.Allocations,
			}); err != nil {
				slog.Warn("ledger integration handler failed",
					slog.Int64("entry_id", result.Entry.ID),
					slog.Any("error", err))
			}
		}
	}
	return result, nil
}

// recomputeChain walks all entries at or after the inserted position in
// (tx_date, id) order and rewrites their running balances in one pass. For
// an append at the chronological tail the chain is just the new entry; for a
// backdated entry it extends to every later entry of the subject. This is
// the single sanctioned exception to append-only.
func recomputeChain(ctx context.Context, tx TxRepository, customerID int64, txDate time.Time, insertedID int64) (Entry, error) {
	running, err := tx.BalanceBefore(ctx, customerID, txDate, insertedID)
	if err != nil {
		return Entry{}, err
	}
	chain, err := tx.ListEntriesFrom(ctx, customerID, txDate, insertedID)
	if err != nil {
		return Entry{}, err
	}
	var inserted Entry
	for _, e := range chain {
		running = running.Add(e.Signed())
		if !e.Balance.Equal(running) {
			if err := tx.UpdateBalance(ctx, e.ID, running); err != nil {
				return Entry{}, err
			}
		}
		if e.ID == insertedID {
			inserted = e
			inserted.Balance = running
		}
	}
	if inserted.ID == 0 {
		return Entry{}, ErrEntryNotFound
	}
	return inserted, nil
}

// PostInvoice records an INVOICE debit with a due date.
func (s *Service) PostInvoice(ctx context.Context, input PostInvoiceInput) (AppendResult, error) {
	if input.DueDate.IsZero() {
		return AppendResult{}, shared.Validationf("invoice due date required")
	}
	due := input.DueDate
	return s.Append(ctx, AppendInput{
		CustomerID: input.CustomerID,
		Kind:       KindInvoice,
		TxDate:     input.TxDate,
		DueDate:    &due,
		Reference:  input.Reference,
		Debit:      input.Amount,
		Note:       input.Note,
		ActorID:    input.ActorID,
	})
}

// PostPayment records a PAYMENT credit; the settlement matcher runs in the
// same transaction.
func (s *Service) PostPayment(ctx context.Context, input PostPaymentInput) (AppendResult, error) {
	return s.Append(ctx, AppendInput{
		CustomerID: input.CustomerID,
		Kind:       KindPayment,
		TxDate:     input.TxDate,
		Reference:  input.Reference,
		Credit:     input.Amount,
		Note:       input.Note,
		ActorID:    input.ActorID,
	})
}

// PostCreditNote records a CREDIT_NOTE credit and matches it like a payment.
func (s *Service) PostCreditNote(ctx context.Context, input PostNoteInput) (AppendResult, error) {
	return s.Append(ctx, AppendInput{
		CustomerID: input.CustomerID,
		Kind:       KindCreditNote,
		TxDate:     input.TxDate,
		Reference:  input.Reference,
		Credit:     input.Amount,
		Note:       input.Note,
		ActorID:    input.ActorID,
	})
}

// PostDebitNote records a DEBIT_NOTE obligation.
func (s *Service) PostDebitNote(ctx context.Context, input PostNoteInput) (AppendResult, error) {
	return s.Append(ctx, AppendInput{
		CustomerID: input.CustomerID,
		Kind:       KindDebitNote,
		TxDate:     input.TxDate,
		DueDate:    input.DueDate,
		Reference:  input.Reference,
		Debit:      input.Amount,
		Note:       input.Note,
		ActorID:    input.ActorID,
	})
}

// PostOpeningBalance seeds a subledger. A positive amount is owed by the
// customer (debit); a negative amount is owed to them (credit).
func (s *Service) PostOpeningBalance(ctx context.Context, input OpeningBalanceInput) (AppendResult, error) {
	appendInput := AppendInput{
		CustomerID: input.CustomerID,
		Kind:       KindOpeningBalance,
		TxDate:     input.TxDate,
		Reference:  input.Reference,
		Note:       input.Note,
		ActorID:    input.ActorID,
	}
	if input.Amount.IsNegative() {
		appendInput.Credit = input.Amount.Neg()
	} else {
		appendInput.Debit = input.Amount
	}
	return s.Append(ctx, appendInput)
}

// RunSettlement re-runs the matcher for a customer. Safe to repeat: only
// unallocated credit capacity is applied.
func (s *Service) RunSettlement(ctx context.Context, customerID int64) (int, error) {
	if customerID == 0 {
		return 0, shared.Validationf("customer required")
	}
	exists, err := s.repo.HasEntries(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, &shared.NotFoundError{Subject: fmt.Sprintf("customer %d", customerID)}
	}

	release, err := s.locker.Acquire(ctx, shared.CustomerLockKey(customerID))
	if err != nil {
		return 0, err
	}
	defer release()

	var allocated int
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		n, err := settle(ctx, tx, customerID, time.Now().UTC())
		allocated = n
		return err
	})
	return allocated, err
}

// Allocations returns the settlement rows touching an entry on either
// side, in creation order.
func (s *Service) Allocations(ctx context.Context, customerID, entryID int64) ([]Allocation, error) {
	if err := s.requireSubject(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListAllocationsForEntry(ctx, entryID)
}

// BalanceAsOf returns the customer balance as of a date.
func (s *Service) BalanceAsOf(ctx context.Context, customerID int64, asOf time.Time) (decimal.Decimal, error) {
	if err := s.requireSubject(ctx, customerID); err != nil {
		return decimal.Zero, err
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	return s.repo.BalanceAsOf(ctx, customerID, asOf)
}

// OutstandingDebits lists unsettled obligations, oldest due first.
func (s *Service) OutstandingDebits(ctx context.Context, customerID int64) ([]OutstandingEntry, error) {
	if err := s.requireSubject(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListOutstandingDebits(ctx, customerID)
}

// Statement lists entries for a customer within a date range.
func (s *Service) Statement(ctx context.Context, filter StatementFilter) ([]Entry, error) {
	if err := s.requireSubject(ctx, filter.CustomerID); err != nil {
		return nil, err
	}
	return s.repo.Statement(ctx, filter)
}

// Aging groups a customer's outstanding debits by days overdue.
func (s *Service) Aging(ctx context.Context, customerID int64, asOf time.Time) (AgingBucket, error) {
	debits, err := s.OutstandingDebits(ctx, customerID)
	if err != nil {
		return AgingBucket{}, err
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	bucket := AgingBucket{
		Current:   decimal.Zero,
		Bucket30:  decimal.Zero,
		Bucket60:  decimal.Zero,
		Bucket90:  decimal.Zero,
		Bucket120: decimal.Zero,
	}
	for _, d := range debits {
		due := d.TxDate
		if d.DueDate != nil {
			due = *d.DueDate
		}
		days := int(asOf.Sub(due).Hours() / 24)
		switch {
		case days <= 0:
			bucket.Current = bucket.Current.Add(d.Outstanding)
		case days <= 30:
			bucket.Bucket30 = bucket.Bucket30.Add(d.Outstanding)
		case days <= 60:
			bucket.Bucket60 = bucket.Bucket60.Add(d.Outstanding)
		case days <= 90:
			bucket.Bucket90 = bucket.Bucket90.Add(d.Outstanding)
		default:
			bucket.Bucket120 = bucket.Bucket120.Add(d.Outstanding)
		}
	}
	return bucket, nil
}

func (s *Service) requireSubject(ctx context.Context, customerID int64) error {
	if customerID == 0 {
		return shared.Validationf("customer required")
	}
	exists, err := s.repo.HasEntries(ctx, customerID)
	if err != nil {
		return err
	}
	if !exists {
		return &shared.NotFoundError{Subject: fmt.Sprintf("customer %d", customerID)}
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, input AppendInput, result AppendResult) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		At:       time.Now().UTC(),
		Action:   fmt.Sprintf("ledger:%s", input.Kind),
		Entity:   "ledger_entry",
		EntityID: fmt.Sprintf("%d", result.Entry.ID),
		Meta: map[string]any{
			"customer_id": input.CustomerID,
			"reference":   input.Reference.String(),
			"debit":       input.Debit.String(),
			"credit":      input.Credit.String(),
			"balance":     result.Entry.Balance.String(),
			"allocations": result.Allocations,
		},
	})
}

var debitOnlyKinds = map[EntryKind]bool{
	KindInvoice:   true,
	KindDebitNote: true,
	KindRefund:    true,
}

var creditOnlyKinds = map[EntryKind]bool{
	KindPayment:    true,
	KindCreditNote: true,
	KindAdvance:    true,
}

func validateAppend(input AppendInput) error {
	if input.CustomerID == 0 {
		return shared.Validationf("customer required")
	}
	if !input.Kind.Valid() {
		return shared.Validationf("unknown entry kind %q", input.Kind)
	}
	if input.TxDate.IsZero() {
		return shared.Validationf("transaction date required")
	}
	if input.Reference.Type == "" || input.Reference.Number == "" {
		return shared.Validationf("reference type and number required")
	}
	if input.Debit.IsNegative() || input.Credit.IsNegative() {
		return shared.Validationf("amounts must not be negative")
	}
	debitSet := input.Debit.IsPositive()
	creditSet := input.Credit.IsPositive()
	if debitSet == creditSet {
		return shared.Validationf("exactly one of debit and credit must be set")
	}
	if debitOnlyKinds[input.Kind] && !debitSet {
		return shared.Validationf("%s must be a debit entry", input.Kind)
	}
	if creditOnlyKinds[input.Kind] && !creditSet {
		return shared.Validationf("%s must be a credit entry", input.Kind)
	}
	if input.DueDate != nil && !debitSet {
		return shared.Validationf("due date applies to debit entries only")
	}
	return nil
}
