package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

func TestPaymentSettlesOldestDueFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// $500 due Jan 10, $300 due Jan 5: the matcher must take the $300 first.
	_, err := svc.PostInvoice(ctx, PostInvoiceInput{CustomerID: 1, Amount: dec("500"), TxDate: date(2026, 1, 2), DueDate: date(2026, 1, 10), Reference: ref("INV-500")})
	require.NoError(t, err)
	_, err = svc.PostInvoice(ctx, PostInvoiceInput{CustomerID: 1, Amount: dec("300"), TxDate: date(2026, 1, 3), DueDate: date(2026, 1, 5), Reference: ref("INV-300")})
	require.NoError(t, err)

	res, err := svc.PostPayment(ctx, PostPaymentInput{CustomerID: 1, Amount: dec("400"), TxDate: date(2026, 1, 12), Reference: ref("PAY-400")})
	require.NoError(t, err)
	require.Equal(t, 2, res.Allocations)

	byRef := entriesByReference(repo)
	inv300 := byRef["DOC/INV-300"]
	inv500 := byRef["DOC/INV-500"]

	require.Equal(t, SettlementSettled, inv300.SettlementStatus)
	require.NotNil(t, inv300.SettledAt)
	require.Equal(t, SettlementPartial, inv500.SettlementStatus)
	require.Nil(t, inv500.SettledAt)

	outstanding, err := svc.OutstandingDebits(ctx, 1)
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	require.Equal(t, inv500.ID, outstanding[0].ID)
	require.True(t, outstanding[0].Outstanding.Equal(dec("400")))
}

func TestOverpaymentRemainderAppliesToLaterInvoice(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostInvoice(ctx, PostInvoiceInput{CustomerID: 1, Amount: dec("300"), TxDate: date(2026, 1, 2), DueDate: date(2026, 1, 31), Reference: ref("INV-1")})
	require.NoError(t, err)
	res, err := svc.PostPayment(ctx, PostPaymentInput{CustomerID: 1, Amount: dec("1000"), TxDate: date(2026, 1, 5), Reference: ref("PAY-1")})
	require.NoError(t, err)
	require.Equal(t, 1, res.Allocations)

	// A later invoice does not consume the remainder by itself.
	_, err = svc.PostInvoice(ctx, PostInvoiceInput{CustomerID: 1, Amount: dec("200"), TxDate: date(2026, 1, 10), DueDate: date(2026, 2, 10), Reference: ref("INV-2")})
	require.NoError(t, err)

	// An explicit matcher run applies the leftover credit capacity.
	allocated, err := svc.RunSettlement(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, allocated)

	inv2 := entriesByReference(repo)["DOC/INV-2"]
	require.Equal(t, SettlementSettled, inv2.SettlementStatus)

	// Re-running produces nothing new.
	allocated, err = svc.RunSettlement(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, allocated)
}

func TestSettlementConservation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostInvoice(ctx, PostInvoiceInput{CustomerID: 1, Amount: dec("250"), TxDate: date(2026, 1, 2), DueDate: date(2026, 1, 20), Reference: ref("INV-1")})
	require.NoError(t, err)
	_, err = svc.PostInvoice(ctx, PostInvoiceInput{CustomerID: 1, Amount: dec("750"), TxDate: date(2026, 1, 3), DueDate: date(2026, 1, 25), Reference: ref("INV-2")})
	require.NoError(t, err)
	_, err = svc.PostPayment(ctx, PostPaymentInput{CustomerID: 1, Amount: dec("600"), TxDate: date(2026, 1, 4), Reference: ref("PAY-1")})
	require.NoError(t, err)
	_, err = svc.PostCreditNote(ctx, PostNoteInput{CustomerID: 1, Amount: dec("100"), TxDate: date(2026, 1, 5), Reference: ref("CN-1")})
	require.NoError(t, err)

	byRef := entriesByReference(repo)
	for _, a := range repo.allocs {
		require.True(t, a.Amount.IsPositive())
	}
	for _, e := range repo.entries {
		if e.Kind.MatchableDebit() {
			require.True(t, repo.appliedToDebit(e.ID).LessThanOrEqual(e.Debit))
		}
		if e.Kind.MatchableCredit() {
			require.True(t, repo.appliedFromCredit(e.ID).LessThanOrEqual(e.Credit))
		}
	}

	// 700 of credit capacity against 1000 of obligations: INV-1 settled in
	// full, INV-2 partially.
	require.Equal(t, SettlementSettled, byRef["DOC/INV-1"].SettlementStatus)
	require.Equal(t, SettlementPartial, byRef["DOC/INV-2"].SettlementStatus)
	require.True(t, repo.appliedToDebit(byRef["DOC/INV-2"].ID).Equal(dec("450")))
}

func TestSettlementUnknownCustomer(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	_, err := svc.RunSettlement(context.Background(), 99)
	var notFound *shared.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestConcurrentPaymentsNeverOverAllocate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostInvoice(ctx, PostInvoiceInput{CustomerID: 1, Amount: dec("300"), TxDate: date(2026, 1, 2), DueDate: date(2026, 1, 31), Reference: ref("INV-1")})
	require.NoError(t, err)

	var g errgroup.Group
	for _, number := range []string{"PAY-A", "PAY-B"} {
		number := number
		g.Go(func() error {
			_, err := svc.PostPayment(ctx, PostPaymentInput{CustomerID: 1, Amount: dec("200"), TxDate: date(2026, 1, 6), Reference: ref(number)})
			return err
		})
	}
	require.NoError(t, g.Wait())

	inv := entriesByReference(repo)["DOC/INV-1"]
	require.True(t, repo.appliedToDebit(inv.ID).Equal(dec("300")))
	require.Equal(t, SettlementSettled, inv.SettlementStatus)

	// Both payments posted; one carries a 100 unapplied remainder.
	balance, err := svc.BalanceAsOf(ctx, 1, date(2026, 1, 31))
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("-100")), "got %s", balance)
}

func TestAllocationsTimestamped(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostInvoice(ctx, PostInvoiceInput{CustomerID: 1, Amount: dec("100"), TxDate: date(2026, 1, 2), DueDate: date(2026, 1, 31), Reference: ref("INV-1")})
	require.NoError(t, err)
	_, err = svc.PostPayment(ctx, PostPaymentInput{CustomerID: 1, Amount: dec("100"), TxDate: date(2026, 1, 3), Reference: ref("PAY-1")})
	require.NoError(t, err)

	require.Len(t, repo.allocs, 1)
	require.WithinDuration(t, time.Now().UTC(), repo.allocs[0].AllocatedAt, time.Minute)
	require.True(t, repo.allocs[0].Amount.Equal(dec("100")))
}

func entriesByReference(repo *memoryRepo) map[string]Entry {
	out := make(map[string]Entry, len(repo.entries))
	for _, e := range repo.entries {
		out[e.Reference.String()] = e
	}
	return out
}
