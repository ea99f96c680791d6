package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func day(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC) }

func newTestService(t *testing.T) (*Service, *memoryRepo, Lease) {
	t.Helper()
	repo := newMemoryRepo()
	lease := repo.addLease("2000")
	svc := NewService(repo, DefaultServiceConfig())
	svc.SetClock(func() time.Time { return testNow })
	svc.SetNumberer(&sequenceNumbers{})
	return svc, repo, lease
}

func recordAdjustment(t *testing.T, svc *Service, leaseID uuid.UUID, amount string, on time.Time) Charge {
	t.Helper()
	c, err := svc.RecordCharge(context.Background(), leaseID, ChargeInput{
		Type:            ChargeAdjustment,
		Amount:          dec(amount),
		TransactionDate: on,
	})
	require.NoError(t, err)
	return c
}

func TestExcessMileageDerivation(t *testing.T) {
	km, amount := ExcessMileage(10000, 13500, 3000, dec("0.5"))
	assert.Equal(t, int64(500), km)
	assert.True(t, amount.Equal(dec("250")), amount.String())

	km, amount = ExcessMileage(10000, 12000, 3000, dec("0.5"))
	assert.Equal(t, int64(0), km)
	assert.True(t, amount.IsZero())
}

func TestRecordExcessMileageFallsBackToLeaseAllowance(t *testing.T) {
	svc, repo, lease := newTestService(t)
	lease.AnnualMileageAllowance = 3000
	repo.leases[lease.ID] = lease

	charge, err := svc.RecordCharge(context.Background(), lease.ID, ChargeInput{
		Type:    ChargeExcessMileage,
		Mileage: &MileageInput{StartMileage: 10000, EndMileage: 13500},
	})
	require.NoError(t, err)
	require.NotNil(t, charge.Mileage)
	assert.Equal(t, int64(3000), charge.Mileage.Allowance)
	assert.Equal(t, int64(500), charge.Mileage.ExcessKM)
	assert.True(t, charge.Amount.Equal(dec("250")))
	assert.True(t, charge.TotalAmount.Equal(dec("250")))
	assert.Equal(t, "Excess Mileage Charge - 500 km", charge.Description)
	assert.Equal(t, day(15).AddDate(0, 0, 30), charge.DueDate)

	_, err = svc.RecordCharge(context.Background(), lease.ID, ChargeInput{
		Type:    ChargeExcessMileage,
		Mileage: &MileageInput{StartMileage: 10000, EndMileage: 11000},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestRecordMonthlyRentalAppliesFixedVAT(t *testing.T) {
	svc, _, lease := newTestService(t)

	charge, err := svc.RecordMonthlyRental(context.Background(), lease.ID)
	require.NoError(t, err)
	assert.Equal(t, ChargeMonthlyRental, charge.Type)
	assert.Equal(t, ChargePending, charge.Status)
	assert.Nil(t, charge.InvoiceID)
	assert.True(t, charge.VATAmount.Equal(dec("100")))
	assert.True(t, charge.TotalAmount.Equal(dec("2100")))
	assert.True(t, charge.BalanceAmount.Equal(charge.TotalAmount))
	assert.Equal(t, "Monthly Lease Rental - March 2026", charge.Description)
	assert.Equal(t, day(15).AddDate(0, 0, 30), charge.DueDate)
}

func TestMonthlyRentalGuardRejectsSecondChargeInMonth(t *testing.T) {
	svc, _, lease := newTestService(t)
	ctx := context.Background()

	first, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)

	_, err = svc.RecordMonthlyRental(ctx, lease.ID)
	require.ErrorIs(t, err, ErrDuplicatePeriod)
	require.ErrorIs(t, err, httpx.ErrDuplicate)

	_, err = svc.CancelCharge(ctx, first.ID)
	require.NoError(t, err)
	_, err = svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err, "cancelled rentals do not block the period")

	svc.SetClock(func() time.Time { return testNow.AddDate(0, 1, 0) })
	april, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, "Monthly Lease Rental - April 2026", april.Description)
}

func TestUpdateChargeKeepsOneRentalPerMonth(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()

	march, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)
	svc.SetClock(func() time.Time { return testNow.AddDate(0, 1, 0) })
	april, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)

	into := day(16)
	_, err = svc.UpdateCharge(ctx, april.ID, ChargeUpdate{TransactionDate: &into})
	require.ErrorIs(t, err, ErrDuplicatePeriod)
	assert.Equal(t, april.TransactionDate, repo.charges[april.ID].TransactionDate)

	within := day(2)
	moved, err := svc.UpdateCharge(ctx, march.ID, ChargeUpdate{TransactionDate: &within})
	require.NoError(t, err, "a rental may move inside its own month")
	assert.Equal(t, day(2), moved.TransactionDate)

	_, err = svc.CancelCharge(ctx, march.ID)
	require.NoError(t, err)
	moved, err = svc.UpdateCharge(ctx, april.ID, ChargeUpdate{TransactionDate: &into})
	require.NoError(t, err, "a cancelled rental frees its month")
	assert.Equal(t, day(16), moved.TransactionDate)
}

func TestChargeDatesAreCalendarDays(t *testing.T) {
	svc, _, lease := newTestService(t)
	ctx := context.Background()

	rental, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, day(15), rental.TransactionDate)

	late := time.Date(2026, 3, 20, 17, 45, 0, 0, time.UTC)
	due := time.Date(2026, 4, 20, 9, 30, 0, 0, time.UTC)
	fine, err := svc.RecordCharge(ctx, lease.ID, ChargeInput{
		Type:            ChargeAdjustment,
		Amount:          dec("40"),
		TransactionDate: late,
		DueDate:         &due,
	})
	require.NoError(t, err)
	assert.Equal(t, day(20), fine.TransactionDate)
	assert.Equal(t, time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC), fine.DueDate)
}

func TestRecordChargeValidation(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()

	cases := map[string]ChargeInput{
		"unknown type":      {Type: "parking", Amount: dec("10")},
		"zero amount":       {Type: ChargeTrafficFine},
		"negative vat":      {Type: ChargeSalik, Amount: dec("4"), VATAmount: dec("-1")},
		"missing mileage":   {Type: ChargeExcessMileage},
		"mileage reversed":  {Type: ChargeExcessMileage, Mileage: &MileageInput{StartMileage: 500, EndMileage: 100}},
		"zero rental input": {Type: ChargeMonthlyRental},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.RecordCharge(ctx, lease.ID, input)
			require.ErrorIs(t, err, ErrValidation)
			require.ErrorIs(t, err, httpx.ErrValidation)
		})
	}

	unpriced := repo.addLease("0")
	_, err := svc.RecordMonthlyRental(ctx, unpriced.ID)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "monthly_payment", vErr.Field)

	_, err = svc.RecordCharge(ctx, uuid.New(), ChargeInput{Type: ChargeAdjustment, Amount: dec("1")})
	require.ErrorIs(t, err, ErrLeaseNotFound)
	require.ErrorIs(t, err, httpx.ErrNotFound)
	assert.Empty(t, repo.charges)
}

func TestGenerateInvoiceConsolidatesPendingCharges(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()

	rental, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)
	fine, err := svc.RecordCharge(ctx, lease.ID, ChargeInput{
		Type: ChargeTrafficFine, Amount: dec("600"), Fine: &FineDetail{Number: "F-123"},
	})
	require.NoError(t, err)
	salik, err := svc.RecordCharge(ctx, lease.ID, ChargeInput{Type: ChargeSalik, Amount: dec("8"), VATAmount: dec("0.40")})
	require.NoError(t, err)
	cancelled := recordAdjustment(t, svc, lease.ID, "75", day(2))
	_, err = svc.CancelCharge(ctx, cancelled.ID)
	require.NoError(t, err)

	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	inv := res.Invoice
	assert.Equal(t, "INV-L-2026-0001", inv.Number)
	assert.Equal(t, InvoicePending, inv.Status)
	assert.True(t, inv.PaidAmount.IsZero())
	assert.True(t, inv.Subtotal.Equal(dec("2608")), inv.Subtotal.String())
	assert.True(t, inv.VATAmount.Equal(dec("100.40")), inv.VATAmount.String())
	assert.True(t, inv.TotalAmount.Equal(dec("2708.40")))
	assert.Equal(t, inv.InvoiceDate.AddDate(0, 0, 30), inv.DueDate)
	assert.Len(t, res.Charges, 3)

	for _, id := range []uuid.UUID{rental.ID, fine.ID, salik.ID} {
		c := repo.charges[id]
		assert.Equal(t, ChargeInvoiced, c.Status)
		require.NotNil(t, c.InvoiceID)
		assert.Equal(t, inv.ID, *c.InvoiceID)
		assert.Equal(t, inv.Number, c.InvoiceNumber)
	}
	assert.Equal(t, ChargeCancelled, repo.charges[cancelled.ID].Status)
	assert.Nil(t, repo.charges[cancelled.ID].InvoiceID)

	_, err = svc.GenerateInvoice(ctx, lease.ID)
	require.ErrorIs(t, err, ErrNoPendingCharges)
	require.ErrorIs(t, err, httpx.ErrUnprocessable)
	assert.Len(t, repo.invoices, 1)
}

func TestGenerateInvoiceAbortsWhenChargesClaimedConcurrently(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	first := recordAdjustment(t, svc, lease.ID, "100", day(1))
	recordAdjustment(t, svc, lease.ID, "50", day(2))

	other := uuid.New()
	repo.beforeClaim = func(r *memoryRepo) {
		c := r.charges[first.ID]
		c.Status = ChargeInvoiced
		c.InvoiceID = &other
		r.charges[first.ID] = c
	}

	_, err := svc.GenerateInvoice(ctx, lease.ID)
	require.ErrorIs(t, err, ErrConcurrentInvoice)
	require.ErrorIs(t, err, httpx.ErrConflict)
	assert.Empty(t, repo.invoices)
	for _, c := range repo.charges {
		assert.Equal(t, ChargePending, c.Status, "rolled back")
		assert.Nil(t, c.InvoiceID)
	}
}

func TestGenerateInvoiceConcurrentCallsNeverDoubleBill(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc, repo, lease := newTestService(t)
	svc.SetLocker(cache.NewLocker(client, 5*time.Second).WithWait(5 * time.Second))
	for i := 1; i <= 5; i++ {
		recordAdjustment(t, svc, lease.ID, "10", day(i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		empty     int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GenerateInvoice(context.Background(), lease.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrNoPendingCharges):
				empty++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 5, empty)
	require.Len(t, repo.invoices, 1)
	for _, c := range repo.charges {
		require.NotNil(t, c.InvoiceID)
	}
	assert.False(t, mr.Exists(shared.LeaseLockKey(lease.ID)), "lock released")
}

func TestGenerateInvoiceFallsBackWhenNumberingUnavailable(t *testing.T) {
	svc, _, lease := newTestService(t)
	fixed := time.UnixMilli(1_767_000_123_456)
	svc.SetNumberer(ChainNumberer{
		Primary:  &sequenceNumbers{err: errors.New("connection refused")},
		Fallback: FallbackNumberer{Now: func() time.Time { return fixed }},
	})
	recordAdjustment(t, svc, lease.ID, "100", day(1))

	res, err := svc.GenerateInvoice(context.Background(), lease.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-L-123456", res.Invoice.Number)
}

func TestGenerateInvoiceRendersDocumentBestEffort(t *testing.T) {
	t.Run("rendered", func(t *testing.T) {
		svc, repo, lease := newTestService(t)
		renderer := &stubRenderer{}
		queue := &stubQueue{}
		svc.SetDocuments(renderer, queue)
		recordAdjustment(t, svc, lease.ID, "100", day(1))

		res, err := svc.GenerateInvoice(context.Background(), lease.ID)
		require.NoError(t, err)
		assert.Empty(t, res.Warnings)
		assert.Equal(t, "/files/invoices/INV-L-2026-0001.pdf", res.Invoice.DocumentURL)
		assert.Equal(t, res.Invoice.DocumentURL, repo.invoices[res.Invoice.ID].DocumentURL)
		assert.Empty(t, queue.enqueued)
	})

	t.Run("renderer down", func(t *testing.T) {
		svc, repo, lease := newTestService(t)
		renderer := &stubRenderer{err: errors.New("gotenberg timeout")}
		queue := &stubQueue{}
		svc.SetDocuments(renderer, queue)
		recordAdjustment(t, svc, lease.ID, "100", day(1))

		res, err := svc.GenerateInvoice(context.Background(), lease.ID)
		require.NoError(t, err, "invoice survives a failed render")
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], depDocuments)
		assert.Empty(t, res.Invoice.DocumentURL)
		assert.Equal(t, []uuid.UUID{res.Invoice.ID}, queue.enqueued)
		assert.Contains(t, repo.invoices, res.Invoice.ID)

		renderer.err = nil
		n, err := svc.SweepMissingDocuments(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.NotEmpty(t, repo.invoices[res.Invoice.ID].DocumentURL)
	})
}

func TestPaymentAllocationDerivesInvoiceStatus(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	_, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)
	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	invoiceID := res.Invoice.ID

	steps := []struct {
		amount string
		paid   string
		status InvoiceStatus
	}{
		{"1000", "1000", InvoicePartiallyPaid},
		{"600", "1600", InvoicePartiallyPaid},
		{"500", "2100", InvoicePaid},
		{"50", "2150", InvoicePaid},
	}
	for _, step := range steps {
		pay, err := svc.RecordPayment(ctx, lease.ID, PaymentInput{
			Amount: dec(step.amount), Method: MethodCash, InvoiceID: &invoiceID,
		})
		require.NoError(t, err)
		assert.True(t, pay.Payment.AllocatedAmount.Equal(pay.Payment.Amount))
		require.Len(t, pay.Invoices, 1)

		inv := repo.invoices[invoiceID]
		assert.True(t, inv.PaidAmount.Equal(dec(step.paid)), "paid %s", inv.PaidAmount)
		assert.Equal(t, step.status, inv.Status)
	}
	for _, c := range repo.charges {
		assert.Equal(t, ChargePaid, c.Status)
		assert.True(t, c.BalanceAmount.IsZero())
	}
	assert.Len(t, repo.allocations, len(steps))
}

func TestUnallocatedPaymentLeavesInvoicesAlone(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	recordAdjustment(t, svc, lease.ID, "100", day(1))
	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)

	pay, err := svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("40"), Method: MethodCreditCard})
	require.NoError(t, err)
	assert.False(t, pay.Payment.Allocated())
	assert.True(t, pay.Payment.AllocatedAmount.IsZero())
	assert.Empty(t, repo.allocations)
	assert.True(t, repo.invoices[res.Invoice.ID].PaidAmount.IsZero())
	assert.Equal(t, day(15), pay.Payment.PaymentDate)
}

func TestRecordPaymentValidation(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	recordAdjustment(t, svc, lease.ID, "100", day(1))
	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	invoiceID := res.Invoice.ID

	cases := map[string]PaymentInput{
		"zero amount":      {Method: MethodCash},
		"unknown method":   {Amount: dec("1"), Method: "crypto"},
		"cheque no number": {Amount: dec("1"), Method: MethodCheque, BankName: "ENBD"},
		"cheque no bank":   {Amount: dec("1"), Method: MethodCheque, ChequeNumber: "000123"},
		"transfer no ref":  {Amount: dec("1"), Method: MethodBankTransfer},
		"foreign invoice":  {Amount: dec("1"), Method: MethodCash, InvoiceID: &invoiceID},
	}
	otherLease := repo.addLease("1500")
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			leaseID := lease.ID
			if name == "foreign invoice" {
				leaseID = otherLease.ID
			}
			_, err := svc.RecordPayment(ctx, leaseID, input)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err = svc.CancelInvoice(ctx, invoiceID)
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("10"), Method: MethodCash, InvoiceID: &invoiceID})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, repo.payments, "no partial write")
}

func TestRecordPaymentIdempotencyKey(t *testing.T) {
	svc, repo, lease := newTestService(t)
	svc.SetIdempotency(&memoryIdempotency{})
	ctx := context.Background()

	missing := uuid.New()
	_, err := svc.RecordPayment(ctx, lease.ID, PaymentInput{
		Amount: dec("10"), Method: MethodCash, InvoiceID: &missing, IdempotencyKey: "pay-1",
	})
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	input := PaymentInput{Amount: dec("10"), Method: MethodCash, IdempotencyKey: "pay-1"}
	_, err = svc.RecordPayment(ctx, lease.ID, input)
	require.NoError(t, err, "failed attempt released the key")

	_, err = svc.RecordPayment(ctx, lease.ID, input)
	require.ErrorIs(t, err, ErrDuplicatePayment)
	require.ErrorIs(t, err, httpx.ErrDuplicate)
	assert.Len(t, repo.payments, 1)
}

func TestRecordPaymentReceiptStorage(t *testing.T) {
	t.Run("stored", func(t *testing.T) {
		svc, repo, lease := newTestService(t)
		receipts := &stubReceipts{}
		svc.SetReceiptStore(receipts)
		pay, err := svc.RecordPayment(context.Background(), lease.ID, PaymentInput{
			Amount: dec("10"), Method: MethodCash,
			Receipt: &ReceiptUpload{Filename: "Receipt.PDF", Data: []byte("%PDF-1.7")},
		})
		require.NoError(t, err)
		require.Len(t, receipts.keys, 1)
		assert.True(t, strings.HasPrefix(receipts.keys[0], "payment-receipts/"+lease.ID.String()+"/"))
		assert.True(t, strings.HasSuffix(receipts.keys[0], ".pdf"))
		assert.Equal(t, "/files/"+receipts.keys[0], pay.Payment.ReceiptURL)
		assert.Equal(t, pay.Payment.ReceiptURL, repo.payments[pay.Payment.ID].ReceiptURL)
		assert.Empty(t, pay.Warnings)
	})

	t.Run("rejected payment stores nothing", func(t *testing.T) {
		svc, repo, lease := newTestService(t)
		receipts := &stubReceipts{}
		svc.SetReceiptStore(receipts)
		other := repo.addLease("1500")
		recordAdjustment(t, svc, other.ID, "100", day(1))
		res, err := svc.GenerateInvoice(context.Background(), other.ID)
		require.NoError(t, err)

		_, err = svc.RecordPayment(context.Background(), lease.ID, PaymentInput{
			Amount: dec("10"), Method: MethodCash, InvoiceID: &res.Invoice.ID,
			Receipt: &ReceiptUpload{Filename: "r.pdf", Data: []byte("%PDF-1.7")},
		})
		require.ErrorIs(t, err, ErrValidation)
		assert.Empty(t, receipts.keys)
		assert.Empty(t, repo.payments)
	})

	t.Run("storage down", func(t *testing.T) {
		svc, repo, lease := newTestService(t)
		svc.SetReceiptStore(&stubReceipts{err: errors.New("disk full")})
		pay, err := svc.RecordPayment(context.Background(), lease.ID, PaymentInput{
			Amount: dec("10"), Method: MethodCash,
			Receipt: &ReceiptUpload{Filename: "r.jpg", Data: []byte{0xff, 0xd8}},
		})
		require.NoError(t, err)
		assert.Empty(t, pay.Payment.ReceiptURL)
		require.Len(t, pay.Warnings, 1)
		assert.Contains(t, pay.Warnings[0], depReceipts)
		assert.Len(t, repo.payments, 1)
	})
}

func TestUpdatePaymentReversesPriorAllocation(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()

	recordAdjustment(t, svc, lease.ID, "2100", day(1))
	first, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	recordAdjustment(t, svc, lease.ID, "500", day(2))
	second, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	inv1, inv2 := first.Invoice.ID, second.Invoice.ID

	pay, err := svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("2100"), Method: MethodCash, InvoiceID: &inv1})
	require.NoError(t, err)
	require.Equal(t, InvoicePaid, repo.invoices[inv1].Status)
	paymentID := pay.Payment.ID

	amount := dec("1000")
	_, err = svc.UpdatePayment(ctx, paymentID, PaymentUpdate{Amount: &amount})
	require.NoError(t, err)
	assert.True(t, repo.invoices[inv1].PaidAmount.Equal(dec("1000")))
	assert.Equal(t, InvoicePartiallyPaid, repo.invoices[inv1].Status)
	for _, c := range repo.charges {
		if c.InvoiceID != nil && *c.InvoiceID == inv1 {
			assert.Equal(t, ChargeInvoiced, c.Status, "paid charges revert with the invoice")
		}
	}

	res, err := svc.UpdatePayment(ctx, paymentID, PaymentUpdate{Retarget: true, InvoiceID: &inv2})
	require.NoError(t, err)
	assert.Len(t, res.Invoices, 2)
	assert.True(t, repo.invoices[inv1].PaidAmount.IsZero())
	assert.Equal(t, InvoicePending, repo.invoices[inv1].Status)
	assert.True(t, repo.invoices[inv2].PaidAmount.Equal(dec("1000")))
	assert.Equal(t, InvoicePaid, repo.invoices[inv2].Status)

	res, err = svc.UpdatePayment(ctx, paymentID, PaymentUpdate{Retarget: true})
	require.NoError(t, err)
	assert.False(t, res.Payment.Allocated())
	assert.True(t, res.Payment.AllocatedAmount.IsZero())
	assert.True(t, repo.invoices[inv2].PaidAmount.IsZero())

	allocs, err := svc.ListAllocations(ctx, paymentID)
	require.NoError(t, err)
	var got []string
	for _, a := range allocs {
		got = append(got, a.AllocatedAmount.String())
	}
	assert.Equal(t, []string{"2100", "-2100", "1000", "-1000", "1000", "-1000"}, got)

	notes := "received at branch"
	res, err = svc.UpdatePayment(ctx, paymentID, PaymentUpdate{Notes: &notes})
	require.NoError(t, err)
	assert.Empty(t, res.Invoices)
	allocs, err = svc.ListAllocations(ctx, paymentID)
	require.NoError(t, err)
	assert.Len(t, allocs, 6, "field-only edits leave the allocation log alone")
}

func TestUpdatePaymentRejectsCancelledTarget(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	recordAdjustment(t, svc, lease.ID, "100", day(1))
	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	_, err = svc.CancelInvoice(ctx, res.Invoice.ID)
	require.NoError(t, err)

	pay, err := svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("100"), Method: MethodCash})
	require.NoError(t, err)
	_, err = svc.UpdatePayment(ctx, pay.Payment.ID, PaymentUpdate{Retarget: true, InvoiceID: &res.Invoice.ID})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Nil(t, repo.payments[pay.Payment.ID].InvoiceID)
}

func TestBalanceExcludesCancelledRecords(t *testing.T) {
	svc, _, lease := newTestService(t)
	ctx := context.Background()

	recordAdjustment(t, svc, lease.ID, "300", day(1))
	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	invoiceID := res.Invoice.ID
	_, err = svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("100"), Method: MethodCash, InvoiceID: &invoiceID})
	require.NoError(t, err)
	loose := recordAdjustment(t, svc, lease.ID, "50", day(5))

	bal, err := svc.ComputeOutstandingBalance(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, bal.InvoicedOutstanding.Equal(dec("200")))
	assert.True(t, bal.UnbilledOutstanding.Equal(dec("50")))
	assert.True(t, bal.Outstanding.Equal(dec("250")))

	_, err = svc.CancelCharge(ctx, loose.ID)
	require.NoError(t, err)
	bal, err = svc.ComputeOutstandingBalance(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, bal.Outstanding.Equal(dec("200")))

	recordAdjustment(t, svc, lease.ID, "80", day(6))
	res, err = svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	bal, err = svc.ComputeOutstandingBalance(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, bal.Outstanding.Equal(dec("280")))

	_, err = svc.CancelInvoice(ctx, res.Invoice.ID)
	require.NoError(t, err)
	bal, err = svc.ComputeOutstandingBalance(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, bal.Outstanding.Equal(dec("200")))

	_, err = svc.ComputeOutstandingBalance(ctx, uuid.New())
	require.ErrorIs(t, err, ErrLeaseNotFound)
}

func TestBalanceReadsOneSnapshot(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	recordAdjustment(t, svc, lease.ID, "100", day(1))

	var wg sync.WaitGroup
	repo.betweenReads = func(r *memoryRepo) {
		r.betweenReads = nil
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GenerateInvoice(ctx, lease.ID)
			assert.NoError(t, err)
		}()
	}

	bal, err := svc.ComputeOutstandingBalance(ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Outstanding.String(), "invoicing between the reads is not observed")
	assert.Equal(t, "100", bal.UnbilledOutstanding.String())

	wg.Wait()
	bal, err = svc.ComputeOutstandingBalance(ctx, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Outstanding.String())
	assert.Equal(t, "100", bal.InvoicedOutstanding.String())
	assert.True(t, bal.UnbilledOutstanding.IsZero())
}

func TestSweepMissingDocumentsRendersEachInvoice(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	leases := []Lease{lease, repo.addLease("1500"), repo.addLease("1800"), repo.addLease("900"), repo.addLease("1200"), repo.addLease("700")}
	for _, l := range leases {
		recordAdjustment(t, svc, l.ID, "100", day(1))
		_, err := svc.GenerateInvoice(ctx, l.ID)
		require.NoError(t, err)
	}
	renderer := &stubRenderer{}
	svc.SetDocuments(renderer, nil)

	n, err := svc.SweepMissingDocuments(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, len(leases), n)
	assert.Equal(t, len(leases), renderer.calls)
	for _, inv := range repo.invoices {
		assert.NotEmpty(t, inv.DocumentURL, inv.Number)
	}

	n, err = svc.SweepMissingDocuments(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutstandingBalanceTreatsMissingTotalAsZero(t *testing.T) {
	charges := []Charge{
		{Status: ChargePending, Amount: dec("100"), VATAmount: dec("5")},
		{Status: ChargePending, TotalAmount: dec("40")},
		{Status: ChargePaid, TotalAmount: dec("999")},
	}
	invoices := []Invoice{
		{Status: InvoiceOverdue, TotalAmount: dec("500"), PaidAmount: dec("0")},
		{Status: InvoiceCancelled, TotalAmount: dec("700")},
	}
	invoiced, unbilled := OutstandingBalance(invoices, charges)
	assert.True(t, invoiced.Equal(dec("500")))
	assert.True(t, unbilled.Equal(dec("40")))
}

func TestStatementRunningBalanceIsLeftFold(t *testing.T) {
	lines := StatementLines(
		[]Charge{
			{ID: uuid.New(), TransactionDate: day(1), TotalAmount: dec("100"), Status: ChargePending},
			{ID: uuid.New(), TransactionDate: day(3), TotalAmount: dec("50"), Status: ChargePending},
		},
		[]Payment{{ID: uuid.New(), PaymentDate: day(2), Amount: dec("80"), Method: MethodCash}},
	)
	require.Len(t, lines, 3)
	var running []string
	for _, l := range lines {
		running = append(running, l.RunningBalance.String())
	}
	assert.Equal(t, []string{"100", "20", "70"}, running)
	assert.Equal(t, "Payment - cash", lines[1].Description)
	assert.True(t, lines[1].Amount.Equal(dec("-80")))
}

func TestBuildStatementOrdersTiesAndSkipsCancelled(t *testing.T) {
	svc, _, lease := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("30"), Method: MethodCash, PaymentDate: day(4)})
	require.NoError(t, err)
	recordAdjustment(t, svc, lease.ID, "100", day(4))
	dropped := recordAdjustment(t, svc, lease.ID, "999", day(2))
	_, err = svc.CancelCharge(ctx, dropped.ID)
	require.NoError(t, err)

	st, err := svc.BuildStatement(ctx, lease.ID)
	require.NoError(t, err)
	require.Len(t, st.Lines, 2)
	assert.Equal(t, LineCharge, st.Lines[0].Kind, "charges sort before payments on the same date")
	assert.Equal(t, LinePayment, st.Lines[1].Kind)
	assert.True(t, st.ClosingBalance.Equal(dec("70")))

	bal, err := svc.ComputeOutstandingBalance(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, bal.UnbilledOutstanding.Equal(dec("100")))

	var buf strings.Builder
	require.NoError(t, WriteStatementCSV(&buf, st))
	rows := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, rows, 3)
	assert.Equal(t, "date,kind,type,description,reference,status,amount,running_balance", rows[0])
	assert.Equal(t, "2026-03-04,payment,payment,Payment - cash,,,-30.00,70.00", rows[2])
}

func TestSameDayChargeLeadsPaymentOnStatement(t *testing.T) {
	svc, _, lease := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordCharge(ctx, lease.ID, ChargeInput{Type: ChargeAdjustment, Amount: dec("100")})
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("80"), Method: MethodCash})
	require.NoError(t, err)

	st, err := svc.BuildStatement(ctx, lease.ID)
	require.NoError(t, err)
	require.Len(t, st.Lines, 2)
	assert.Equal(t, LineCharge, st.Lines[0].Kind)
	assert.Equal(t, "100", st.Lines[0].RunningBalance.String())
	assert.Equal(t, LinePayment, st.Lines[1].Kind)
	assert.Equal(t, "20", st.Lines[1].RunningBalance.String())
}

func TestChargeLifecycleGuards(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	rental, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)

	amount := dec("2400")
	updated, err := svc.UpdateCharge(ctx, rental.ID, ChargeUpdate{Amount: &amount})
	require.NoError(t, err)
	assert.True(t, updated.VATAmount.Equal(dec("120")))
	assert.True(t, updated.TotalAmount.Equal(dec("2520")))

	_, err = svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	err = svc.DeleteCharge(ctx, rental.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, repo.charges, rental.ID)

	loose := recordAdjustment(t, svc, lease.ID, "10", day(3))
	require.NoError(t, svc.DeleteCharge(ctx, loose.ID))
	assert.NotContains(t, repo.charges, loose.ID)

	fine := recordAdjustment(t, svc, lease.ID, "10", day(3))
	_, err = svc.CancelCharge(ctx, fine.ID)
	require.NoError(t, err)
	desc := "edited"
	_, err = svc.UpdateCharge(ctx, fine.ID, ChargeUpdate{Description: &desc})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.UpdateCharge(ctx, uuid.New(), ChargeUpdate{Description: &desc})
	require.ErrorIs(t, err, ErrChargeNotFound)
}

func TestInvoiceEditsAndCancellation(t *testing.T) {
	svc, _, lease := newTestService(t)
	ctx := context.Background()
	recordAdjustment(t, svc, lease.ID, "100", day(1))
	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	id := res.Invoice.ID

	early := day(1)
	_, err = svc.UpdateInvoice(ctx, id, InvoiceUpdate{DueDate: &early})
	require.ErrorIs(t, err, ErrValidation)

	later := res.Invoice.DueDate.AddDate(0, 0, 15)
	notes := "extended by agreement"
	inv, err := svc.UpdateInvoice(ctx, id, InvoiceUpdate{DueDate: &later, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, later, inv.DueDate)
	assert.Equal(t, notes, inv.Notes)

	_, err = svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("10"), Method: MethodCash, InvoiceID: &id})
	require.NoError(t, err)
	_, err = svc.CancelInvoice(ctx, id)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelInvoiceCancelsLinkedCharges(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	charge := recordAdjustment(t, svc, lease.ID, "100", day(1))
	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)

	inv, err := svc.CancelInvoice(ctx, res.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceCancelled, inv.Status)
	require.Equal(t, ChargeCancelled, repo.charges[charge.ID].Status)

	bal, err := svc.ComputeOutstandingBalance(ctx, lease.ID)
	require.NoError(t, err)
	st, err := svc.BuildStatement(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, bal.Outstanding.IsZero())
	assert.Empty(t, st.Lines)
	assert.True(t, st.ClosingBalance.IsZero())
}

func TestMarkOverdueFlagsUnpaidPastDue(t *testing.T) {
	svc, repo, lease := newTestService(t)
	ctx := context.Background()
	recordAdjustment(t, svc, lease.ID, "100", day(1))
	unpaid, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	recordAdjustment(t, svc, lease.ID, "100", day(2))
	partial, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	partialID := partial.Invoice.ID
	_, err = svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("10"), Method: MethodCash, InvoiceID: &partialID})
	require.NoError(t, err)

	n, err := svc.MarkOverdue(ctx, testNow.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.MarkOverdue(ctx, testNow.AddDate(0, 0, 45))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, InvoiceOverdue, repo.invoices[unpaid.Invoice.ID].Status)
	assert.Equal(t, InvoicePartiallyPaid, repo.invoices[partialID].Status)

	unpaidID := unpaid.Invoice.ID
	_, err = svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("100"), Method: MethodCash, InvoiceID: &unpaidID})
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, repo.invoices[unpaidID].Status)
}

func TestAuditTrailCarriesActor(t *testing.T) {
	svc, _, lease := newTestService(t)
	audit := &memoryAudit{}
	svc.SetAudit(audit)
	ctx := shared.ContextWithActor(context.Background(), "cashier@dealer")

	_, err := svc.RecordMonthlyRental(ctx, lease.ID)
	require.NoError(t, err)
	res, err := svc.GenerateInvoice(ctx, lease.ID)
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, lease.ID, PaymentInput{Amount: dec("10"), Method: MethodCash, InvoiceID: &res.Invoice.ID})
	require.NoError(t, err)

	assert.Equal(t, []string{"charge.recorded", "invoice.generated", "payment.recorded"}, audit.actions())
	for _, l := range audit.logs {
		assert.Equal(t, "cashier@dealer", l.Actor)
	}
}
