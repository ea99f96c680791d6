package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OutstandingBalance sums unpaid invoice amounts over non-cancelled invoices
// and the totals of charges not yet consolidated into an invoice.
func OutstandingBalance(invoices []Invoice, charges []Charge) (invoiced, unbilled decimal.Decimal) {
	for _, inv := range invoices {
		if inv.Status == InvoiceCancelled {
			continue
		}
		invoiced = invoiced.Add(inv.TotalAmount.Sub(inv.PaidAmount))
	}
	for _, c := range charges {
		if c.InvoiceID != nil || c.Status == ChargeCancelled || c.Status == ChargePaid {
			continue
		}
		// A zero value stands in for a total that was never populated.
		unbilled = unbilled.Add(c.TotalAmount)
	}
	return invoiced, unbilled
}

// ComputeOutstandingBalance derives the amount currently owed on a lease.
func (s *Service) ComputeOutstandingBalance(ctx context.Context, leaseID uuid.UUID) (Balance, error) {
	var (
		invoices []Invoice
		charges  []Charge
	)
	// Invoices and charges come from one snapshot so a concurrent
	// consolidation is seen either entirely or not at all.
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetLease(ctx, leaseID); err != nil {
			return err
		}
		var err error
		if invoices, err = tx.ListInvoices(ctx, leaseID); err != nil {
			return err
		}
		charges, err = tx.ListCharges(ctx, leaseID, ChargeFilter{})
		return err
	})
	if err != nil {
		return Balance{}, err
	}
	invoiced, unbilled := OutstandingBalance(invoices, charges)
	return Balance{
		LeaseID:             leaseID,
		Outstanding:         invoiced.Add(unbilled),
		InvoicedOutstanding: invoiced,
		UnbilledOutstanding: unbilled,
		AsOf:                s.now(),
	}, nil
}
