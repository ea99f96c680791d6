package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// GenerateInvoice consolidates every pending, unbilled charge of the lease
// into one invoice. The snapshot, invoice insert and charge claim commit
// together; document rendering runs afterwards and never unwinds the invoice.
func (s *Service) GenerateInvoice(ctx context.Context, leaseID uuid.UUID) (InvoiceResult, error) {
	var (
		lease   Lease
		invoice Invoice
		charges []Charge
	)
	err := s.withLeaseLock(ctx, leaseID, func(ctx context.Context, tx TxRepository) error {
		var err error
		lease, err = tx.GetLease(ctx, leaseID)
		if err != nil {
			return err
		}
		charges, err = tx.PendingChargesForUpdate(ctx, leaseID)
		if err != nil {
			return err
		}
		if len(charges) == 0 {
			return ErrNoPendingCharges
		}
		number, err := s.numberer.Next(ctx)
		if err != nil {
			return fmt.Errorf("ledger: invoice number: %w", err)
		}

		now := s.now()
		invoiceDate := dateOnly(now)
		invoice = Invoice{
			ID:                 uuid.New(),
			LeaseID:            leaseID,
			Number:             number,
			InvoiceDate:        invoiceDate,
			DueDate:            s.dueFrom(invoiceDate),
			BillingPeriodStart: invoiceDate,
			BillingPeriodEnd:   s.dueFrom(invoiceDate),
			PaidAmount:         decimal.Zero,
			Status:             InvoicePending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		ids := make([]uuid.UUID, 0, len(charges))
		for _, c := range charges {
			invoice.Subtotal = invoice.Subtotal.Add(c.Amount)
			invoice.VATAmount = invoice.VATAmount.Add(c.VATAmount)
			ids = append(ids, c.ID)
		}
		invoice.TotalAmount = invoice.Subtotal.Add(invoice.VATAmount)

		if err := tx.InsertInvoice(ctx, invoice); err != nil {
			return err
		}
		claimed, err := tx.ClaimCharges(ctx, invoice, ids)
		if err != nil {
			return err
		}
		if claimed != int64(len(ids)) {
			s.metrics.InvoiceConflict()
			return ErrConcurrentInvoice
		}
		return nil
	})
	if err != nil {
		return InvoiceResult{}, err
	}

	for i := range charges {
		charges[i].Status = ChargeInvoiced
		charges[i].InvoiceID = &invoice.ID
		charges[i].InvoiceNumber = invoice.Number
		charges[i].UpdatedAt = invoice.CreatedAt
	}
	result := InvoiceResult{Invoice: invoice, Charges: charges}

	total, _ := invoice.TotalAmount.Float64()
	s.metrics.InvoiceGenerated(total)
	s.logger.InfoContext(ctx, "ledger: invoice generated",
		slog.String("lease_id", leaseID.String()),
		slog.String("invoice_number", invoice.Number),
		slog.Int("charges", len(charges)),
		slog.String("total", invoice.TotalAmount.String()))
	s.record(ctx, "invoice.generated", "ledger_invoice", invoice.ID, map[string]any{
		"lease_id": leaseID.String(),
		"number":   invoice.Number,
		"charges":  len(charges),
		"total":    invoice.TotalAmount.String(),
	})

	result.Invoice.DocumentURL, result.Warnings = s.attachDocument(ctx, lease, invoice, charges)
	return result, nil
}

// attachDocument renders synchronously and queues a retry when that fails.
func (s *Service) attachDocument(ctx context.Context, lease Lease, invoice Invoice, charges []Charge) (string, []string) {
	var warnings []string
	if s.renderer != nil {
		url, err := s.renderer.RenderInvoice(ctx, lease, invoice, charges)
		if err == nil {
			if err = s.repo.SetInvoiceDocument(ctx, invoice.ID, url); err == nil {
				return url, nil
			}
		}
		warnings = append(warnings, s.degrade(ctx, depDocuments, err))
	}
	if s.queue != nil {
		if err := s.queue.EnqueueInvoiceDocument(ctx, invoice.ID); err != nil {
			warnings = append(warnings, s.degrade(ctx, depQueue, err))
		}
	}
	return "", warnings
}

// RenderInvoiceDocument renders and stores the document of an existing invoice.
func (s *Service) RenderInvoiceDocument(ctx context.Context, invoiceID uuid.UUID) (string, error) {
	if s.renderer == nil {
		return "", fmt.Errorf("ledger: document renderer not configured")
	}
	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	lease, err := s.repo.GetLease(ctx, invoice.LeaseID)
	if err != nil {
		return "", err
	}
	charges, err := s.repo.ListInvoiceCharges(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	url, err := s.renderer.RenderInvoice(ctx, lease, invoice, charges)
	if err != nil {
		return "", fmt.Errorf("ledger: render invoice %s: %w", invoice.Number, err)
	}
	if err := s.repo.SetInvoiceDocument(ctx, invoiceID, url); err != nil {
		return "", err
	}
	return url, nil
}

// sweepConcurrency bounds parallel renders against the PDF service.
const sweepConcurrency = 4

// SweepMissingDocuments renders up to limit invoices still lacking a document.
func (s *Service) SweepMissingDocuments(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	invoices, err := s.repo.ListInvoicesMissingDocument(ctx, limit)
	if err != nil {
		return 0, err
	}
	var rendered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, inv := range invoices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := s.RenderInvoiceDocument(gctx, inv.ID); err != nil {
				s.logger.WarnContext(gctx, "ledger: document sweep", slog.String("invoice_id", inv.ID.String()), slog.Any("error", err))
				return nil
			}
			rendered.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(rendered.Load()), err
}

// GetInvoice returns an invoice with the charges it consolidated.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (InvoiceResult, error) {
	invoice, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return InvoiceResult{}, err
	}
	charges, err := s.repo.ListInvoiceCharges(ctx, id)
	if err != nil {
		return InvoiceResult{}, err
	}
	return InvoiceResult{Invoice: invoice, Charges: charges}, nil
}

// ListInvoices returns the invoices of a lease, newest first.
func (s *Service) ListInvoices(ctx context.Context, leaseID uuid.UUID) ([]Invoice, error) {
	return s.repo.ListInvoices(ctx, leaseID)
}

// UpdateInvoice edits invoice dates and notes. Amounts are derived and not editable.
func (s *Service) UpdateInvoice(ctx context.Context, id uuid.UUID, upd InvoiceUpdate) (Invoice, error) {
	current, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	var invoice Invoice
	err = s.withLeaseLock(ctx, current.LeaseID, func(ctx context.Context, tx TxRepository) error {
		invoice, err = tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if invoice.Status == InvoiceCancelled {
			return fmt.Errorf("invoice %s is cancelled: %w", invoice.Number, ErrInvalidState)
		}
		if upd.InvoiceDate != nil {
			invoice.InvoiceDate = dateOnly(*upd.InvoiceDate)
		}
		if upd.DueDate != nil {
			invoice.DueDate = dateOnly(*upd.DueDate)
		}
		if upd.BillingPeriodStart != nil {
			invoice.BillingPeriodStart = dateOnly(*upd.BillingPeriodStart)
		}
		if upd.BillingPeriodEnd != nil {
			invoice.BillingPeriodEnd = dateOnly(*upd.BillingPeriodEnd)
		}
		if upd.Notes != nil {
			invoice.Notes = *upd.Notes
		}
		if invoice.DueDate.Before(invoice.InvoiceDate) {
			return invalid("due_date", "must not be before the invoice date")
		}
		if invoice.BillingPeriodEnd.Before(invoice.BillingPeriodStart) {
			return invalid("billing_period_end", "must not be before the period start")
		}
		now := s.now()
		invoice.Status = deriveInvoiceStatus(invoice, now)
		invoice.UpdatedAt = now
		return tx.UpdateInvoice(ctx, invoice)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, "invoice.updated", "ledger_invoice", invoice.ID, nil)
	return invoice, nil
}

// CancelInvoice removes an unpaid invoice from the outstanding balance.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	current, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	var invoice Invoice
	err = s.withLeaseLock(ctx, current.LeaseID, func(ctx context.Context, tx TxRepository) error {
		invoice, err = tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if invoice.Status == InvoiceCancelled {
			return nil
		}
		if invoice.PaidAmount.IsPositive() {
			return fmt.Errorf("invoice %s has payments allocated: %w", invoice.Number, ErrInvalidState)
		}
		invoice.Status = InvoiceCancelled
		invoice.UpdatedAt = s.now()
		if err := tx.UpdateInvoice(ctx, invoice); err != nil {
			return err
		}
		return tx.SetInvoiceChargesStatus(ctx, invoice.ID, ChargeInvoiced, ChargeCancelled)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, "invoice.cancelled", "ledger_invoice", invoice.ID, map[string]any{"number": invoice.Number})
	return invoice, nil
}

// MarkOverdue flags unpaid invoices whose due date passed before asOf.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	n, err := s.repo.MarkOverdue(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "ledger: invoices marked overdue", slog.Int64("count", n))
	}
	return n, nil
}

// deriveInvoiceStatus applies paid iff paid >= total, partially_paid iff
// 0 < paid < total; unpaid invoices are overdue once past due.
func deriveInvoiceStatus(inv Invoice, now time.Time) InvoiceStatus {
	if inv.Status == InvoiceCancelled {
		return InvoiceCancelled
	}
	switch {
	case inv.PaidAmount.GreaterThanOrEqual(inv.TotalAmount) && inv.PaidAmount.IsPositive():
		return InvoicePaid
	case inv.PaidAmount.IsPositive():
		return InvoicePartiallyPaid
	case inv.DueDate.Before(dateOnly(now)):
		return InvoiceOverdue
	default:
		return InvoicePending
	}
}
