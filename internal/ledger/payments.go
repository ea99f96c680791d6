package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// PaymentIdempotencyModule scopes payment idempotency keys.
const PaymentIdempotencyModule = "ledger.payments"

// RecordPayment stores a payment and, when it targets an invoice, allocates
// the full amount to it and re-derives the invoice status.
func (s *Service) RecordPayment(ctx context.Context, leaseID uuid.UUID, input PaymentInput) (result PaymentResult, err error) {
	if err := validatePayment(input.Amount, input.Method, input.ChequeNumber, input.BankName, input.Reference); err != nil {
		return PaymentResult{}, err
	}

	if key := strings.TrimSpace(input.IdempotencyKey); key != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, PaymentIdempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return PaymentResult{}, ErrDuplicatePayment
			}
			return PaymentResult{}, err
		}
		defer func() {
			if err == nil {
				return
			}
			if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), key, PaymentIdempotencyModule); delErr != nil {
				s.logger.WarnContext(ctx, "ledger: release idempotency key", slog.Any("error", delErr))
			}
		}()
	}

	now := s.now()
	payment := Payment{
		ID:           uuid.New(),
		LeaseID:      leaseID,
		InvoiceID:    input.InvoiceID,
		PaymentDate:  input.PaymentDate,
		Amount:       round(input.Amount),
		Method:       input.Method,
		BankName:     strings.TrimSpace(input.BankName),
		ChequeNumber: strings.TrimSpace(input.ChequeNumber),
		Reference:    strings.TrimSpace(input.Reference),
		Notes:        input.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if payment.PaymentDate.IsZero() {
		payment.PaymentDate = now
	}
	payment.PaymentDate = dateOnly(payment.PaymentDate)

	err = s.withLeaseLock(ctx, leaseID, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetLease(ctx, leaseID); err != nil {
			return err
		}
		var target *Invoice
		if payment.InvoiceID != nil {
			inv, err := s.allocatableInvoice(ctx, tx, leaseID, *payment.InvoiceID)
			if err != nil {
				return err
			}
			target = &inv
			payment.AllocatedAmount = payment.Amount
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		if target == nil {
			return nil
		}
		inv, err := s.allocate(ctx, tx, payment, *target, payment.Amount)
		if err != nil {
			return err
		}
		result.Invoices = append(result.Invoices, inv)
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}

	if input.Receipt != nil && len(input.Receipt.Data) > 0 {
		url, warn := s.attachReceipt(ctx, payment, *input.Receipt)
		payment.ReceiptURL = url
		if warn != "" {
			result.Warnings = append(result.Warnings, warn)
		}
	}
	result.Payment = payment
	s.metrics.PaymentRecorded(string(payment.Method), payment.Allocated())
	s.record(ctx, "payment.recorded", "ledger_payment", payment.ID, map[string]any{
		"lease_id":  leaseID.String(),
		"amount":    payment.Amount.String(),
		"allocated": payment.Allocated(),
	})
	return result, nil
}

// UpdatePayment edits a payment. A change of amount or target first reverses
// the prior allocation on the old invoice, then applies the new one; both
// movements are logged as allocation records.
func (s *Service) UpdatePayment(ctx context.Context, id uuid.UUID, upd PaymentUpdate) (PaymentResult, error) {
	current, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return PaymentResult{}, err
	}
	var result PaymentResult
	err = s.withLeaseLock(ctx, current.LeaseID, func(ctx context.Context, tx TxRepository) error {
		payment, err := tx.GetPaymentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		prevTarget := payment.InvoiceID
		prevAllocated := payment.AllocatedAmount

		if upd.PaymentDate != nil {
			payment.PaymentDate = dateOnly(*upd.PaymentDate)
		}
		if upd.Amount != nil {
			payment.Amount = round(*upd.Amount)
		}
		if upd.Method != nil {
			payment.Method = *upd.Method
		}
		if upd.BankName != nil {
			payment.BankName = strings.TrimSpace(*upd.BankName)
		}
		if upd.ChequeNumber != nil {
			payment.ChequeNumber = strings.TrimSpace(*upd.ChequeNumber)
		}
		if upd.Reference != nil {
			payment.Reference = strings.TrimSpace(*upd.Reference)
		}
		if upd.Notes != nil {
			payment.Notes = *upd.Notes
		}
		if upd.Retarget {
			payment.InvoiceID = upd.InvoiceID
		}
		if err := validatePayment(payment.Amount, payment.Method, payment.ChequeNumber, payment.BankName, payment.Reference); err != nil {
			return err
		}

		moved := !sameInvoice(prevTarget, payment.InvoiceID) || !payment.Amount.Equal(prevAllocated)
		if payment.InvoiceID != nil && moved {
			if _, err := s.allocatableInvoice(ctx, tx, payment.LeaseID, *payment.InvoiceID); err != nil {
				return err
			}
		}

		payment.AllocatedAmount = decimal.Zero
		if payment.InvoiceID != nil {
			payment.AllocatedAmount = payment.Amount
		}
		payment.UpdatedAt = s.now()
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		if moved && prevTarget != nil && prevAllocated.IsPositive() {
			inv, err := tx.GetInvoiceForUpdate(ctx, *prevTarget)
			if err != nil {
				return err
			}
			inv, err = s.allocate(ctx, tx, payment, inv, prevAllocated.Neg())
			if err != nil {
				return err
			}
			if payment.InvoiceID == nil || *payment.InvoiceID != inv.ID {
				result.Invoices = append(result.Invoices, inv)
			}
		}
		if moved && payment.InvoiceID != nil {
			inv, err := tx.GetInvoiceForUpdate(ctx, *payment.InvoiceID)
			if err != nil {
				return err
			}
			inv, err = s.allocate(ctx, tx, payment, inv, payment.AllocatedAmount)
			if err != nil {
				return err
			}
			result.Invoices = append(result.Invoices, inv)
		}
		result.Payment = payment
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	s.record(ctx, "payment.updated", "ledger_payment", id, map[string]any{
		"amount":    result.Payment.Amount.String(),
		"allocated": result.Payment.Allocated(),
	})
	return result, nil
}

// GetPayment returns one payment.
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// ListPayments returns the payments of a lease.
func (s *Service) ListPayments(ctx context.Context, leaseID uuid.UUID) ([]Payment, error) {
	return s.repo.ListPayments(ctx, leaseID)
}

// ListAllocations returns the allocation log of a payment.
func (s *Service) ListAllocations(ctx context.Context, paymentID uuid.UUID) ([]Allocation, error) {
	return s.repo.ListAllocations(ctx, paymentID)
}

func (s *Service) allocatableInvoice(ctx context.Context, tx TxRepository, leaseID, invoiceID uuid.UUID) (Invoice, error) {
	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if inv.LeaseID != leaseID {
		return Invoice{}, invalid("invoice_id", "belongs to another lease")
	}
	if inv.Status == InvoiceCancelled {
		return Invoice{}, fmt.Errorf("invoice %s is cancelled: %w", inv.Number, ErrInvalidState)
	}
	return inv, nil
}

// allocate moves delta onto the invoice paid amount, logs the allocation and
// keeps the invoice charges in step with the paid status.
func (s *Service) allocate(ctx context.Context, tx TxRepository, payment Payment, inv Invoice, delta decimal.Decimal) (Invoice, error) {
	now := s.now()
	invoiceID := inv.ID
	if err := tx.InsertAllocation(ctx, Allocation{
		ID:              uuid.New(),
		PaymentID:       payment.ID,
		InvoiceID:       &invoiceID,
		AllocatedAmount: delta,
		AllocationDate:  dateOnly(now),
		CreatedAt:       now,
	}); err != nil {
		return Invoice{}, err
	}

	wasPaid := inv.Status == InvoicePaid
	inv.PaidAmount = inv.PaidAmount.Add(delta)
	if inv.PaidAmount.IsNegative() {
		inv.PaidAmount = decimal.Zero
	}
	inv.Status = deriveInvoiceStatus(inv, now)
	inv.UpdatedAt = now
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return Invoice{}, err
	}
	switch isPaid := inv.Status == InvoicePaid; {
	case isPaid && !wasPaid:
		return inv, tx.SetInvoiceChargesStatus(ctx, inv.ID, ChargeInvoiced, ChargePaid)
	case wasPaid && !isPaid:
		return inv, tx.SetInvoiceChargesStatus(ctx, inv.ID, ChargePaid, ChargeInvoiced)
	}
	return inv, nil
}

// attachReceipt stores the receipt of a committed payment and links it.
// Failures leave the payment without a receipt URL.
func (s *Service) attachReceipt(ctx context.Context, payment Payment, receipt ReceiptUpload) (string, string) {
	url, warn := s.storeReceipt(ctx, payment.LeaseID, receipt)
	if url == "" {
		return "", warn
	}
	if err := s.repo.SetPaymentReceipt(ctx, payment.ID, url); err != nil {
		return "", s.degrade(ctx, depReceipts, err)
	}
	return url, ""
}

func (s *Service) storeReceipt(ctx context.Context, leaseID uuid.UUID, receipt ReceiptUpload) (string, string) {
	if s.receipts == nil {
		return "", ""
	}
	sum := blake2b.Sum256(receipt.Data)
	ext := strings.ToLower(path.Ext(receipt.Filename))
	if ext == "" {
		ext = ".bin"
	}
	key := fmt.Sprintf("payment-receipts/%s/%s%s", leaseID, hex.EncodeToString(sum[:]), ext)
	url, err := s.receipts.Put(ctx, key, receipt.Data)
	if err != nil {
		return "", s.degrade(ctx, depReceipts, err)
	}
	return url, ""
}

func validatePayment(amount decimal.Decimal, method PaymentMethod, chequeNumber, bankName, reference string) error {
	if !amount.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	if !method.Valid() {
		return invalid("payment_method", "is not an accepted method")
	}
	switch method {
	case MethodCheque:
		if strings.TrimSpace(chequeNumber) == "" {
			return invalid("cheque_number", "is required for cheque payments")
		}
		if strings.TrimSpace(bankName) == "" {
			return invalid("bank_name", "is required for cheque payments")
		}
	case MethodBankTransfer:
		if strings.TrimSpace(reference) == "" {
			return invalid("reference", "is required for bank transfers")
		}
	}
	return nil
}

func sameInvoice(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
