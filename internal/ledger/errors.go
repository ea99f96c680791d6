package ledger

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("ledger: validation failed")

	ErrNotFound        = fmt.Errorf("ledger: %w", httpx.ErrNotFound)
	ErrLeaseNotFound   = fmt.Errorf("lease %w", ErrNotFound)
	ErrChargeNotFound  = fmt.Errorf("charge %w", ErrNotFound)
	ErrInvoiceNotFound = fmt.Errorf("invoice %w", ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("payment %w", ErrNotFound)

	ErrNoPendingCharges  = fmt.Errorf("ledger: no pending charges to invoice: %w", httpx.ErrUnprocessable)
	ErrDuplicatePeriod   = fmt.Errorf("ledger: monthly rental already recorded for this period: %w", httpx.ErrDuplicate)
	ErrDuplicatePayment  = fmt.Errorf("ledger: payment already recorded for idempotency key: %w", httpx.ErrDuplicate)
	ErrConcurrentInvoice = fmt.Errorf("ledger: pending charges claimed by a concurrent invoice: %w", httpx.ErrConflict)
	ErrInvalidState      = fmt.Errorf("ledger: invalid state for operation: %w", httpx.ErrConflict)
	ErrLeaseBusy         = fmt.Errorf("ledger: lease is locked by another writer: %w", httpx.ErrConflict)
)

// ValidationError reports a missing or invalid field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "ledger: " + e.Reason
	}
	return fmt.Sprintf("ledger: %s %s", e.Field, e.Reason)
}

// Is matches ErrValidation and the transport validation sentinel.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || target == httpx.ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Degradation is a non-fatal failure of an optional collaborator.
type Degradation struct {
	Dependency string
	Err        error
}

func (d *Degradation) Error() string {
	return fmt.Sprintf("%s unavailable: %v", d.Dependency, d.Err)
}

func (d *Degradation) Unwrap() error { return d.Err }

const (
	depNumbering = "invoice_numbering"
	depDocuments = "invoice_document"
	depReceipts  = "receipt_storage"
	depQueue     = "document_queue"
	depAudit     = "audit_log"
)
