package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoiceDocument renders and stores one invoice PDF.
	TaskInvoiceDocument = "ledger:invoice_document"
	// TaskDocumentSweep renders invoices still missing a document.
	TaskDocumentSweep = "ledger:document_sweep"
	// TaskOverdueSweep flags unpaid invoices past their due date.
	TaskOverdueSweep = "ledger:overdue_sweep"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
)

// InvoiceDocumentPayload identifies the invoice to render.
type InvoiceDocumentPayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

// DocumentSweepPayload bounds one sweep run.
type DocumentSweepPayload struct {
	Limit int `json:"limit"`
}

// OverdueSweepPayload optionally pins the evaluation date.
type OverdueSweepPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// IdempotencyCleanupPayload sets how long keys are retained.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewInvoiceDocumentTask constructs an Asynq task for one invoice render.
func NewInvoiceDocumentTask(invoiceID uuid.UUID) (*asynq.Task, error) {
	if invoiceID == uuid.Nil {
		return nil, errors.New("jobs: invoice id required")
	}
	return newTask(TaskInvoiceDocument, InvoiceDocumentPayload{InvoiceID: invoiceID},
		asynq.MaxRetry(8), asynq.TaskID("invoice-document:"+invoiceID.String()))
}

// NewDocumentSweepTask constructs the periodic document sweep.
func NewDocumentSweepTask(limit int) (*asynq.Task, error) {
	return newTask(TaskDocumentSweep, DocumentSweepPayload{Limit: limit})
}

// NewOverdueSweepTask constructs the periodic overdue sweep.
func NewOverdueSweepTask() (*asynq.Task, error) {
	return newTask(TaskOverdueSweep, OverdueSweepPayload{})
}

// NewIdempotencyCleanupTask constructs the idempotency key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{Retention: retention})
}

func newTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueDefault)}, opts...)
	return asynq.NewTask(typ, body, opts...), nil
}
