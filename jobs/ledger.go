package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

const defaultIdempotencyRetention = 72 * time.Hour

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LedgerService is the ledger surface the jobs drive.
type LedgerService interface {
	RenderInvoiceDocument(ctx context.Context, invoiceID uuid.UUID) (string, error)
	SweepMissingDocuments(ctx context.Context, limit int) (int, error)
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// IdempotencyCleaner prunes stale idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// LedgerJobs handles the ledger background tasks.
type LedgerJobs struct {
	Ledger      LedgerService
	Idempotency IdempotencyCleaner
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	SweepLimit  int
	clock       func() time.Time
}

// NewLedgerJobs wires dependencies for the ledger handlers.
func NewLedgerJobs(ledger LedgerService, idempotency IdempotencyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerJobs {
	return &LedgerJobs{
		Ledger:      ledger,
		Idempotency: idempotency,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handlers lists the task handlers for NewWorker.
func (j *LedgerJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskInvoiceDocument, Handler: j.HandleInvoiceDocument},
		{Type: TaskDocumentSweep, Handler: j.HandleDocumentSweep},
		{Type: TaskOverdueSweep, Handler: j.HandleOverdueSweep},
		{Type: TaskIdempotencyCleanup, Handler: j.HandleIdempotencyCleanup},
	}
}

// HandleInvoiceDocument renders one invoice document.
func (j *LedgerJobs) HandleInvoiceDocument(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("invoice document: handler not configured")
	}
	var payload InvoiceDocumentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.InvoiceID == uuid.Nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics().Track(TaskInvoiceDocument)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("invoice_id", payload.InvoiceID.String()))
	url, err := j.Ledger.RenderInvoiceDocument(ctx, payload.InvoiceID)
	if err != nil {
		logger.Warn("render invoice document", slog.Any("error", err))
		return err
	}
	j.metrics().AddItems(TaskInvoiceDocument, 1)
	logger.Info("invoice document stored", slog.String("url", url))
	return nil
}

// HandleDocumentSweep renders documents for invoices that still lack one.
func (j *LedgerJobs) HandleDocumentSweep(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("document sweep: handler not configured")
	}
	var payload DocumentSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = j.SweepLimit
	}
	tracker := j.metrics().Track(TaskDocumentSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	rendered, err := j.Ledger.SweepMissingDocuments(ctx, payload.Limit)
	j.metrics().AddItems(TaskDocumentSweep, int64(rendered))
	if err != nil {
		j.logger().Error("document sweep", slog.Int("rendered", rendered), slog.Any("error", err))
		return err
	}
	j.logger().Info("document sweep completed", slog.Int("rendered", rendered))
	return nil
}

// HandleOverdueSweep marks unpaid invoices past due as overdue.
func (j *LedgerJobs) HandleOverdueSweep(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}
	tracker := j.metrics().Track(TaskOverdueSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	marked, err := j.Ledger.MarkOverdue(ctx, asOf)
	if err != nil {
		j.logger().Error("overdue sweep", slog.Any("error", err))
		return err
	}
	j.metrics().AddItems(TaskOverdueSweep, marked)
	j.logger().Info("overdue sweep completed", slog.Int64("marked", marked), slog.Time("as_of", asOf))
	return nil
}

// HandleIdempotencyCleanup deletes idempotency keys past retention.
func (j *LedgerJobs) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Idempotency == nil {
		return nil
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		payload.Retention = defaultIdempotencyRetention
	}
	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	removed, err := j.Idempotency.Cleanup(ctx, payload.Retention)
	if err != nil {
		j.logger().Error("idempotency cleanup", slog.Any("error", err))
		return err
	}
	j.metrics().AddItems(TaskIdempotencyCleanup, removed)
	j.logger().Info("idempotency cleanup completed", slog.Int64("removed", removed))
	return nil
}

func (j *LedgerJobs) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerJobs) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *LedgerJobs) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
