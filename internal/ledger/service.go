package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts ledger persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLease(ctx context.Context, id uuid.UUID) (Lease, error)
	GetCharge(ctx context.Context, id uuid.UUID) (Charge, error)
	ListCharges(ctx context.Context, leaseID uuid.UUID, filter ChargeFilter) ([]Charge, error)
	ListInvoiceCharges(ctx context.Context, invoiceID uuid.UUID) ([]Charge, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListInvoices(ctx context.Context, leaseID uuid.UUID) ([]Invoice, error)
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	ListPayments(ctx context.Context, leaseID uuid.UUID) ([]Payment, error)
	ListAllocations(ctx context.Context, paymentID uuid.UUID) ([]Allocation, error)
	ListInvoicesMissingDocument(ctx context.Context, limit int) ([]Invoice, error)
	SetInvoiceDocument(ctx context.Context, id uuid.UUID, url string) error
	SetPaymentReceipt(ctx context.Context, id uuid.UUID, url string) error
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// TxRepository exposes the statements run inside one ledger transaction.
type TxRepository interface {
	GetLease(ctx context.Context, id uuid.UUID) (Lease, error)
	ListCharges(ctx context.Context, leaseID uuid.UUID, filter ChargeFilter) ([]Charge, error)
	ListInvoices(ctx context.Context, leaseID uuid.UUID) ([]Invoice, error)
	ListPayments(ctx context.Context, leaseID uuid.UUID) ([]Payment, error)
	CountMonthlyRentals(ctx context.Context, leaseID uuid.UUID, from, to time.Time, exclude uuid.UUID) (int, error)
	InsertCharge(ctx context.Context, charge Charge) error
	GetChargeForUpdate(ctx context.Context, id uuid.UUID) (Charge, error)
	UpdateCharge(ctx context.Context, charge Charge) error
	DeleteCharge(ctx context.Context, id uuid.UUID) error
	PendingChargesForUpdate(ctx context.Context, leaseID uuid.UUID) ([]Charge, error)
	ClaimCharges(ctx context.Context, invoice Invoice, chargeIDs []uuid.UUID) (int64, error)
	SetInvoiceChargesStatus(ctx context.Context, invoiceID uuid.UUID, from, to ChargeStatus) error
	InsertInvoice(ctx context.Context, invoice Invoice) error
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error)
	UpdateInvoice(ctx context.Context, invoice Invoice) error
	InsertPayment(ctx context.Context, payment Payment) error
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (Payment, error)
	UpdatePayment(ctx context.Context, payment Payment) error
	InsertAllocation(ctx context.Context, allocation Allocation) error
}

// Locker serialises writers of one lease.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// DocumentRenderer renders an invoice document and returns its URL.
type DocumentRenderer interface {
	RenderInvoice(ctx context.Context, lease Lease, invoice Invoice, charges []Charge) (string, error)
}

// DocumentQueue schedules a background document render.
type DocumentQueue interface {
	EnqueueInvoiceDocument(ctx context.Context, invoiceID uuid.UUID) error
}

// ReceiptStore persists receipt attachments.
type ReceiptStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// IdempotencyPort guards payment replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups ledger policy settings.
type ServiceConfig struct {
	RentalVATRate    decimal.Decimal
	DueDays          int
	MileageAllowance int64
	RatePerKM        decimal.Decimal
}

// DefaultServiceConfig returns the dealership defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		RentalVATRate:    decimal.RequireFromString("0.05"),
		DueDays:          30,
		MileageAllowance: 20000,
		RatePerKM:        decimal.RequireFromString("0.5"),
	}
}

// Service implements the billing and receivables ledger rules.
type Service struct {
	repo        RepositoryPort
	cfg         ServiceConfig
	locker      Locker
	numberer    InvoiceNumberer
	renderer    DocumentRenderer
	queue       DocumentQueue
	receipts    ReceiptStore
	idempotency IdempotencyPort
	audit       AuditPort
	metrics     *observability.LedgerMetrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service. Zero config values fall back to DefaultServiceConfig.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if cfg.DueDays <= 0 {
		cfg.DueDays = def.DueDays
	}
	if cfg.MileageAllowance <= 0 {
		cfg.MileageAllowance = def.MileageAllowance
	}
	if cfg.RatePerKM.IsZero() {
		cfg.RatePerKM = def.RatePerKM
	}
	return &Service{
		repo:     repo,
		cfg:      cfg,
		numberer: FallbackNumberer{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
}

// SetLocker injects the per-lease lock.
func (s *Service) SetLocker(l Locker) { s.locker = l }

// SetNumberer injects the invoice numbering strategy.
func (s *Service) SetNumberer(n InvoiceNumberer) {
	if n != nil {
		s.numberer = n
	}
}

// SetDocuments injects the synchronous renderer and the retry queue.
func (s *Service) SetDocuments(r DocumentRenderer, q DocumentQueue) {
	s.renderer = r
	s.queue = q
}

// SetReceiptStore injects receipt storage.
func (s *Service) SetReceiptStore(store ReceiptStore) { s.receipts = store }

// SetIdempotency injects the payment replay guard.
func (s *Service) SetIdempotency(store IdempotencyPort) { s.idempotency = store }

// SetAudit injects the audit logger.
func (s *Service) SetAudit(a AuditPort) { s.audit = a }

// SetMetrics injects ledger counters.
func (s *Service) SetMetrics(m *observability.LedgerMetrics) { s.metrics = m }

// SetLogger replaces the discard logger.
func (s *Service) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetClock overrides time.Now.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// withLeaseLock runs fn while holding the lease lock, inside one transaction.
func (s *Service) withLeaseLock(ctx context.Context, leaseID uuid.UUID, fn func(context.Context, TxRepository) error) (err error) {
	if s.locker != nil {
		release, lockErr := s.locker.Acquire(ctx, shared.LeaseLockKey(leaseID))
		if lockErr != nil {
			if errors.Is(lockErr, cache.ErrLockNotAcquired) {
				return fmt.Errorf("%w: %v", ErrLeaseBusy, lockErr)
			}
			return lockErr
		}
		defer func() {
			if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
				s.logger.Warn("ledger: release lease lock", slog.String("lease_id", leaseID.String()), slog.Any("error", relErr))
			}
		}()
	}
	return s.repo.WithTx(ctx, fn)
}

func (s *Service) degrade(ctx context.Context, dependency string, err error) string {
	d := &Degradation{Dependency: dependency, Err: err}
	s.logger.WarnContext(ctx, "ledger: downstream degraded", slog.String("dependency", dependency), slog.Any("error", err))
	s.metrics.Degraded(dependency)
	return d.Error()
}

func (s *Service) record(ctx context.Context, action, entity string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: id.String(),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.degrade(ctx, depAudit, err)
	}
}

func (s *Service) dueFrom(t time.Time) time.Time {
	return t.AddDate(0, 0, s.cfg.DueDays)
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
