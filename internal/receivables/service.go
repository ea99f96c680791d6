// Package receivables aggregates service-contract receivables imported from
// dealer management system reports.
package receivables

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Repository abstracts receivables persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListRecords(ctx context.Context, scope Scope) ([]Record, error)
	LatestBatch(ctx context.Context, scope Scope) (*Batch, error)
}

// TxRepository exposes the statements of one import transaction.
type TxRepository interface {
	InsertBatch(ctx context.Context, batch Batch) error
	InsertRecords(ctx context.Context, records []Record) (int64, error)
}

// Locker serialises imports of one advisor scope.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ImportRequest describes one CSV upload.
type ImportRequest struct {
	Advisor    string
	Filename   string
	ReportDate time.Time
	Body       io.Reader
}

// Service exposes the receivables aggregator.
type Service struct {
	repo   Repository
	cache  *Cache
	locker Locker
	audit  AuditPort
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a Repository with a Cache helper. A nil cache reads through.
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
}

// SetLocker installs the import lock.
func (s *Service) SetLocker(locker Locker) { s.locker = locker }

// SetAudit installs the audit sink.
func (s *Service) SetAudit(audit AuditPort) { s.audit = audit }

// SetLogger replaces the service logger.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the clock used for batch timestamps.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Aggregate returns the positive customer balances of the scope, oldest first.
func (s *Service) Aggregate(ctx context.Context, scope Scope) ([]CustomerBalance, error) {
	scope.Advisor = normaliseAdvisor(scope.Advisor)
	key, err := s.cache.BuildKey(ctx, "receivables", "customers", scopeToken(scope))
	if err != nil {
		s.logger.Warn("receivables cache unavailable", slog.Any("error", err))
		return s.load(ctx, scope)
	}
	value, err, _ := s.group.Do(key, func() (any, error) {
		var out []CustomerBalance
		err := s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			return s.load(ctx, scope)
		})
		if err != nil && !isLoadError(err) {
			s.logger.Warn("receivables cache read failed", slog.String("key", key), slog.Any("error", err))
			return s.load(ctx, scope)
		}
		return out, err
	})
	if err != nil {
		return nil, unwrapLoad(err)
	}
	return value.([]CustomerBalance), nil
}

// Stats summarises the current customer snapshots of the scope.
func (s *Service) Stats(ctx context.Context, scope Scope) (Stats, error) {
	customers, err := s.Aggregate(ctx, scope)
	if err != nil {
		return Stats{}, err
	}
	stats := Summarise(customers)
	batch, err := s.repo.LatestBatch(ctx, Scope{Advisor: normaliseAdvisor(scope.Advisor)})
	if err != nil {
		return Stats{}, fmt.Errorf("receivables: latest batch: %w", err)
	}
	if batch != nil {
		date := batch.ReportDate
		stats.LatestImport = &date
	}
	return stats, nil
}

// Import stores a CSV report as one batch and invalidates cached views.
func (s *Service) Import(ctx context.Context, req ImportRequest) (Batch, error) {
	if req.Body == nil {
		return Batch{}, fmt.Errorf("%w: body required", ErrInvalidImport)
	}
	advisor := normaliseAdvisor(req.Advisor)
	records, err := ParseCSV(req.Body, advisor)
	if err != nil {
		return Batch{}, err
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.ReceivablesImportLockKey(advisor))
		if err != nil {
			if errors.Is(err, cache.ErrLockNotAcquired) {
				return Batch{}, ErrImportBusy
			}
			return Batch{}, fmt.Errorf("receivables: import lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("receivables import lock release failed", slog.Any("error", err))
			}
		}()
	}

	now := s.now().UTC()
	batch := Batch{
		ID:          uuid.New(),
		Advisor:     advisor,
		Filename:    req.Filename,
		ReportDate:  req.ReportDate,
		RecordCount: len(records),
		Status:      BatchCompleted,
		CreatedAt:   now,
	}
	if batch.ReportDate.IsZero() {
		batch.ReportDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	for i := range records {
		records[i].ID = uuid.New()
		records[i].BatchID = &batch.ID
		records[i].CreatedAt = now
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return err
		}
		inserted, err := tx.InsertRecords(ctx, records)
		if err != nil {
			return err
		}
		if int(inserted) != len(records) {
			return fmt.Errorf("receivables: inserted %d of %d records", inserted, len(records))
		}
		return nil
	})
	if err != nil {
		return Batch{}, err
	}

	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("receivables cache bump failed", slog.Any("error", err))
	}
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    shared.ActorFromContext(ctx),
			Action:   "receivables.import",
			Entity:   "receivables_import",
			EntityID: batch.ID.String(),
			Meta: map[string]any{
				"advisor": batch.Advisor,
				"records": batch.RecordCount,
				"file":    batch.Filename,
			},
			At: now,
		})
		if err != nil {
			s.logger.Warn("receivables audit failed", slog.String("batch_id", batch.ID.String()), slog.Any("error", err))
		}
	}
	s.logger.Info("receivables imported", slog.String("batch_id", batch.ID.String()),
		slog.String("advisor", batch.Advisor), slog.Int("records", batch.RecordCount))
	return batch, nil
}

// ExportCSV writes the raw records of the scope.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, scope Scope) error {
	records, err := s.repo.ListRecords(ctx, Scope{Advisor: normaliseAdvisor(scope.Advisor)})
	if err != nil {
		return err
	}
	return WriteCSV(w, records)
}

func (s *Service) load(ctx context.Context, scope Scope) ([]CustomerBalance, error) {
	records, err := s.repo.ListRecords(ctx, scope)
	if err != nil {
		return nil, loadError{err: err}
	}
	return Aggregate(records), nil
}

type loadError struct{ err error }

func (e loadError) Error() string { return e.err.Error() }
func (e loadError) Unwrap() error { return e.err }

func isLoadError(err error) bool {
	var le loadError
	return errors.As(err, &le)
}

func unwrapLoad(err error) error {
	var le loadError
	if errors.As(err, &le) {
		return fmt.Errorf("receivables: list records: %w", le.err)
	}
	return err
}

func scopeToken(scope Scope) string {
	if scope.Advisor == "" {
		return "_all"
	}
	return scope.Advisor
}
