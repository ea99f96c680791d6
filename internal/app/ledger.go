package app

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/documents"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/filestore"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/view"
	"github.com/odyssey-erp/odyssey-ledger/report"
)

// LedgerDeps collects what both binaries need to build the ledger service.
type LedgerDeps struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Files      *filestore.Store
	PDF        *report.Client
	Queue      ledger.DocumentQueue
	Registerer prometheus.Registerer
}

// NewLedgerService wires the ledger service with its Postgres repository,
// redis lease lock, invoice numbering, documents, receipts and audit trail.
func NewLedgerService(deps LedgerDeps) (*ledger.Service, error) {
	if deps.Config == nil || deps.Pool == nil {
		return nil, fmt.Errorf("app: ledger requires config and database pool")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewLedgerMetrics(deps.Registerer)

	svc := ledger.NewService(ledger.NewRepository(deps.Pool), ledger.ServiceConfig{
		RentalVATRate:    deps.Config.VATRate(),
		DueDays:          deps.Config.LedgerInvoiceDueDays,
		MileageAllowance: deps.Config.LedgerMileageAllowance,
	})
	svc.SetLogger(logger.With(slog.String("module", "ledger")))
	svc.SetMetrics(metrics)
	svc.SetNumberer(ledger.ChainNumberer{
		Primary:  ledger.NewSequenceNumberer(deps.Pool),
		Fallback: ledger.FallbackNumberer{},
		Logger:   logger,
		Metrics:  metrics,
	})
	if deps.Redis != nil {
		svc.SetLocker(cache.NewLocker(deps.Redis, deps.Config.LedgerLockTTL))
	}
	svc.SetIdempotency(shared.NewIdempotencyStore(deps.Pool))
	svc.SetAudit(shared.NewAuditLogger(deps.Pool))

	if deps.Files != nil {
		svc.SetReceiptStore(deps.Files)
		if deps.PDF != nil {
			engine, err := view.NewEngine()
			if err != nil {
				return nil, fmt.Errorf("app: parse templates: %w", err)
			}
			renderer := documents.NewRenderer(engine, deps.PDF, deps.Files, documents.Options{
				Currency: deps.Config.LedgerCurrency,
			})
			svc.SetDocuments(renderer, deps.Queue)
		}
	}
	return svc, nil
}
