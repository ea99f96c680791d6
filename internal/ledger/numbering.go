package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// InvoiceNumberer hands out invoice numbers.
type InvoiceNumberer interface {
	Next(ctx context.Context) (string, error)
}

// SequenceNumberer asks the database numbering function.
type SequenceNumberer struct {
	q db.Querier
}

// NewSequenceNumberer builds a SequenceNumberer.
func NewSequenceNumberer(q db.Querier) *SequenceNumberer {
	return &SequenceNumberer{q: q}
}

// Next implements InvoiceNumberer.
func (n *SequenceNumberer) Next(ctx context.Context) (string, error) {
	if n == nil || n.q == nil {
		return "", errors.New("ledger: invoice sequence not configured")
	}
	var number string
	if err := n.q.QueryRow(ctx, `SELECT generate_lease_invoice_number()`).Scan(&number); err != nil {
		return "", fmt.Errorf("ledger: invoice sequence: %w", err)
	}
	if number == "" {
		return "", errors.New("ledger: invoice sequence returned empty number")
	}
	return number, nil
}

// FallbackNumberer synthesises INV-L-<last six digits of unix millis>.
// Numbers are not guaranteed unique.
type FallbackNumberer struct {
	Now func() time.Time
}

// Next implements InvoiceNumberer.
func (n FallbackNumberer) Next(context.Context) (string, error) {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	return fmt.Sprintf("INV-L-%06d", now().UnixMilli()%1_000_000), nil
}

// ChainNumberer prefers Primary and falls back when it fails.
type ChainNumberer struct {
	Primary  InvoiceNumberer
	Fallback InvoiceNumberer
	Logger   *slog.Logger
	Metrics  *observability.LedgerMetrics
}

// Next implements InvoiceNumberer.
func (c ChainNumberer) Next(ctx context.Context) (string, error) {
	if c.Primary != nil {
		number, err := c.Primary.Next(ctx)
		if err == nil {
			return number, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if c.Logger != nil {
			c.Logger.WarnContext(ctx, "ledger: invoice numbering fell back", slog.Any("error", err))
		}
		c.Metrics.Degraded(depNumbering)
	}
	if c.Fallback == nil {
		return FallbackNumberer{}.Next(ctx)
	}
	return c.Fallback.Next(ctx)
}
