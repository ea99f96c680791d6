// Package documents renders invoice PDFs and stores them for download.
package documents

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/view"
)

// PDFClient converts HTML into PDF bytes.
type PDFClient interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Storage persists rendered documents and returns their public URL.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Options configure the invoice layout.
type Options struct {
	Company  string
	Currency string
}

// Renderer produces invoice documents.
type Renderer struct {
	engine *view.Engine
	pdf    PDFClient
	store  Storage
	opts   Options
}

var _ ledger.DocumentRenderer = (*Renderer)(nil)

// NewRenderer wires the template engine, PDF backend and storage.
func NewRenderer(engine *view.Engine, pdf PDFClient, store Storage, opts Options) *Renderer {
	if opts.Company == "" {
		opts.Company = "Odyssey Leasing"
	}
	if opts.Currency == "" {
		opts.Currency = "AED"
	}
	return &Renderer{engine: engine, pdf: pdf, store: store, opts: opts}
}

type invoiceView struct {
	Company  string
	Currency string
	Lease    ledger.Lease
	Invoice  ledger.Invoice
	Charges  []ledger.Charge
}

// RenderInvoice renders the invoice to PDF and returns the stored document URL.
func (r *Renderer) RenderInvoice(ctx context.Context, lease ledger.Lease, invoice ledger.Invoice, charges []ledger.Charge) (string, error) {
	if r == nil || r.engine == nil || r.pdf == nil || r.store == nil {
		return "", errors.New("documents: renderer not configured")
	}
	html, err := r.engine.RenderString("invoice.html", invoiceView{
		Company:  r.opts.Company,
		Currency: r.opts.Currency,
		Lease:    lease,
		Invoice:  invoice,
		Charges:  charges,
	})
	if err != nil {
		return "", fmt.Errorf("documents: template: %w", err)
	}
	pdf, err := r.pdf.RenderHTML(ctx, html)
	if err != nil {
		return "", fmt.Errorf("documents: render %s: %w", invoice.Number, err)
	}
	url, err := r.store.Put(ctx, InvoiceKey(invoice), pdf)
	if err != nil {
		return "", fmt.Errorf("documents: store %s: %w", invoice.Number, err)
	}
	return url, nil
}

// InvoiceKey is the storage key for an invoice PDF.
func InvoiceKey(invoice ledger.Invoice) string {
	name := strings.NewReplacer("/", "-", "\\", "-", " ", "_").Replace(invoice.Number)
	if name == "" {
		name = invoice.ID.String()
	}
	return path.Join("invoices", invoice.LeaseID.String(), name+".pdf")
}
