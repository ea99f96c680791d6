package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics counts billing ledger outcomes.
type LedgerMetrics struct {
	invoices     prometheus.Counter
	invoicedSum  prometheus.Counter
	payments     *prometheus.CounterVec
	charges      *prometheus.CounterVec
	degradations *prometheus.CounterVec
	conflicts    prometheus.Counter
}

// NewLedgerMetrics registers the ledger collectors. A nil registerer uses the default one.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &LedgerMetrics{
		invoices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_ledger_invoices_generated_total",
			Help: "Invoices consolidated from pending charges.",
		}),
		invoicedSum: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_ledger_invoiced_amount_total",
			Help: "Sum of invoice totals generated, in ledger currency.",
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_ledger_payments_recorded_total",
			Help: "Payments recorded, split by method and allocation.",
		}, []string{"method", "allocated"}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_ledger_charges_recorded_total",
			Help: "Charges recorded per charge type.",
		}, []string{"type"}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_ledger_downstream_degradations_total",
			Help: "Optional collaborators that failed while the ledger operation proceeded.",
		}, []string{"dependency"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_ledger_invoice_conflicts_total",
			Help: "Invoice generations aborted because another writer claimed the charges.",
		}),
	}
	registerer.MustRegister(m.invoices, m.invoicedSum, m.payments, m.charges, m.degradations, m.conflicts)
	return m
}

// InvoiceGenerated counts a new invoice and its total.
func (m *LedgerMetrics) InvoiceGenerated(total float64) {
	if m == nil {
		return
	}
	m.invoices.Inc()
	if total > 0 {
		m.invoicedSum.Add(total)
	}
}

// PaymentRecorded counts a payment.
func (m *LedgerMetrics) PaymentRecorded(method string, allocated bool) {
	if m == nil {
		return
	}
	label := "false"
	if allocated {
		label = "true"
	}
	m.payments.WithLabelValues(method, label).Inc()
}

// ChargeRecorded counts a charge of the given type.
func (m *LedgerMetrics) ChargeRecorded(chargeType string) {
	if m == nil {
		return
	}
	m.charges.WithLabelValues(chargeType).Inc()
}

// Degraded counts a failed optional dependency.
func (m *LedgerMetrics) Degraded(dependency string) {
	if m == nil {
		return
	}
	m.degradations.WithLabelValues(dependency).Inc()
}

// InvoiceConflict counts an aborted concurrent consolidation.
func (m *LedgerMetrics) InvoiceConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}
