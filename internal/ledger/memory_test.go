package ledger

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type memoryRepo struct {
	mu          sync.Mutex
	leases      map[uuid.UUID]Lease
	charges     map[uuid.UUID]Charge
	invoices    map[uuid.UUID]Invoice
	payments    map[uuid.UUID]Payment
	allocations []Allocation

	// beforeClaim runs inside ClaimCharges to simulate a competing writer.
	beforeClaim  func(r *memoryRepo)
	betweenReads func(r *memoryRepo)
	documentErr  error
	documentSets int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		leases:   make(map[uuid.UUID]Lease),
		charges:  make(map[uuid.UUID]Charge),
		invoices: make(map[uuid.UUID]Invoice),
		payments: make(map[uuid.UUID]Payment),
	}
}

func (r *memoryRepo) addLease(monthly string) Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	vehicle := uuid.New()
	lease := Lease{
		ID:             uuid.New(),
		Reference:      "LSE-0001",
		CustomerName:   "Al Noor Trading",
		VehicleID:      &vehicle,
		MonthlyPayment: decimal.RequireFromString(monthly),
		StartDate:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	r.leases[lease.ID] = lease
	return lease
}

// WithTx serialises writers and restores state when fn fails.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	charges := maps.Clone(r.charges)
	invoices := maps.Clone(r.invoices)
	payments := maps.Clone(r.payments)
	allocations := append([]Allocation(nil), r.allocations...)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.charges, r.invoices, r.payments, r.allocations = charges, invoices, payments, allocations
		return err
	}
	return nil
}

func (r *memoryRepo) GetLease(ctx context.Context, id uuid.UUID) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease(id)
}

func (r *memoryRepo) lease(id uuid.UUID) (Lease, error) {
	lease, ok := r.leases[id]
	if !ok {
		return Lease{}, ErrLeaseNotFound
	}
	return lease, nil
}

func (r *memoryRepo) GetCharge(ctx context.Context, id uuid.UUID) (Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.charges[id]
	if !ok {
		return Charge{}, ErrChargeNotFound
	}
	return c, nil
}

func (r *memoryRepo) ListCharges(ctx context.Context, leaseID uuid.UUID, filter ChargeFilter) ([]Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCharges(leaseID, filter), nil
}

func (r *memoryRepo) listCharges(leaseID uuid.UUID, filter ChargeFilter) []Charge {
	var out []Charge
	for _, c := range r.charges {
		if c.LeaseID != leaseID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		out = append(out, c)
	}
	sortCharges(out)
	return out
}

func (r *memoryRepo) ListInvoiceCharges(ctx context.Context, invoiceID uuid.UUID) ([]Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Charge
	for _, c := range r.charges {
		if c.InvoiceID != nil && *c.InvoiceID == invoiceID {
			out = append(out, c)
		}
	}
	sortCharges(out)
	return out, nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (r *memoryRepo) ListInvoices(ctx context.Context, leaseID uuid.UUID) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listInvoices(leaseID), nil
}

func (r *memoryRepo) listInvoices(leaseID uuid.UUID) []Invoice {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.LeaseID == leaseID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *memoryRepo) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (r *memoryRepo) ListPayments(ctx context.Context, leaseID uuid.UUID) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listPayments(leaseID), nil
}

func (r *memoryRepo) listPayments(leaseID uuid.UUID) []Payment {
	var out []Payment
	for _, p := range r.payments {
		if p.LeaseID == leaseID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDate.Before(out[j].PaymentDate) })
	return out
}

func (r *memoryRepo) ListAllocations(ctx context.Context, paymentID uuid.UUID) ([]Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Allocation
	for _, a := range r.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListInvoicesMissingDocument(ctx context.Context, limit int) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.DocumentURL == "" && inv.Status != InvoiceCancelled {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) SetInvoiceDocument(ctx context.Context, id uuid.UUID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documentErr != nil {
		return r.documentErr
	}
	inv, ok := r.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.DocumentURL = url
	r.invoices[id] = inv
	r.documentSets++
	return nil
}

func (r *memoryRepo) SetPaymentReceipt(ctx context.Context, id uuid.UUID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.ReceiptURL = url
	r.payments[id] = p
	return nil
}

func (r *memoryRepo) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, inv := range r.invoices {
		if inv.Status == InvoicePending && inv.PaidAmount.IsZero() && inv.DueDate.Before(dateOnly(asOf)) {
			inv.Status = InvoiceOverdue
			r.invoices[id] = inv
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) GetLease(ctx context.Context, id uuid.UUID) (Lease, error) {
	return t.repo.lease(id)
}

func (t *memoryTx) ListCharges(ctx context.Context, leaseID uuid.UUID, filter ChargeFilter) ([]Charge, error) {
	return t.repo.listCharges(leaseID, filter), nil
}

func (t *memoryTx) ListInvoices(ctx context.Context, leaseID uuid.UUID) ([]Invoice, error) {
	if t.repo.betweenReads != nil {
		defer t.repo.betweenReads(t.repo)
	}
	return t.repo.listInvoices(leaseID), nil
}

func (t *memoryTx) ListPayments(ctx context.Context, leaseID uuid.UUID) ([]Payment, error) {
	return t.repo.listPayments(leaseID), nil
}

func (t *memoryTx) CountMonthlyRentals(ctx context.Context, leaseID uuid.UUID, from, to time.Time, exclude uuid.UUID) (int, error) {
	n := 0
	for _, c := range t.repo.charges {
		if c.ID == exclude || c.LeaseID != leaseID || c.Type != ChargeMonthlyRental || c.Status == ChargeCancelled {
			continue
		}
		if !c.TransactionDate.Before(from) && c.TransactionDate.Before(to) {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) InsertCharge(ctx context.Context, c Charge) error {
	t.repo.charges[c.ID] = c
	return nil
}

func (t *memoryTx) GetChargeForUpdate(ctx context.Context, id uuid.UUID) (Charge, error) {
	c, ok := t.repo.charges[id]
	if !ok {
		return Charge{}, ErrChargeNotFound
	}
	return c, nil
}

func (t *memoryTx) UpdateCharge(ctx context.Context, c Charge) error {
	if _, ok := t.repo.charges[c.ID]; !ok {
		return ErrChargeNotFound
	}
	t.repo.charges[c.ID] = c
	return nil
}

func (t *memoryTx) DeleteCharge(ctx context.Context, id uuid.UUID) error {
	if _, ok := t.repo.charges[id]; !ok {
		return ErrChargeNotFound
	}
	delete(t.repo.charges, id)
	return nil
}

func (t *memoryTx) PendingChargesForUpdate(ctx context.Context, leaseID uuid.UUID) ([]Charge, error) {
	var out []Charge
	for _, c := range t.repo.charges {
		if c.LeaseID == leaseID && c.Unbilled() {
			out = append(out, c)
		}
	}
	sortCharges(out)
	return out, nil
}

func (t *memoryTx) ClaimCharges(ctx context.Context, inv Invoice, ids []uuid.UUID) (int64, error) {
	if t.repo.beforeClaim != nil {
		t.repo.beforeClaim(t.repo)
	}
	var n int64
	for _, id := range ids {
		c, ok := t.repo.charges[id]
		if !ok || !c.Unbilled() {
			continue
		}
		invoiceID := inv.ID
		c.Status = ChargeInvoiced
		c.InvoiceID = &invoiceID
		c.InvoiceNumber = inv.Number
		t.repo.charges[id] = c
		n++
	}
	return n, nil
}

func (t *memoryTx) SetInvoiceChargesStatus(ctx context.Context, invoiceID uuid.UUID, from, to ChargeStatus) error {
	for id, c := range t.repo.charges {
		if c.InvoiceID != nil && *c.InvoiceID == invoiceID && c.Status == from {
			c.Status = to
			deriveTotals(&c)
			t.repo.charges[id] = c
		}
	}
	return nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, inv Invoice) error {
	for _, existing := range t.repo.invoices {
		if existing.Number == inv.Number {
			return ErrConcurrentInvoice
		}
	}
	t.repo.invoices[inv.ID] = inv
	return nil
}

func (t *memoryTx) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (t *memoryTx) UpdateInvoice(ctx context.Context, inv Invoice) error {
	if _, ok := t.repo.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	t.repo.invoices[inv.ID] = inv
	return nil
}

func (t *memoryTx) InsertPayment(ctx context.Context, p Payment) error {
	t.repo.payments[p.ID] = p
	return nil
}

func (t *memoryTx) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (Payment, error) {
	p, ok := t.repo.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, p Payment) error {
	if _, ok := t.repo.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	t.repo.payments[p.ID] = p
	return nil
}

func (t *memoryTx) InsertAllocation(ctx context.Context, a Allocation) error {
	t.repo.allocations = append(t.repo.allocations, a)
	return nil
}

func sortCharges(cs []Charge) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].TransactionDate.Equal(cs[j].TransactionDate) {
			return cs[i].TransactionDate.Before(cs[j].TransactionDate)
		}
		return cs[i].ID.String() < cs[j].ID.String()
	})
}

type sequenceNumbers struct {
	mu   sync.Mutex
	next int
	err  error
}

func (s *sequenceNumbers) Next(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.next++
	return "INV-L-2026-" + leftPad(s.next), nil
}

func leftPad(n int) string {
	const digits = "0123456789"
	out := []byte("0000")
	for i := len(out) - 1; i >= 0 && n > 0; i-- {
		out[i] = digits[n%10]
		n /= 10
	}
	return string(out)
}

type stubRenderer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (r *stubRenderer) RenderInvoice(ctx context.Context, lease Lease, inv Invoice, charges []Charge) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return "/files/invoices/" + inv.Number + ".pdf", nil
}

type stubQueue struct {
	enqueued []uuid.UUID
	err      error
}

func (q *stubQueue) EnqueueInvoiceDocument(ctx context.Context, id uuid.UUID) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, id)
	return nil
}

type stubReceipts struct {
	keys []string
	err  error
}

func (s *stubReceipts) Put(ctx context.Context, key string, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, key)
	return "/files/" + key, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[module+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"/"+key] = true
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+"/"+key)
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if log.Action == "" {
		return errors.New("action required")
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}
