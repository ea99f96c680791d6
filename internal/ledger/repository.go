package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists the lease ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	q db.Querier
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

const leaseColumns = `id, reference, customer_name, vehicle_id, monthly_payment, annual_mileage_allowance, start_date, end_date`

const chargeColumns = `id, lease_id, vehicle_id, type, description, amount, vat_amount,
	COALESCE(total_amount, 0), COALESCE(balance_amount, 0), due_date, transaction_date, status,
	invoice_id, COALESCE(invoice_number, ''), mileage, toll, fine, notes, created_at, updated_at`

const invoiceColumns = `id, lease_id, invoice_number, invoice_date, due_date, billing_period_start,
	billing_period_end, subtotal, vat_amount, total_amount, paid_amount, status,
	COALESCE(document_url, ''), notes, created_at, updated_at`

const paymentColumns = `id, lease_id, invoice_id, payment_date, amount, payment_method, bank_name,
	cheque_number, reference, allocated_amount, COALESCE(receipt_url, ''), notes, created_at, updated_at`

func scanLease(row pgx.Row) (Lease, error) {
	var (
		l   Lease
		end pgtype.Date
	)
	err := row.Scan(&l.ID, &l.Reference, &l.CustomerName, &l.VehicleID, &l.MonthlyPayment,
		&l.AnnualMileageAllowance, &l.StartDate, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, ErrLeaseNotFound
	}
	if end.Valid {
		l.EndDate = end.Time
	}
	return l, err
}

func scanCharge(row pgx.Row) (Charge, error) {
	var c Charge
	err := row.Scan(&c.ID, &c.LeaseID, &c.VehicleID, &c.Type, &c.Description, &c.Amount, &c.VATAmount,
		&c.TotalAmount, &c.BalanceAmount, &c.DueDate, &c.TransactionDate, &c.Status,
		&c.InvoiceID, &c.InvoiceNumber, &c.Mileage, &c.Toll, &c.Fine, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Charge{}, ErrChargeNotFound
	}
	return c, err
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var i Invoice
	err := row.Scan(&i.ID, &i.LeaseID, &i.Number, &i.InvoiceDate, &i.DueDate, &i.BillingPeriodStart,
		&i.BillingPeriodEnd, &i.Subtotal, &i.VATAmount, &i.TotalAmount, &i.PaidAmount, &i.Status,
		&i.DocumentURL, &i.Notes, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return i, err
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.LeaseID, &p.InvoiceID, &p.PaymentDate, &p.Amount, &p.Method, &p.BankName,
		&p.ChequeNumber, &p.Reference, &p.AllocatedAmount, &p.ReceiptURL, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	return p, err
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		return scan(row)
	})
}

func getLease(ctx context.Context, q db.Querier, id uuid.UUID) (Lease, error) {
	return scanLease(q.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1`, id))
}

func getCharge(ctx context.Context, q db.Querier, id uuid.UUID, forUpdate bool) (Charge, error) {
	sql := `SELECT ` + chargeColumns + ` FROM ledger_charges WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanCharge(q.QueryRow(ctx, sql, id))
}

func getInvoice(ctx context.Context, q db.Querier, id uuid.UUID, forUpdate bool) (Invoice, error) {
	sql := `SELECT ` + invoiceColumns + ` FROM ledger_invoices WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanInvoice(q.QueryRow(ctx, sql, id))
}

func getPayment(ctx context.Context, q db.Querier, id uuid.UUID, forUpdate bool) (Payment, error) {
	sql := `SELECT ` + paymentColumns + ` FROM ledger_payments WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanPayment(q.QueryRow(ctx, sql, id))
}

// GetLease loads a lease.
func (r *Repository) GetLease(ctx context.Context, id uuid.UUID) (Lease, error) {
	return getLease(ctx, r.pool, id)
}

// GetCharge loads a charge.
func (r *Repository) GetCharge(ctx context.Context, id uuid.UUID) (Charge, error) {
	return getCharge(ctx, r.pool, id, false)
}

// ListCharges lists lease charges ordered by transaction date.
func (r *Repository) ListCharges(ctx context.Context, leaseID uuid.UUID, filter ChargeFilter) ([]Charge, error) {
	return listCharges(ctx, r.pool, leaseID, filter)
}

func listCharges(ctx context.Context, q db.Querier, leaseID uuid.UUID, filter ChargeFilter) ([]Charge, error) {
	var (
		where = []string{"lease_id = $1"}
		args  = []any{leaseID}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	sql := `SELECT ` + chargeColumns + ` FROM ledger_charges WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY transaction_date, created_at, id`
	rows, err := q.Query(ctx, sql, args...)
	return collect(rows, err, scanCharge)
}

// ListInvoiceCharges lists the charges consolidated into an invoice.
func (r *Repository) ListInvoiceCharges(ctx context.Context, invoiceID uuid.UUID) ([]Charge, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+chargeColumns+` FROM ledger_charges WHERE invoice_id = $1 ORDER BY transaction_date, id`, invoiceID)
	return collect(rows, err, scanCharge)
}

// GetInvoice loads an invoice.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

// ListInvoices lists lease invoices, newest first.
func (r *Repository) ListInvoices(ctx context.Context, leaseID uuid.UUID) ([]Invoice, error) {
	return listInvoices(ctx, r.pool, leaseID)
}

func listInvoices(ctx context.Context, q db.Querier, leaseID uuid.UUID) ([]Invoice, error) {
	rows, err := q.Query(ctx, `SELECT `+invoiceColumns+` FROM ledger_invoices WHERE lease_id = $1 ORDER BY invoice_date DESC, created_at DESC`, leaseID)
	return collect(rows, err, scanInvoice)
}

// GetPayment loads a payment.
func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return getPayment(ctx, r.pool, id, false)
}

// ListPayments lists lease payments by payment date.
func (r *Repository) ListPayments(ctx context.Context, leaseID uuid.UUID) ([]Payment, error) {
	return listPayments(ctx, r.pool, leaseID)
}

func listPayments(ctx context.Context, q db.Querier, leaseID uuid.UUID) ([]Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM ledger_payments WHERE lease_id = $1 ORDER BY payment_date, created_at`, leaseID)
	return collect(rows, err, scanPayment)
}

// ListAllocations returns the allocation log of a payment.
func (r *Repository) ListAllocations(ctx context.Context, paymentID uuid.UUID) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, payment_id, invoice_id, transaction_id, allocated_amount, allocation_date, created_at
FROM ledger_payment_allocations WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Allocation, error) {
		var a Allocation
		err := row.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.TransactionID, &a.AllocatedAmount, &a.AllocationDate, &a.CreatedAt)
		return a, err
	})
}

// ListInvoicesMissingDocument returns live invoices without a rendered document.
func (r *Repository) ListInvoicesMissingDocument(ctx context.Context, limit int) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM ledger_invoices
WHERE (document_url IS NULL OR document_url = '') AND status <> 'cancelled'
ORDER BY created_at LIMIT $1`, limit)
	return collect(rows, err, scanInvoice)
}

// SetPaymentReceipt links a stored receipt to its payment.
func (r *Repository) SetPaymentReceipt(ctx context.Context, id uuid.UUID, url string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE ledger_payments SET receipt_url = $2, updated_at = NOW() WHERE id = $1`, id, url)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// SetInvoiceDocument stores the rendered document URL.
func (r *Repository) SetInvoiceDocument(ctx context.Context, id uuid.UUID, url string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE ledger_invoices SET document_url = $2, updated_at = NOW() WHERE id = $1`, id, url)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// MarkOverdue flags unpaid pending invoices past their due date.
func (r *Repository) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE ledger_invoices SET status = 'overdue', updated_at = NOW()
WHERE status = 'pending' AND paid_amount = 0 AND due_date < $1::date`, asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) GetLease(ctx context.Context, id uuid.UUID) (Lease, error) {
	return getLease(ctx, t.q, id)
}

func (t *txRepo) ListCharges(ctx context.Context, leaseID uuid.UUID, filter ChargeFilter) ([]Charge, error) {
	return listCharges(ctx, t.q, leaseID, filter)
}

func (t *txRepo) ListInvoices(ctx context.Context, leaseID uuid.UUID) ([]Invoice, error) {
	return listInvoices(ctx, t.q, leaseID)
}

func (t *txRepo) ListPayments(ctx context.Context, leaseID uuid.UUID) ([]Payment, error) {
	return listPayments(ctx, t.q, leaseID)
}

func (t *txRepo) CountMonthlyRentals(ctx context.Context, leaseID uuid.UUID, from, to time.Time, exclude uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_charges
WHERE lease_id = $1 AND type = 'monthly_rental' AND status <> 'cancelled'
  AND transaction_date >= $2 AND transaction_date < $3 AND id <> $4`, leaseID, from, to, exclude).Scan(&n)
	return n, err
}

func (t *txRepo) InsertCharge(ctx context.Context, c Charge) error {
	_, err := t.q.Exec(ctx, `INSERT INTO ledger_charges (id, lease_id, vehicle_id, type, description, amount, vat_amount,
	total_amount, balance_amount, due_date, transaction_date, status, invoice_id, invoice_number, mileage, toll, fine,
	notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''),$15,$16,$17,$18,$19,$20)`,
		c.ID, c.LeaseID, c.VehicleID, c.Type, c.Description, c.Amount, c.VATAmount,
		c.TotalAmount, c.BalanceAmount, c.DueDate, c.TransactionDate, c.Status, c.InvoiceID, c.InvoiceNumber,
		c.Mileage, c.Toll, c.Fine, c.Notes, c.CreatedAt, c.UpdatedAt)
	if db.IsUniqueViolation(err) && c.Type == ChargeMonthlyRental {
		return ErrDuplicatePeriod
	}
	return err
}

func (t *txRepo) GetChargeForUpdate(ctx context.Context, id uuid.UUID) (Charge, error) {
	return getCharge(ctx, t.q, id, true)
}

func (t *txRepo) UpdateCharge(ctx context.Context, c Charge) error {
	tag, err := t.q.Exec(ctx, `UPDATE ledger_charges SET description = $2, amount = $3, vat_amount = $4,
	total_amount = $5, balance_amount = $6, due_date = $7, transaction_date = $8, status = $9,
	mileage = $10, toll = $11, fine = $12, notes = $13, updated_at = $14
WHERE id = $1`,
		c.ID, c.Description, c.Amount, c.VATAmount, c.TotalAmount, c.BalanceAmount, c.DueDate,
		c.TransactionDate, c.Status, c.Mileage, c.Toll, c.Fine, c.Notes, c.UpdatedAt)
	if db.IsUniqueViolation(err) && c.Type == ChargeMonthlyRental {
		return ErrDuplicatePeriod
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChargeNotFound
	}
	return nil
}

func (t *txRepo) DeleteCharge(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM ledger_charges WHERE id = $1 AND invoice_id IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChargeNotFound
	}
	return nil
}

func (t *txRepo) PendingChargesForUpdate(ctx context.Context, leaseID uuid.UUID) ([]Charge, error) {
	rows, err := t.q.Query(ctx, `SELECT `+chargeColumns+` FROM ledger_charges
WHERE lease_id = $1 AND status = 'pending' AND invoice_id IS NULL
ORDER BY transaction_date, id FOR UPDATE`, leaseID)
	return collect(rows, err, scanCharge)
}

// ClaimCharges links still-pending charges to the invoice and reports how many it took.
func (t *txRepo) ClaimCharges(ctx context.Context, inv Invoice, chargeIDs []uuid.UUID) (int64, error) {
	tag, err := t.q.Exec(ctx, `UPDATE ledger_charges
SET status = 'invoiced', invoice_id = $2, invoice_number = $3, updated_at = $4
WHERE id = ANY($1) AND status = 'pending' AND invoice_id IS NULL`,
		chargeIDs, inv.ID, inv.Number, inv.CreatedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) SetInvoiceChargesStatus(ctx context.Context, invoiceID uuid.UUID, from, to ChargeStatus) error {
	_, err := t.q.Exec(ctx, `UPDATE ledger_charges
SET status = $3, balance_amount = CASE WHEN $3 = 'paid' THEN 0 ELSE total_amount END, updated_at = NOW()
WHERE invoice_id = $1 AND status = $2`, invoiceID, from, to)
	return err
}

func (t *txRepo) InsertInvoice(ctx context.Context, i Invoice) error {
	_, err := t.q.Exec(ctx, `INSERT INTO ledger_invoices (id, lease_id, invoice_number, invoice_date, due_date,
	billing_period_start, billing_period_end, subtotal, vat_amount, total_amount, paid_amount, status, notes,
	created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		i.ID, i.LeaseID, i.Number, i.InvoiceDate, i.DueDate, i.BillingPeriodStart, i.BillingPeriodEnd,
		i.Subtotal, i.VATAmount, i.TotalAmount, i.PaidAmount, i.Status, i.Notes, i.CreatedAt, i.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("invoice number %s already issued: %w", i.Number, ErrConcurrentInvoice)
	}
	return err
}

func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return getInvoice(ctx, t.q, id, true)
}

func (t *txRepo) UpdateInvoice(ctx context.Context, i Invoice) error {
	tag, err := t.q.Exec(ctx, `UPDATE ledger_invoices SET invoice_date = $2, due_date = $3,
	billing_period_start = $4, billing_period_end = $5, paid_amount = $6, status = $7, notes = $8, updated_at = $9
WHERE id = $1`,
		i.ID, i.InvoiceDate, i.DueDate, i.BillingPeriodStart, i.BillingPeriodEnd, i.PaidAmount, i.Status,
		i.Notes, i.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *txRepo) InsertPayment(ctx context.Context, p Payment) error {
	_, err := t.q.Exec(ctx, `INSERT INTO ledger_payments (id, lease_id, invoice_id, payment_date, amount,
	payment_method, bank_name, cheque_number, reference, allocated_amount, receipt_url, notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13,$14)`,
		p.ID, p.LeaseID, p.InvoiceID, p.PaymentDate, p.Amount, p.Method, p.BankName, p.ChequeNumber,
		p.Reference, p.AllocatedAmount, p.ReceiptURL, p.Notes, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *txRepo) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (Payment, error) {
	return getPayment(ctx, t.q, id, true)
}

func (t *txRepo) UpdatePayment(ctx context.Context, p Payment) error {
	tag, err := t.q.Exec(ctx, `UPDATE ledger_payments SET invoice_id = $2, payment_date = $3, amount = $4,
	payment_method = $5, bank_name = $6, cheque_number = $7, reference = $8, allocated_amount = $9,
	notes = $10, updated_at = $11
WHERE id = $1`,
		p.ID, p.InvoiceID, p.PaymentDate, p.Amount, p.Method, p.BankName, p.ChequeNumber, p.Reference,
		p.AllocatedAmount, p.Notes, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *txRepo) InsertAllocation(ctx context.Context, a Allocation) error {
	_, err := t.q.Exec(ctx, `INSERT INTO ledger_payment_allocations (id, payment_id, invoice_id, transaction_id,
	allocated_amount, allocation_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.PaymentID, a.InvoiceID, a.TransactionID, a.AllocatedAmount, a.AllocationDate, a.CreatedAt)
	return err
}
