package receivables

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// PGRepository persists receivables in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("receivables repo not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const recordColumns = `id, advisor_name, customer_id, customer_name, transaction_date, transaction_type,
	reference_number, invoice_amount, receipt_amount, balance, age_days, import_batch_id, created_at`

// ListRecords returns the records of the scope ordered per customer by posting date.
func (r *PGRepository) ListRecords(ctx context.Context, scope Scope) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM service_receivables
WHERE ($1 = '' OR advisor_name = $1)
ORDER BY customer_id, transaction_date, created_at, id`
	rows, err := r.pool.Query(ctx, query, scope.Advisor)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.ID, &rec.Advisor, &rec.CustomerID, &rec.CustomerName, &rec.TransactionDate,
			&rec.Type, &rec.Reference, &rec.InvoiceAmount, &rec.ReceiptAmount, &rec.Balance, &rec.AgeDays,
			&rec.BatchID, &rec.CreatedAt)
		return rec, err
	})
}

// LatestBatch returns the most recent completed import of the scope.
func (r *PGRepository) LatestBatch(ctx context.Context, scope Scope) (*Batch, error) {
	const query = `SELECT id, advisor_name, filename, report_date, record_count, status, created_at
FROM service_receivables_imports
WHERE status = 'completed' AND ($1 = '' OR advisor_name = $1)
ORDER BY created_at DESC
LIMIT 1`
	var b Batch
	err := r.pool.QueryRow(ctx, query, scope.Advisor).Scan(&b.ID, &b.Advisor, &b.Filename, &b.ReportDate,
		&b.RecordCount, &b.Status, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *txRepo) InsertBatch(ctx context.Context, batch Batch) error {
	const query = `INSERT INTO service_receivables_imports
(id, advisor_name, filename, report_date, record_count, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := t.tx.Exec(ctx, query, batch.ID, batch.Advisor, batch.Filename, batch.ReportDate,
		batch.RecordCount, batch.Status, batch.CreatedAt)
	return err
}

func (t *txRepo) InsertRecords(ctx context.Context, records []Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	const query = `INSERT INTO service_receivables (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	for _, rec := range records {
		batch.Queue(query, rec.ID, rec.Advisor, rec.CustomerID, rec.CustomerName, rec.TransactionDate,
			rec.Type, rec.Reference, rec.InvoiceAmount, rec.ReceiptAmount, rec.Balance, rec.AgeDays,
			rec.BatchID, rec.CreatedAt)
	}
	results := t.tx.SendBatch(ctx, batch)
	var inserted int64
	for range records {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
	return inserted, results.Close()
}
