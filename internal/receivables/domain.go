package receivables

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies an imported receivables row.
type TransactionType string

const (
	TypeInvoice TransactionType = "INVOICE"
	TypeReceipt TransactionType = "RECEIPT"
	TypeCredit  TransactionType = "CREDIT"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeInvoice, TypeReceipt, TypeCredit:
		return true
	}
	return false
}

// Record is one posting from a service-contract receivables report.
type Record struct {
	ID              uuid.UUID
	Advisor         string
	CustomerID      string
	CustomerName    string
	TransactionDate time.Time
	Type            TransactionType
	Reference       string
	InvoiceAmount   decimal.Decimal
	ReceiptAmount   decimal.Decimal
	Balance         decimal.Decimal
	AgeDays         int
	BatchID         *uuid.UUID
	CreatedAt       time.Time
}

// Risk is the display bucket of a customer's age.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// RiskFor classifies age days: up to 15 low, up to 30 medium, beyond high.
func RiskFor(ageDays int) Risk {
	switch {
	case ageDays <= 15:
		return RiskLow
	case ageDays <= 30:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// AgingBucket labels the 30-day aging columns of the stats view.
type AgingBucket string

const (
	Bucket0To30   AgingBucket = "0-30"
	Bucket31To60  AgingBucket = "31-60"
	Bucket61To90  AgingBucket = "61-90"
	Bucket91Above AgingBucket = "91+"
)

// BucketFor maps age days onto an aging bucket.
func BucketFor(ageDays int) AgingBucket {
	switch {
	case ageDays <= 30:
		return Bucket0To30
	case ageDays <= 60:
		return Bucket31To60
	case ageDays <= 90:
		return Bucket61To90
	default:
		return Bucket91Above
	}
}

// Scope narrows reads to one advisor. An empty advisor means all.
type Scope struct {
	Advisor string
}

// CustomerBalance is the latest snapshot of one customer's receivable.
type CustomerBalance struct {
	CustomerID        string          `json:"customer_id"`
	CustomerName      string          `json:"customer_name"`
	Advisor           string          `json:"advisor"`
	Balance           decimal.Decimal `json:"balance"`
	AgeDays           int             `json:"age_days"`
	LatestTransaction time.Time       `json:"latest_transaction"`
	Transactions      int             `json:"transactions"`
}

// Risk returns the risk bucket of the snapshot.
func (c CustomerBalance) Risk() Risk {
	return RiskFor(c.AgeDays)
}

// Aging sums balances per aging bucket.
type Aging struct {
	Days0To30   decimal.Decimal `json:"days_0_30"`
	Days31To60  decimal.Decimal `json:"days_31_60"`
	Days61To90  decimal.Decimal `json:"days_61_90"`
	Days91Above decimal.Decimal `json:"days_91_plus"`
}

func (a *Aging) add(ageDays int, amount decimal.Decimal) {
	switch BucketFor(ageDays) {
	case Bucket0To30:
		a.Days0To30 = a.Days0To30.Add(amount)
	case Bucket31To60:
		a.Days31To60 = a.Days31To60.Add(amount)
	case Bucket61To90:
		a.Days61To90 = a.Days61To90.Add(amount)
	default:
		a.Days91Above = a.Days91Above.Add(amount)
	}
}

// Stats summarises the receivables dashboard.
type Stats struct {
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	Customers        int             `json:"total_customers"`
	Advisors         int             `json:"total_advisors"`
	Aging            Aging           `json:"aging"`
	AtRisk           decimal.Decimal `json:"at_risk_amount"`
	LatestImport     *time.Time      `json:"latest_import_date,omitempty"`
}

// BatchStatus tracks an import run.
type BatchStatus string

const (
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// Batch records one CSV import.
type Batch struct {
	ID          uuid.UUID
	Advisor     string
	Filename    string
	ReportDate  time.Time
	RecordCount int
	Status      BatchStatus
	CreatedAt   time.Time
}
