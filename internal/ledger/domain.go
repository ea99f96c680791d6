package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChargeType enumerates billable line item kinds.
type ChargeType string

const (
	ChargeMonthlyRental ChargeType = "monthly_rental"
	ChargeExcessMileage ChargeType = "excess_mileage"
	ChargeSalik         ChargeType = "salik_charges"
	ChargeTrafficFine   ChargeType = "traffic_fine"
	ChargeAdjustment    ChargeType = "adjustment"
)

// Valid reports whether the charge type is known.
func (t ChargeType) Valid() bool {
	switch t {
	case ChargeMonthlyRental, ChargeExcessMileage, ChargeSalik, ChargeTrafficFine, ChargeAdjustment:
		return true
	}
	return false
}

// ChargeStatus enumerates charge lifecycle states.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeInvoiced  ChargeStatus = "invoiced"
	ChargePaid      ChargeStatus = "paid"
	ChargeCancelled ChargeStatus = "cancelled"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	InvoicePending       InvoiceStatus = "pending"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
	InvoiceCancelled     InvoiceStatus = "cancelled"
)

// PaymentMethod enumerates accepted tender types.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCheque       PaymentMethod = "cheque"
	MethodCreditCard   PaymentMethod = "credit_card"
)

// Valid reports whether the method is accepted.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodBankTransfer, MethodCheque, MethodCreditCard:
		return true
	}
	return false
}

// Lease is the billing account charges, invoices and payments hang off.
type Lease struct {
	ID                     uuid.UUID
	Reference              string
	CustomerName           string
	VehicleID              *uuid.UUID
	MonthlyPayment         decimal.Decimal
	AnnualMileageAllowance int64
	StartDate              time.Time
	EndDate                time.Time
}

// MileageDetail carries the inputs and derived values of an excess mileage charge.
type MileageDetail struct {
	StartMileage int64           `json:"start_mileage"`
	EndMileage   int64           `json:"end_mileage"`
	Allowance    int64           `json:"allowance"`
	ExcessKM     int64           `json:"excess_km"`
	RatePerKM    decimal.Decimal `json:"rate_per_km"`
}

// TollDetail describes a Salik toll crossing.
type TollDetail struct {
	Gate      string     `json:"gate,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
	Reference string     `json:"reference,omitempty"`
}

// FineDetail describes a traffic fine.
type FineDetail struct {
	Number   string     `json:"number,omitempty"`
	Date     *time.Time `json:"date,omitempty"`
	Location string     `json:"location,omitempty"`
	Type     string     `json:"type,omitempty"`
}

// Charge is a single billable line item against a lease.
type Charge struct {
	ID              uuid.UUID
	LeaseID         uuid.UUID
	VehicleID       *uuid.UUID
	Type            ChargeType
	Description     string
	Amount          decimal.Decimal
	VATAmount       decimal.Decimal
	TotalAmount     decimal.Decimal
	BalanceAmount   decimal.Decimal
	DueDate         time.Time
	TransactionDate time.Time
	Status          ChargeStatus
	InvoiceID       *uuid.UUID
	InvoiceNumber   string
	Mileage         *MileageDetail
	Toll            *TollDetail
	Fine            *FineDetail
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Unbilled reports whether the charge still waits for consolidation.
func (c Charge) Unbilled() bool {
	return c.Status == ChargePending && c.InvoiceID == nil
}

// Invoice consolidates a snapshot of charges.
type Invoice struct {
	ID                 uuid.UUID
	LeaseID            uuid.UUID
	Number             string
	InvoiceDate        time.Time
	DueDate            time.Time
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
	Subtotal           decimal.Decimal
	VATAmount          decimal.Decimal
	TotalAmount        decimal.Decimal
	PaidAmount         decimal.Decimal
	Status             InvoiceStatus
	DocumentURL        string
	Notes              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Outstanding returns total minus paid.
func (i Invoice) Outstanding() decimal.Decimal {
	return i.TotalAmount.Sub(i.PaidAmount)
}

// Payment is money received against a lease.
type Payment struct {
	ID              uuid.UUID
	LeaseID         uuid.UUID
	InvoiceID       *uuid.UUID
	PaymentDate     time.Time
	Amount          decimal.Decimal
	Method          PaymentMethod
	BankName        string
	ChequeNumber    string
	Reference       string
	AllocatedAmount decimal.Decimal
	ReceiptURL      string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Allocated reports whether the payment is tied to an invoice.
func (p Payment) Allocated() bool {
	return p.InvoiceID != nil
}

// Allocation is an append-only record of a payment applied to an invoice.
// Reversals are stored as negative amounts.
type Allocation struct {
	ID              uuid.UUID
	PaymentID       uuid.UUID
	InvoiceID       *uuid.UUID
	TransactionID   *uuid.UUID
	AllocatedAmount decimal.Decimal
	AllocationDate  time.Time
	CreatedAt       time.Time
}

// Balance is the outstanding amount owed on a lease.
type Balance struct {
	LeaseID             uuid.UUID
	Outstanding         decimal.Decimal
	InvoicedOutstanding decimal.Decimal
	UnbilledOutstanding decimal.Decimal
	AsOf                time.Time
}

// StatementLineKind distinguishes debits from credits.
type StatementLineKind string

const (
	LineCharge  StatementLineKind = "charge"
	LinePayment StatementLineKind = "payment"
)

// StatementLine is one entry of a running balance statement.
type StatementLine struct {
	Kind           StatementLineKind
	SourceID       uuid.UUID
	Date           time.Time
	Type           string
	Description    string
	Reference      string
	Status         string
	Amount         decimal.Decimal
	RunningBalance decimal.Decimal
	createdAt      time.Time
}

// Statement is the chronological view of a lease ledger.
type Statement struct {
	LeaseID        uuid.UUID
	Lines          []StatementLine
	ClosingBalance decimal.Decimal
	GeneratedAt    time.Time
}

// ChargeFilter narrows ListCharges.
type ChargeFilter struct {
	Status ChargeStatus
	Type   ChargeType
}

// MileageInput captures excess mileage inputs before derivation.
type MileageInput struct {
	StartMileage int64
	EndMileage   int64
	Allowance    *int64
	RatePerKM    *decimal.Decimal
}

// ChargeInput describes a charge to record.
type ChargeInput struct {
	Type            ChargeType
	Description     string
	Amount          decimal.Decimal
	VATAmount       decimal.Decimal
	TransactionDate time.Time
	DueDate         *time.Time
	VehicleID       *uuid.UUID
	Mileage         *MileageInput
	Toll            *TollDetail
	Fine            *FineDetail
	Notes           string
}

// ChargeUpdate lists editable charge fields; nil leaves a field unchanged.
type ChargeUpdate struct {
	Description     *string
	Amount          *decimal.Decimal
	VATAmount       *decimal.Decimal
	TransactionDate *time.Time
	DueDate         *time.Time
	Mileage         *MileageInput
	Toll            *TollDetail
	Fine            *FineDetail
	Notes           *string
}

// InvoiceUpdate lists editable invoice fields.
type InvoiceUpdate struct {
	InvoiceDate        *time.Time
	DueDate            *time.Time
	BillingPeriodStart *time.Time
	BillingPeriodEnd   *time.Time
	Notes              *string
}

// ReceiptUpload is an optional receipt attachment.
type ReceiptUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// PaymentInput describes a payment to record.
type PaymentInput struct {
	PaymentDate    time.Time
	Amount         decimal.Decimal
	Method         PaymentMethod
	BankName       string
	ChequeNumber   string
	Reference      string
	InvoiceID      *uuid.UUID
	Notes          string
	Receipt        *ReceiptUpload
	IdempotencyKey string
}

// PaymentUpdate lists editable payment fields. Retarget moves the allocation
// to InvoiceID (nil unallocates the payment).
type PaymentUpdate struct {
	PaymentDate  *time.Time
	Amount       *decimal.Decimal
	Method       *PaymentMethod
	BankName     *string
	ChequeNumber *string
	Reference    *string
	Notes        *string
	Retarget     bool
	InvoiceID    *uuid.UUID
}

// InvoiceResult is the outcome of invoice generation.
type InvoiceResult struct {
	Invoice  Invoice
	Charges  []Charge
	Warnings []string
}

// PaymentResult is the outcome of recording or editing a payment.
type PaymentResult struct {
	Payment  Payment
	Invoices []Invoice
	Warnings []string
}
