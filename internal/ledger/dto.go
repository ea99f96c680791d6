package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const dateLayout = time.DateOnly

type mileageRequest struct {
	StartMileage int64            `json:"start_mileage" validate:"gte=0"`
	EndMileage   int64            `json:"end_mileage" validate:"gte=0,gtefield=StartMileage"`
	Allowance    *int64           `json:"allowance" validate:"omitempty,gte=0"`
	RatePerKM    *decimal.Decimal `json:"rate_per_km"`
}

func (m *mileageRequest) input() *MileageInput {
	if m == nil {
		return nil
	}
	return &MileageInput{StartMileage: m.StartMileage, EndMileage: m.EndMileage, Allowance: m.Allowance, RatePerKM: m.RatePerKM}
}

type chargeRequest struct {
	Type            string          `json:"type" validate:"required,oneof=monthly_rental excess_mileage salik_charges traffic_fine adjustment"`
	Description     string          `json:"description" validate:"max=255"`
	Amount          decimal.Decimal `json:"amount"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	TransactionDate string          `json:"transaction_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate         string          `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	VehicleID       string          `json:"vehicle_id" validate:"omitempty,uuid"`
	Mileage         *mileageRequest `json:"mileage"`
	Toll            *TollDetail     `json:"toll"`
	Fine            *FineDetail     `json:"fine"`
	Notes           string          `json:"notes" validate:"max=1000"`
}

func (r chargeRequest) input() ChargeInput {
	in := ChargeInput{
		Type:            ChargeType(r.Type),
		Description:     r.Description,
		Amount:          r.Amount,
		VATAmount:       r.VATAmount,
		TransactionDate: parseDate(r.TransactionDate),
		DueDate:         parseDatePtr(&r.DueDate),
		VehicleID:       parseUUIDPtr(&r.VehicleID),
		Mileage:         r.Mileage.input(),
		Toll:            r.Toll,
		Fine:            r.Fine,
		Notes:           r.Notes,
	}
	return in
}

type chargeUpdateRequest struct {
	Description     *string          `json:"description" validate:"omitempty,max=255"`
	Amount          *decimal.Decimal `json:"amount"`
	VATAmount       *decimal.Decimal `json:"vat_amount"`
	TransactionDate *string          `json:"transaction_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate         *string          `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Mileage         *mileageRequest  `json:"mileage"`
	Toll            *TollDetail      `json:"toll"`
	Fine            *FineDetail      `json:"fine"`
	Notes           *string          `json:"notes" validate:"omitempty,max=1000"`
}

func (r chargeUpdateRequest) update() ChargeUpdate {
	return ChargeUpdate{
		Description:     r.Description,
		Amount:          r.Amount,
		VATAmount:       r.VATAmount,
		TransactionDate: parseDatePtr(r.TransactionDate),
		DueDate:         parseDatePtr(r.DueDate),
		Mileage:         r.Mileage.input(),
		Toll:            r.Toll,
		Fine:            r.Fine,
		Notes:           r.Notes,
	}
}

type invoiceUpdateRequest struct {
	InvoiceDate        *string `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate            *string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	BillingPeriodStart *string `json:"billing_period_start" validate:"omitempty,datetime=2006-01-02"`
	BillingPeriodEnd   *string `json:"billing_period_end" validate:"omitempty,datetime=2006-01-02"`
	Notes              *string `json:"notes" validate:"omitempty,max=1000"`
}

func (r invoiceUpdateRequest) update() InvoiceUpdate {
	return InvoiceUpdate{
		InvoiceDate:        parseDatePtr(r.InvoiceDate),
		DueDate:            parseDatePtr(r.DueDate),
		BillingPeriodStart: parseDatePtr(r.BillingPeriodStart),
		BillingPeriodEnd:   parseDatePtr(r.BillingPeriodEnd),
		Notes:              r.Notes,
	}
}

type receiptRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data" validate:"required,max=10485760"`
}

type paymentRequest struct {
	PaymentDate   string          `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method" validate:"required,oneof=cash bank_transfer cheque credit_card"`
	BankName      string          `json:"bank_name" validate:"max=120"`
	ChequeNumber  string          `json:"cheque_number" validate:"max=60"`
	Reference     string          `json:"reference" validate:"max=120"`
	InvoiceID     string          `json:"invoice_id" validate:"omitempty,uuid"`
	Notes         string          `json:"notes" validate:"max=1000"`
	Receipt       *receiptRequest `json:"receipt"`
}

func (r paymentRequest) input(idempotencyKey string) PaymentInput {
	in := PaymentInput{
		PaymentDate:    parseDate(r.PaymentDate),
		Amount:         r.Amount,
		Method:         PaymentMethod(r.PaymentMethod),
		BankName:       r.BankName,
		ChequeNumber:   r.ChequeNumber,
		Reference:      r.Reference,
		InvoiceID:      parseUUIDPtr(&r.InvoiceID),
		Notes:          r.Notes,
		IdempotencyKey: idempotencyKey,
	}
	if r.Receipt != nil {
		in.Receipt = &ReceiptUpload{Filename: r.Receipt.Filename, ContentType: r.Receipt.ContentType, Data: r.Receipt.Data}
	}
	return in
}

type paymentUpdateRequest struct {
	PaymentDate   *string          `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	Amount        *decimal.Decimal `json:"amount"`
	PaymentMethod *string          `json:"payment_method" validate:"omitempty,oneof=cash bank_transfer cheque credit_card"`
	BankName      *string          `json:"bank_name" validate:"omitempty,max=120"`
	ChequeNumber  *string          `json:"cheque_number" validate:"omitempty,max=60"`
	Reference     *string          `json:"reference" validate:"omitempty,max=120"`
	Notes         *string          `json:"notes" validate:"omitempty,max=1000"`
	Retarget      bool             `json:"retarget"`
	InvoiceID     *string          `json:"invoice_id" validate:"omitempty,uuid"`
}

func (r paymentUpdateRequest) update() PaymentUpdate {
	upd := PaymentUpdate{
		PaymentDate:  parseDatePtr(r.PaymentDate),
		Amount:       r.Amount,
		BankName:     r.BankName,
		ChequeNumber: r.ChequeNumber,
		Reference:    r.Reference,
		Notes:        r.Notes,
		Retarget:     r.Retarget,
		InvoiceID:    parseUUIDPtr(r.InvoiceID),
	}
	if r.PaymentMethod != nil {
		m := PaymentMethod(*r.PaymentMethod)
		upd.Method = &m
	}
	return upd
}

type chargeResponse struct {
	ID              uuid.UUID       `json:"id"`
	LeaseID         uuid.UUID       `json:"lease_id"`
	VehicleID       *uuid.UUID      `json:"vehicle_id,omitempty"`
	Type            ChargeType      `json:"type"`
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	BalanceAmount   decimal.Decimal `json:"balance_amount"`
	DueDate         string          `json:"due_date"`
	TransactionDate string          `json:"transaction_date"`
	Status          ChargeStatus    `json:"status"`
	InvoiceID       *uuid.UUID      `json:"invoice_id,omitempty"`
	InvoiceNumber   string          `json:"invoice_number,omitempty"`
	Mileage         *MileageDetail  `json:"mileage,omitempty"`
	Toll            *TollDetail     `json:"toll,omitempty"`
	Fine            *FineDetail     `json:"fine,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

func toChargeResponse(c Charge) chargeResponse {
	return chargeResponse{
		ID: c.ID, LeaseID: c.LeaseID, VehicleID: c.VehicleID, Type: c.Type, Description: c.Description,
		Amount: c.Amount, VATAmount: c.VATAmount, TotalAmount: c.TotalAmount, BalanceAmount: c.BalanceAmount,
		DueDate: formatDate(c.DueDate), TransactionDate: formatDate(c.TransactionDate), Status: c.Status,
		InvoiceID: c.InvoiceID, InvoiceNumber: c.InvoiceNumber, Mileage: c.Mileage, Toll: c.Toll, Fine: c.Fine,
		Notes: c.Notes,
	}
}

func toChargeResponses(charges []Charge) []chargeResponse {
	out := make([]chargeResponse, 0, len(charges))
	for _, c := range charges {
		out = append(out, toChargeResponse(c))
	}
	return out
}

type invoiceResponse struct {
	ID                 uuid.UUID        `json:"id"`
	LeaseID            uuid.UUID        `json:"lease_id"`
	Number             string           `json:"invoice_number"`
	InvoiceDate        string           `json:"invoice_date"`
	DueDate            string           `json:"due_date"`
	BillingPeriodStart string           `json:"billing_period_start"`
	BillingPeriodEnd   string           `json:"billing_period_end"`
	Subtotal           decimal.Decimal  `json:"subtotal"`
	VATAmount          decimal.Decimal  `json:"vat_amount"`
	TotalAmount        decimal.Decimal  `json:"total_amount"`
	PaidAmount         decimal.Decimal  `json:"paid_amount"`
	Outstanding        decimal.Decimal  `json:"outstanding"`
	Status             InvoiceStatus    `json:"status"`
	DocumentURL        string           `json:"document_url,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	Charges            []chargeResponse `json:"charges,omitempty"`
	Warnings           []string         `json:"warnings,omitempty"`
}

func toInvoiceResponse(i Invoice) invoiceResponse {
	return invoiceResponse{
		ID: i.ID, LeaseID: i.LeaseID, Number: i.Number,
		InvoiceDate: formatDate(i.InvoiceDate), DueDate: formatDate(i.DueDate),
		BillingPeriodStart: formatDate(i.BillingPeriodStart), BillingPeriodEnd: formatDate(i.BillingPeriodEnd),
		Subtotal: i.Subtotal, VATAmount: i.VATAmount, TotalAmount: i.TotalAmount, PaidAmount: i.PaidAmount,
		Outstanding: i.Outstanding(), Status: i.Status, DocumentURL: i.DocumentURL, Notes: i.Notes,
	}
}

func toInvoiceResult(res InvoiceResult) invoiceResponse {
	out := toInvoiceResponse(res.Invoice)
	out.Charges = toChargeResponses(res.Charges)
	out.Warnings = res.Warnings
	return out
}

type paymentResponse struct {
	ID              uuid.UUID         `json:"id"`
	LeaseID         uuid.UUID         `json:"lease_id"`
	InvoiceID       *uuid.UUID        `json:"invoice_id,omitempty"`
	PaymentDate     string            `json:"payment_date"`
	Amount          decimal.Decimal   `json:"amount"`
	Method          PaymentMethod     `json:"payment_method"`
	BankName        string            `json:"bank_name,omitempty"`
	ChequeNumber    string            `json:"cheque_number,omitempty"`
	Reference       string            `json:"reference,omitempty"`
	AllocatedAmount decimal.Decimal   `json:"allocated_amount"`
	ReceiptURL      string            `json:"receipt_url,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	Invoices        []invoiceResponse `json:"invoices,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
}

func toPaymentResponse(p Payment) paymentResponse {
	return paymentResponse{
		ID: p.ID, LeaseID: p.LeaseID, InvoiceID: p.InvoiceID, PaymentDate: formatDate(p.PaymentDate),
		Amount: p.Amount, Method: p.Method, BankName: p.BankName, ChequeNumber: p.ChequeNumber,
		Reference: p.Reference, AllocatedAmount: p.AllocatedAmount, ReceiptURL: p.ReceiptURL, Notes: p.Notes,
	}
}

func toPaymentResult(res PaymentResult) paymentResponse {
	out := toPaymentResponse(res.Payment)
	for _, inv := range res.Invoices {
		out.Invoices = append(out.Invoices, toInvoiceResponse(inv))
	}
	out.Warnings = res.Warnings
	return out
}

type balanceResponse struct {
	LeaseID             uuid.UUID       `json:"lease_id"`
	Outstanding         decimal.Decimal `json:"outstanding"`
	InvoicedOutstanding decimal.Decimal `json:"invoiced_outstanding"`
	UnbilledOutstanding decimal.Decimal `json:"unbilled_outstanding"`
	AsOf                time.Time       `json:"as_of"`
}

type statementLineResponse struct {
	Kind           StatementLineKind `json:"kind"`
	SourceID       uuid.UUID         `json:"source_id"`
	Date           string            `json:"date"`
	Type           string            `json:"type"`
	Description    string            `json:"description"`
	Reference      string            `json:"reference,omitempty"`
	Status         string            `json:"status,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	RunningBalance decimal.Decimal   `json:"running_balance"`
}

type statementResponse struct {
	LeaseID        uuid.UUID               `json:"lease_id"`
	Lines          []statementLineResponse `json:"lines"`
	ClosingBalance decimal.Decimal         `json:"closing_balance"`
	GeneratedAt    time.Time               `json:"generated_at"`
}

func toStatementResponse(st Statement) statementResponse {
	out := statementResponse{
		LeaseID:        st.LeaseID,
		Lines:          make([]statementLineResponse, 0, len(st.Lines)),
		ClosingBalance: st.ClosingBalance,
		GeneratedAt:    st.GeneratedAt,
	}
	for _, l := range st.Lines {
		out.Lines = append(out.Lines, statementLineResponse{
			Kind: l.Kind, SourceID: l.SourceID, Date: formatDate(l.Date), Type: l.Type,
			Description: l.Description, Reference: l.Reference, Status: l.Status,
			Amount: l.Amount, RunningBalance: l.RunningBalance,
		})
	}
	return out
}

func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(dateLayout, v)
	return t
}

func parseDatePtr(v *string) *time.Time {
	if v == nil || *v == "" {
		return nil
	}
	t := parseDate(*v)
	return &t
}

func parseUUIDPtr(v *string) *uuid.UUID {
	if v == nil || *v == "" {
		return nil
	}
	id, err := uuid.Parse(*v)
	if err != nil {
		return nil
	}
	return &id
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
