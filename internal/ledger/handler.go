package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

// IdempotencyHeader carries the client's payment replay key.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the lease ledger over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: newValidator()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/leases/{leaseID}", func(r chi.Router) {
		r.Get("/charges", h.listCharges)
		r.Post("/charges", h.recordCharge)
		r.Post("/charges/monthly-rental", h.recordMonthlyRental)
		r.Get("/invoices", h.listInvoices)
		r.Post("/invoices", h.generateInvoice)
		r.Get("/payments", h.listPayments)
		r.Post("/payments", h.recordPayment)
		r.Get("/balance", h.balance)
		r.Get("/statement", h.statement)
		r.Get("/statement.csv", h.statementCSV)
	})
	r.Patch("/charges/{chargeID}", h.updateCharge)
	r.Post("/charges/{chargeID}/cancel", h.cancelCharge)
	r.Delete("/charges/{chargeID}", h.deleteCharge)
	r.Get("/invoices/{invoiceID}", h.getInvoice)
	r.Patch("/invoices/{invoiceID}", h.updateInvoice)
	r.Post("/invoices/{invoiceID}/cancel", h.cancelInvoice)
	r.Get("/payments/{paymentID}", h.getPayment)
	r.Patch("/payments/{paymentID}", h.updatePayment)
}

func (h *Handler) recordCharge(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	var req chargeRequest
	if !h.decode(w, r, &req) {
		return
	}
	charge, err := h.service.RecordCharge(r.Context(), leaseID, req.input())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toChargeResponse(charge))
}

func (h *Handler) recordMonthlyRental(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	charge, err := h.service.RecordMonthlyRental(r.Context(), leaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toChargeResponse(charge))
}

func (h *Handler) listCharges(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	filter := ChargeFilter{
		Status: ChargeStatus(r.URL.Query().Get("status")),
		Type:   ChargeType(r.URL.Query().Get("type")),
	}
	charges, err := h.service.ListCharges(r.Context(), leaseID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toChargeResponses(charges))
}

func (h *Handler) updateCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "chargeID")
	if !ok {
		return
	}
	var req chargeUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	charge, err := h.service.UpdateCharge(r.Context(), id, req.update())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toChargeResponse(charge))
}

func (h *Handler) cancelCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "chargeID")
	if !ok {
		return
	}
	charge, err := h.service.CancelCharge(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toChargeResponse(charge))
}

func (h *Handler) deleteCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "chargeID")
	if !ok {
		return
	}
	if err := h.service.DeleteCharge(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) generateInvoice(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	res, err := h.service.GenerateInvoice(r.Context(), leaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInvoiceResult(res))
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	invoices, err := h.service.ListInvoices(r.Context(), leaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoiceResponse(inv))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "invoiceID")
	if !ok {
		return
	}
	res, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResult(res))
}

func (h *Handler) updateInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "invoiceID")
	if !ok {
		return
	}
	var req invoiceUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.service.UpdateInvoice(r.Context(), id, req.update())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "invoiceID")
	if !ok {
		return
	}
	inv, err := h.service.CancelInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.RecordPayment(r.Context(), leaseID, req.input(r.Header.Get(IdempotencyHeader)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentResult(res))
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	payments, err := h.service.ListPayments(r.Context(), leaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *Handler) updatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	var req paymentUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.UpdatePayment(r.Context(), id, req.update())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentResult(res))
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	bal, err := h.service.ComputeOutstandingBalance(r.Context(), leaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{
		LeaseID:             bal.LeaseID,
		Outstanding:         bal.Outstanding,
		InvoicedOutstanding: bal.InvoicedOutstanding,
		UnbilledOutstanding: bal.UnbilledOutstanding,
		AsOf:                bal.AsOf,
	})
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	st, err := h.service.BuildStatement(r.Context(), leaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toStatementResponse(st))
}

func (h *Handler) statementCSV(w http.ResponseWriter, r *http.Request) {
	leaseID, ok := h.pathID(w, r, "leaseID")
	if !ok {
		return
	}
	st, err := h.service.BuildStatement(r.Context(), leaseID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%s.csv"`, leaseID))
	if err := WriteStatementCSV(w, st); err != nil {
		h.logger.Error("write statement csv", slog.String("lease_id", leaseID.String()), slog.Any("error", err))
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.RespondError(w, invalid(strings.TrimSuffix(param, "ID")+"_id", "must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, invalid("body", "is not valid JSON: "+err.Error()))
		return false
	}
	if err := validateRequest(h.validate, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !isClientError(err) {
		h.logger.Error("ledger request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	for _, target := range []error{httpx.ErrNotFound, httpx.ErrDuplicate, httpx.ErrConflict, httpx.ErrValidation, httpx.ErrUnprocessable} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
