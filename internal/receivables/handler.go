package receivables

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

const maxImportBytes = 10 << 20

// Handler exposes receivables over JSON and CSV.
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
	return &Handler{logger: logger, service: service, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// MountRoutes registers receivables routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/receivables", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/stats", h.stats)
		r.Get("/export.csv", h.export)
		r.Post("/imports", h.importCSV)
	})
}

type importQuery struct {
	Advisor    string `validate:"omitempty,max=120"`
	Filename   string `validate:"omitempty,max=255"`
	ReportDate string `validate:"omitempty,datetime=2006-01-02"`
}

type customerResponse struct {
	CustomerID        string `json:"customer_id"`
	CustomerName      string `json:"customer_name"`
	Advisor           string `json:"advisor"`
	Balance           string `json:"balance"`
	AgeDays           int    `json:"age_days"`
	Risk              Risk   `json:"risk"`
	LatestTransaction string `json:"latest_transaction"`
	Transactions      int    `json:"transactions"`
}

type agingResponse struct {
	Days0To30   string `json:"days_0_30"`
	Days31To60  string `json:"days_31_60"`
	Days61To90  string `json:"days_61_90"`
	Days91Above string `json:"days_91_plus"`
}

type statsResponse struct {
	TotalOutstanding string        `json:"total_outstanding"`
	Customers        int           `json:"total_customers"`
	Advisors         int           `json:"total_advisors"`
	Aging            agingResponse `json:"aging_breakdown"`
	AtRisk           string        `json:"at_risk_amount"`
	LatestImport     string        `json:"latest_import_date,omitempty"`
}

type batchResponse struct {
	ID          uuid.UUID   `json:"id"`
	Advisor     string      `json:"advisor"`
	Filename    string      `json:"filename"`
	ReportDate  string      `json:"report_date"`
	RecordCount int         `json:"record_count"`
	Status      BatchStatus `json:"status"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	customers, err := h.service.Aggregate(r.Context(), scopeFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]customerResponse, 0, len(customers))
	for _, c := range customers {
		out = append(out, customerResponse{
			CustomerID:        c.CustomerID,
			CustomerName:      c.CustomerName,
			Advisor:           c.Advisor,
			Balance:           c.Balance.StringFixed(2),
			AgeDays:           c.AgeDays,
			Risk:              c.Risk(),
			LatestTransaction: c.LatestTransaction.Format(dateLayout),
			Transactions:      c.Transactions,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"customers": out})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), scopeFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := statsResponse{
		TotalOutstanding: stats.TotalOutstanding.StringFixed(2),
		Customers:        stats.Customers,
		Advisors:         stats.Advisors,
		Aging: agingResponse{
			Days0To30:   stats.Aging.Days0To30.StringFixed(2),
			Days31To60:  stats.Aging.Days31To60.StringFixed(2),
			Days61To90:  stats.Aging.Days61To90.StringFixed(2),
			Days91Above: stats.Aging.Days91Above.StringFixed(2),
		},
		AtRisk: stats.AtRisk.StringFixed(2),
	}
	if stats.LatestImport != nil {
		resp.LatestImport = stats.LatestImport.Format(dateLayout)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	scope := scopeFrom(r)
	if err := h.service.ExportCSV(r.Context(), &buf, scope); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="receivables-%s.csv"`, scopeToken(Scope{Advisor: normaliseAdvisor(scope.Advisor)})))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) importCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := importQuery{
		Advisor:    q.Get("advisor"),
		Filename:   q.Get("filename"),
		ReportDate: q.Get("report_date"),
	}
	if err := h.validate.Struct(query); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", describe(err))
		return
	}
	var reportDate time.Time
	if query.ReportDate != "" {
		reportDate, _ = time.Parse(dateLayout, query.ReportDate)
	}
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)
	batch, err := h.service.Import(r.Context(), ImportRequest{
		Advisor:    query.Advisor,
		Filename:   query.Filename,
		ReportDate: reportDate,
		Body:       body,
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "import exceeds 10MB")
			return
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, batchResponse{
		ID:          batch.ID,
		Advisor:     batch.Advisor,
		Filename:    batch.Filename,
		ReportDate:  batch.ReportDate.Format(dateLayout),
		RecordCount: batch.RecordCount,
		Status:      batch.Status,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrConflict) {
		h.logger.Error("receivables request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func scopeFrom(r *http.Request) Scope {
	advisor := r.URL.Query().Get("advisor")
	if advisor == "all" {
		advisor = ""
	}
	return Scope{Advisor: advisor}
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
	return err.Error()
}
