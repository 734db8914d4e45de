package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-ledger/internal/platform/httpx"
)

const dateLayout = "2006-01-02"

// Handler exposes the subledger operations as a JSON API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/{customerID}", func(r chi.Router) {
		r.Post("/invoices", h.postInvoice)
		r.Post("/payments", h.postPayment)
		r.Post("/credit-notes", h.postCreditNote)
		r.Post("/debit-notes", h.postDebitNote)
		r.Post("/opening-balance", h.postOpeningBalance)
		r.Post("/settle", h.runSettlement)
		r.Get("/balance", h.getBalance)
		r.Get("/outstanding", h.getOutstanding)
		r.Get("/statement", h.getStatement)
		r.Get("/aging", h.getAging)
		r.Get("/entries/{entryID}/allocations", h.getAllocations)
	})
}

type postingRequest struct {
	Amount    string `json:"amount" validate:"required"`
	TxDate    string `json:"tx_date" validate:"required"`
	DueDate   string `json:"due_date,omitempty"`
	RefType   string `json:"ref_type" validate:"required"`
	RefNumber string `json:"ref_number" validate:"required"`
	SourceID  string `json:"source_id,omitempty" validate:"omitempty,uuid"`
	Note      string `json:"note,omitempty"`
	ActorID   int64  `json:"actor_id,omitempty"`
}

type entryResponse struct {
	ID          int64   `json:"id"`
	CustomerID  int64   `json:"customer_id"`
	Kind        string  `json:"kind"`
	TxDate      string  `json:"tx_date"`
	DueDate     *string `json:"due_date,omitempty"`
	RefType     string  `json:"ref_type"`
	RefNumber   string  `json:"ref_number"`
	Debit       string  `json:"debit"`
	Credit      string  `json:"credit"`
	Balance     string  `json:"balance"`
	Settlement  string  `json:"settlement_status"`
	SettledAt   *string `json:"settled_at,omitempty"`
	Duplicate   bool    `json:"duplicate,omitempty"`
	Allocations int     `json:"allocations,omitempty"`
	Outstanding *string `json:"outstanding,omitempty"`
}

func toEntryResponse(e Entry) entryResponse {
	resp := entryResponse{
		ID:         e.ID,
		CustomerID: e.CustomerID,
		Kind:       string(e.Kind),
		TxDate:     e.TxDate.Format(dateLayout),
		RefType:    e.Reference.Type,
		RefNumber:  e.Reference.Number,
		Debit:      e.Debit.String(),
		Credit:     e.Credit.String(),
		Balance:    e.Balance.String(),
		Settlement: string(e.SettlementStatus),
	}
	if e.DueDate != nil {
		due := e.DueDate.Format(dateLayout)
		resp.DueDate = &due
	}
	if e.SettledAt != nil {
		settled := e.SettledAt.Format(time.RFC3339)
		resp.SettledAt = &settled
	}
	return resp
}

func (h *Handler) decodePosting(w http.ResponseWriter, r *http.Request) (postingRequest, int64, decimal.Decimal, time.Time, Reference, bool) {
	var req postingRequest
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return req, 0, decimal.Zero, time.Time{}, Reference{}, false
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return req, 0, decimal.Zero, time.Time{}, Reference{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return req, 0, decimal.Zero, time.Time{}, Reference{}, false
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid amount")
		return req, 0, decimal.Zero, time.Time{}, Reference{}, false
	}
	txDate, err := time.Parse(dateLayout, req.TxDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tx_date")
		return req, 0, decimal.Zero, time.Time{}, Reference{}, false
	}
	ref := Reference{Type: req.RefType, Number: req.RefNumber}
	if req.SourceID != "" {
		ref.SourceID, _ = uuid.Parse(req.SourceID)
	}
	return req, customerID, amount, txDate, ref, true
}

func (h *Handler) postInvoice(w http.ResponseWriter, r *http.Request) {
	req, customerID, amount, txDate, ref, ok := h.decodePosting(w, r)
	if !ok {
		return
	}
	dueDate, err := time.Parse(dateLayout, req.DueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid due_date")
		return
	}
	result, err := h.service.PostInvoice(r.Context(), PostInvoiceInput{
		CustomerID: customerID,
		Amount:     amount,
		TxDate:     txDate,
		DueDate:    dueDate,
		Reference:  ref,
		Note:       req.Note,
		ActorID:    req.ActorID,
	})
	h.respondPosting(w, result, err)
}

func (h *Handler) postPayment(w http.ResponseWriter, r *http.Request) {
	req, customerID, amount, txDate, ref, ok := h.decodePosting(w, r)
	if !ok {
		return
	}
	result, err := h.service.PostPayment(r.Context(), PostPaymentInput{
		CustomerID: customerID,
		Amount:     amount,
		TxDate:     txDate,
		Reference:  ref,
		Note:       req.Note,
		ActorID:    req.ActorID,
	})
	h.respondPosting(w, result, err)
}

func (h *Handler) postCreditNote(w http.ResponseWriter, r *http.Request) {
	req, customerID, amount, txDate, ref, ok := h.decodePosting(w, r)
	if !ok {
		return
	}
	result, err := h.service.PostCreditNote(r.Context(), PostNoteInput{
		CustomerID: customerID,
		Amount:     amount,
		TxDate:     txDate,
		Reference:  ref,
		Note:       req.Note,
		ActorID:    req.ActorID,
	})
	h.respondPosting(w, result, err)
}

func (h *Handler) postDebitNote(w http.ResponseWriter, r *http.Request) {
	req, customerID, amount, txDate, ref, ok := h.decodePosting(w, r)
	if !ok {
		return
	}
	input := PostNoteInput{
		CustomerID: customerID,
		Amount:     amount,
		TxDate:     txDate,
		Reference:  ref,
		Note:       req.Note,
		ActorID:    req.ActorID,
	}
	if req.DueDate != "" {
		due, err := time.Parse(dateLayout, req.DueDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid due_date")
			return
		}
		input.DueDate = &due
	}
	result, err := h.service.PostDebitNote(r.Context(), input)
	h.respondPosting(w, result, err)
}

func (h *Handler) postOpeningBalance(w http.ResponseWriter, r *http.Request) {
	req, customerID, amount, txDate, ref, ok := h.decodePosting(w, r)
	if !ok {
		return
	}
	result, err := h.service.PostOpeningBalance(r.Context(), OpeningBalanceInput{
		CustomerID: customerID,
		Amount:     amount,
		TxDate:     txDate,
		Reference:  ref,
		Note:       req.Note,
		ActorID:    req.ActorID,
	})
	h.respondPosting(w, result, err)
}

func (h *Handler) respondPosting(w http.ResponseWriter, result AppendResult, err error) {
	if err != nil {
		h.logger.Error("ledger posting", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := toEntryResponse(result.Entry)
	resp.Duplicate = result.Duplicate
	resp.Allocations = result.Allocations
	if result.Duplicate {
		httpx.JSON(w, http.StatusOK, resp)
		return
	}
	httpx.Created(w, resp)
}

func (h *Handler) runSettlement(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	allocated, err := h.service.RunSettlement(r.Context(), customerID)
	if err != nil {
		h.logger.Error("run settlement", slog.Any("error", err), slog.Int64("customer_id", customerID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"customer_id": customerID, "allocations": allocated})
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err = time.Parse(dateLayout, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid as_of")
			return
		}
	}
	balance, err := h.service.BalanceAsOf(r.Context(), customerID, asOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"customer_id": customerID, "balance": balance.String()})
}

func (h *Handler) getOutstanding(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	debits, err := h.service.OutstandingDebits(r.Context(), customerID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]entryResponse, 0, len(debits))
	for _, d := range debits {
		item := toEntryResponse(d.Entry)
		outstanding := d.Outstanding.String()
		item.Outstanding = &outstanding
		resp = append(resp, item)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getAllocations(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	entryID, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid entry id")
		return
	}
	allocs, err := h.service.Allocations(r.Context(), customerID, entryID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]map[string]any, 0, len(allocs))
	for _, a := range allocs {
		resp = append(resp, map[string]any{
			"id":              a.ID,
			"debit_entry_id":  a.DebitEntryID,
			"credit_entry_id": a.CreditEntryID,
			"amount":          a.Amount.String(),
			"allocated_at":    a.AllocatedAt.Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getStatement(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	filter := StatementFilter{CustomerID: customerID}
	if raw := r.URL.Query().Get("from"); raw != "" {
		if filter.From, err = time.Parse(dateLayout, raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid from")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if filter.To, err = time.Parse(dateLayout, raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid to")
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}
	entries, err := h.service.Statement(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getAging(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid customer id")
		return
	}
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		if asOf, err = time.Parse(dateLayout, raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid as_of")
			return
		}
	}
	aging, err := h.service.Aging(r.Context(), customerID, asOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"customer_id": customerID,
		"current":     aging.Current.String(),
		"bucket_30":   aging.Bucket30.String(),
		"bucket_60":   aging.Bucket60.String(),
		"bucket_90":   aging.Bucket90.String(),
		"bucket_120":  aging.Bucket120.String(),
		"total":       aging.Total().String(),
	})
}
