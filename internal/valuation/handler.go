package valuation

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-ledger/internal/platform/httpx"
)

// Handler exposes valuation operations as a JSON API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers valuation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.postReceipt)
	r.Post("/consumptions", h.postConsumption)
	r.Route("/{productID}", func(r chi.Router) {
		r.Get("/cost", h.getCost)
		r.Get("/history", h.getHistory)
	})
}

type receiptRequest struct {
	ProductID   int64  `json:"product_id" validate:"required"`
	VariantID   int64  `json:"variant_id,omitempty"`
	WarehouseID int64  `json:"warehouse_id,omitempty"`
	Quantity    string `json:"quantity" validate:"required"`
	UnitCost    string `json:"unit_cost" validate:"required"`
	Reference   string `json:"reference" validate:"required"`
	Method      string `json:"method,omitempty" validate:"omitempty,oneof=WEIGHTED_AVG FIFO SPECIFIC_ID"`
	ReceivedAt  string `json:"received_at,omitempty"`
	ActorID     int64  `json:"actor_id,omitempty"`
}

type consumptionRequest struct {
	ProductID   int64  `json:"product_id" validate:"required"`
	VariantID   int64  `json:"variant_id,omitempty"`
	WarehouseID int64  `json:"warehouse_id,omitempty"`
	Quantity    string `json:"quantity" validate:"required"`
	Reference   string `json:"reference" validate:"required"`
	ConsumedAt  string `json:"consumed_at,omitempty"`
	ActorID     int64  `json:"actor_id,omitempty"`
}

type costResponse struct {
	ProductID      int64  `json:"product_id"`
	VariantID      int64  `json:"variant_id"`
	WarehouseID    int64  `json:"warehouse_id"`
	Method         string `json:"method"`
	AverageCost    string `json:"average_cost"`
	LastPurchase   string `json:"last_purchase_cost"`
	QuantityOnHand string `json:"quantity_on_hand"`
	TotalValue     string `json:"total_value"`
	LastReceiptRef string `json:"last_receipt_ref,omitempty"`
	CalculatedAt   string `json:"last_calculated_at"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

type snapshotResponse struct {
	Kind           string `json:"kind"`
	Quantity       string `json:"quantity"`
	UnitCost       string `json:"unit_cost"`
	Reference      string `json:"reference"`
	RunningAverage string `json:"running_average"`
	QuantityAfter  string `json:"quantity_after"`
	RecordedAt     string `json:"recorded_at"`
}

func toCostResponse(rec CostRecord) costResponse {
	return costResponse{
		ProductID:      rec.ProductID,
		VariantID:      rec.VariantID,
		WarehouseID:    rec.WarehouseID,
		Method:         string(rec.Method),
		AverageCost:    rec.AverageCost.StringFixed(4),
		LastPurchase:   rec.LastPurchaseCost.String(),
		QuantityOnHand: rec.QuantityOnHand.String(),
		TotalValue:     rec.TotalValue.StringFixed(4),
		LastReceiptRef: rec.LastReceiptRef,
		CalculatedAt:   rec.LastCalculatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) postReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid quantity")
		return
	}
	unitCost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid unit_cost")
		return
	}
	input := ReceiptInput{
		ProductID:   req.ProductID,
		VariantID:   req.VariantID,
		WarehouseID: req.WarehouseID,
		Quantity:    quantity,
		UnitCost:    unitCost,
		Reference:   req.Reference,
		Method:      Method(req.Method),
		ActorID:     req.ActorID,
	}
	if req.ReceivedAt != "" {
		if input.ReceivedAt, err = time.Parse(time.RFC3339, req.ReceivedAt); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid received_at")
			return
		}
	}
	result, err := h.service.PostReceipt(r.Context(), input)
	if err != nil {
		h.logger.Error("post receipt", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := toCostResponse(result.Record)
	resp.Duplicate = result.Duplicate
	if result.Duplicate {
		httpx.JSON(w, http.StatusOK, resp)
		return
	}
	httpx.Created(w, resp)
}

func (h *Handler) postConsumption(w http.ResponseWriter, r *http.Request) {
	var req consumptionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid quantity")
		return
	}
	input := ConsumptionInput{
		ProductID:   req.ProductID,
		VariantID:   req.VariantID,
		WarehouseID: req.WarehouseID,
		Quantity:    quantity,
		Reference:   req.Reference,
		ActorID:     req.ActorID,
	}
	if req.ConsumedAt != "" {
		if input.ConsumedAt, err = time.Parse(time.RFC3339, req.ConsumedAt); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid consumed_at")
			return
		}
	}
	rec, err := h.service.PostConsumption(r.Context(), input)
	if err != nil {
		h.logger.Error("post consumption", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCostResponse(rec))
}

func (h *Handler) costKey(w http.ResponseWriter, r *http.Request) (CostKey, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return CostKey{}, false
	}
	key := CostKey{ProductID: productID}
	if raw := r.URL.Query().Get("variant_id"); raw != "" {
		if key.VariantID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid variant_id")
			return CostKey{}, false
		}
	}
	if raw := r.URL.Query().Get("warehouse_id"); raw != "" {
		if key.WarehouseID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid warehouse_id")
			return CostKey{}, false
		}
	}
	return key, true
}

func (h *Handler) getCost(w http.ResponseWriter, r *http.Request) {
	key, ok := h.costKey(w, r)
	if !ok {
		return
	}
	rec, err := h.service.CurrentCost(r.Context(), key)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCostResponse(rec))
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := h.costKey(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	snaps, err := h.service.History(r.Context(), key, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := make([]snapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		resp = append(resp, snapshotResponse{
			Kind:           string(s.Kind),
			Quantity:       s.Quantity.String(),
			UnitCost:       s.UnitCost.String(),
			Reference:      s.Reference,
			RunningAverage: s.RunningAverage.StringFixed(4),
			QuantityAfter:  s.QuantityAfter.String(),
			RecordedAt:     s.RecordedAt.Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}
