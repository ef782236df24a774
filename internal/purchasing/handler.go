package purchasing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/acopio-erp/acopio-erp/internal/inventory"
	"github.com/acopio-erp/acopio-erp/internal/observability"
	"github.com/acopio-erp/acopio-erp/internal/platform/httpx"
	"github.com/acopio-erp/acopio-erp/internal/shared"
)

// actorHeader carries the acting user id on every mutating request. There is
// no session layer; callers identify themselves explicitly.
const actorHeader = "X-Actor-ID"

// Handler wires HTTP endpoints for the purchase order workflow.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	approvals *shared.ApprovalRecorder
	metrics   *observability.Metrics
	validator *validator.Validate
}

// NewHandler constructs the purchasing handler. Metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, approvals *shared.ApprovalRecorder, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		approvals: approvals,
		metrics:   metrics,
		validator: validator.New(),
	}
}

// MountRoutes registers purchasing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Post("/lines", h.handleAddLine)
			r.Delete("/lines/{productID}", h.handleRemoveLine)
			r.Post("/submit", h.handleSubmit)
			r.Post("/approve", h.handleApprove)
			r.Post("/send", h.handleSend)
			r.Post("/confirm", h.handleConfirm)
			r.Post("/receive", h.handleReceive)
			r.Post("/close", h.handleClose)
			r.Post("/cancel", h.handleCancel)
			r.Get("/approvals", h.handleApprovals)
		})
	})
}

type lineRequest struct {
	ProductID  string `json:"product_id" validate:"required"`
	OrderedQty int64  `json:"ordered_qty" validate:"required,gt=0"`
	ExpiryDate string `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type createOrderRequest struct {
	SupplierID   string        `json:"supplier_id" validate:"required"`
	Observations string        `json:"observations,omitempty"`
	Lines        []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type confirmRequest struct {
	DeliveryDate string `json:"delivery_date" validate:"required,datetime=2006-01-02"`
	Prices       []struct {
		ProductID string          `json:"product_id" validate:"required"`
		UnitPrice decimal.Decimal `json:"unit_price"`
	} `json:"prices" validate:"dive"`
}

type receiveRequest struct {
	Quantities []struct {
		ProductID   string `json:"product_id" validate:"required"`
		ReceivedQty int64  `json:"received_qty" validate:"gte=0"`
	} `json:"quantities" validate:"required,min=1,dive"`
}

type lineResponse struct {
	ProductID   string           `json:"product_id"`
	OrderedQty  int64            `json:"ordered_qty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	ExpiryDate  *string          `json:"expiry_date,omitempty"`
	ReceivedQty *int64           `json:"received_qty,omitempty"`
	Subtotal    decimal.Decimal  `json:"subtotal"`
}

type orderResponse struct {
	ID              string         `json:"id"`
	SupplierID      string         `json:"supplier_id"`
	Status          string         `json:"status"`
	DeliveryDate    *string        `json:"delivery_date,omitempty"`
	Observations    string         `json:"observations,omitempty"`
	InventoryPosted bool           `json:"inventory_posted"`
	PostedAt        *time.Time     `json:"posted_at,omitempty"`
	CreatedBy       int64          `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	ModifiedBy      int64          `json:"modified_by"`
	ModifiedAt      time.Time      `json:"modified_at"`
	Lines           []lineResponse `json:"lines"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateOrderInput{SupplierID: req.SupplierID, Observations: req.Observations}
	for _, l := range req.Lines {
		line := LineInput{ProductID: l.ProductID, OrderedQty: l.OrderedQty}
		if l.ExpiryDate != "" {
			d, err := time.Parse(time.DateOnly, l.ExpiryDate)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expiry_date must be YYYY-MM-DD")
				return
			}
			line.ExpiryDate = &d
		}
		input.Lines = append(input.Lines, line)
	}
	order, err := h.service.CreateOrder(r.Context(), auditFrom(r), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("purchase order created", slog.String("order_id", order.ID), slog.String("supplier_id", order.SupplierID))
	full, lines, err := h.service.GetOrder(r.Context(), order.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOrderResponse(full, lines))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	filters := ListFilters{
		Status:     Status(q.Get("status")),
		SupplierID: q.Get("supplier_id"),
		Search:     q.Get("q"),
		SortBy:     q.Get("sort_by"),
		SortDir:    q.Get("sort_dir"),
	}
	items, total, err := h.service.ListOrders(r.Context(), limit, offset, filters)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if items == nil {
		items = []OrderListItem{}
	}
	page := offset/limit + 1
	meta := shared.NewPagination(page, limit, total)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"pagination": map[string]any{
			"page":        meta.Page,
			"per_page":    meta.PerPage,
			"total_pages": meta.TotalPages,
		},
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	order, lines, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order, lines))
}

func (h *Handler) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := LineInput{ProductID: req.ProductID, OrderedQty: req.OrderedQty}
	if req.ExpiryDate != "" {
		d, err := time.Parse(time.DateOnly, req.ExpiryDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expiry_date must be YYYY-MM-DD")
			return
		}
		input.ExpiryDate = &d
	}
	if err := h.service.AddLine(r.Context(), auditFrom(r), chi.URLParam(r, "id"), input); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOrder(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if err := h.service.RemoveLine(r.Context(), auditFrom(r), orderID, chi.URLParam(r, "productID")); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOrder(w, r, orderID)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.SubmitForReview)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Send)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	delivery, err := time.Parse(time.DateOnly, req.DeliveryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "delivery_date must be YYYY-MM-DD")
		return
	}
	input := ConfirmInput{DeliveryDate: delivery}
	for _, p := range req.Prices {
		input.Prices = append(input.Prices, LinePrice{ProductID: p.ProductID, UnitPrice: p.UnitPrice})
	}
	orderID := chi.URLParam(r, "id")
	if err := h.service.Confirm(r.Context(), auditFrom(r), orderID, input); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOrder(w, r, orderID)
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var input ReceiveInput
	for _, q := range req.Quantities {
		input.Quantities = append(input.Quantities, LineReceipt{ProductID: q.ProductID, ReceivedQty: q.ReceivedQty})
	}
	orderID := chi.URLParam(r, "id")
	if err := h.service.Receive(r.Context(), auditFrom(r), orderID, input); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOrder(w, r, orderID)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	result, err := h.service.CloseAndPost(r.Context(), auditFrom(r), orderID)
	h.metrics.ObservePosting(string(result))
	if err != nil {
		h.respondError(w, err)
		return
	}
	order, lines, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"result": string(result),
		"order":  toOrderResponse(order, lines),
	})
}

func (h *Handler) handleApprovals(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if _, _, err := h.service.GetOrder(r.Context(), orderID); err != nil {
		h.respondError(w, err)
		return
	}
	logs, err := h.approvals.List(r.Context(), approvalModule, shared.RefForDocument(approvalModule, orderID))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if logs == nil {
		logs = []shared.ApprovalLog{}
	}
	httpx.JSON(w, http.StatusOK, logs)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, audit shared.AuditContext, orderID string) error) {
	orderID := chi.URLParam(r, "id")
	if err := fn(r.Context(), auditFrom(r), orderID); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondOrder(w, r, orderID)
}

func (h *Handler) respondOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	order, lines, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderResponse(order, lines))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound) || errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, inventory.ErrNotReceived):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrConflict) || errors.Is(err, inventory.ErrPostingInFlight):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("purchasing request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toOrderResponse(o PurchaseOrder, lines []OrderLine) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		SupplierID:      o.SupplierID,
		Status:          string(o.Status),
		Observations:    o.Observations,
		InventoryPosted: o.InventoryPosted,
		PostedAt:        o.PostedAt,
		CreatedBy:       o.Audit.CreatedBy,
		CreatedAt:       o.Audit.CreatedAt,
		ModifiedBy:      o.Audit.ModifiedBy,
		ModifiedAt:      o.Audit.ModifiedAt,
		Lines:           []lineResponse{},
	}
	if o.DeliveryDate != nil {
		d := o.DeliveryDate.Format(time.DateOnly)
		resp.DeliveryDate = &d
	}
	for _, l := range lines {
		lr := lineResponse{
			ProductID:   l.ProductID,
			OrderedQty:  l.OrderedQty,
			UnitPrice:   l.UnitPrice,
			ReceivedQty: l.ReceivedQty,
			Subtotal:    l.Subtotal,
		}
		if l.ExpiryDate != nil {
			d := l.ExpiryDate.Format(time.DateOnly)
			lr.ExpiryDate = &d
		}
		resp.Lines = append(resp.Lines, lr)
	}
	return resp
}

// auditFrom builds the audit context from the actor header. Requests without
// the header act as actor 0 (system).
func auditFrom(r *http.Request) shared.AuditContext {
	actor, _ := strconv.ParseInt(r.Header.Get(actorHeader), 10, 64)
	return shared.AuditContext{ActorID: actor}
}
