package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/acopio-erp/acopio-erp/internal/platform/httpx"
	"github.com/acopio-erp/acopio-erp/internal/shared"
)

const actorHeader = "X-Actor-ID"

// Handler wires HTTP endpoints for stock balances and the movement journal.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stock", func(r chi.Router) {
		r.Get("/balances", h.handleListBalances)
		r.Get("/balances/{productID}", h.handleGetBalance)
		r.Put("/balances/{productID}/reorder-level", h.handleSetReorderLevel)
		r.Get("/kardex/{productID}", h.handleKardex)
	})
}

type reorderLevelRequest struct {
	ReorderMin int64 `json:"reorder_min" validate:"gte=0"`
}

func (h *Handler) handleListBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filter := BalanceFilter{
		BelowReorderOnly: q.Get("below_reorder") == "true",
		Limit:            limit,
		Offset:           offset,
	}
	balances, err := h.service.ListBalances(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if balances == nil {
		balances = []Balance{}
	}
	httpx.JSON(w, http.StatusOK, balances)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.Balance(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleSetReorderLevel(w http.ResponseWriter, r *http.Request) {
	var req reorderLevelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	productID := chi.URLParam(r, "productID")
	audit := shared.AuditContext{}
	audit.ActorID, _ = strconv.ParseInt(r.Header.Get(actorHeader), 10, 64)
	if err := h.service.SetReorderLevel(r.Context(), audit, productID, req.ReorderMin); err != nil {
		h.respondError(w, err)
		return
	}
	balance, err := h.service.Balance(r.Context(), productID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) handleKardex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := KardexFilter{ProductID: chi.URLParam(r, "productID")}
	if fromStr := q.Get("from"); fromStr != "" {
		from, err := time.Parse(time.DateOnly, fromStr)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
		filter.From = from
	}
	if toStr := q.Get("to"); toStr != "" {
		to, err := time.Parse(time.DateOnly, toStr)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		// exclusive upper bound at end of day
		filter.To = to.Add(24 * time.Hour)
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	movements, err := h.service.Kardex(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if movements == nil {
		movements = []Movement{}
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNotReceived):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrPostingInFlight), errors.Is(err, shared.ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("inventory request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
