package inventory

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newStockRouter(t *testing.T, repo *memoryLedgerRepo) http.Handler {
	t.Helper()
	svc := newLedgerService(repo)
	h := NewHandler(slog.Default(), svc)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func TestHandlerGetBalance(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.balances["PRD-1"] = Balance{ProductID: "PRD-1", OnHand: 15, UnitCost: decimal.Zero}
	r := newStockRouter(t, repo)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock/balances/PRD-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ProductID string `json:"ProductID"`
		OnHand    int64  `json:"OnHand"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "PRD-1", body.ProductID)
	require.Equal(t, int64(15), body.OnHand)
}

func TestHandlerSetReorderLevel(t *testing.T) {
	repo := newMemoryLedgerRepo()
	r := newStockRouter(t, repo)

	payload, _ := json.Marshal(map[string]any{"reorder_min": 25})
	req := httptest.NewRequest(http.MethodPut, "/stock/balances/PRD-1/reorder-level", bytes.NewReader(payload))
	req.Header.Set("X-Actor-ID", "7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(25), repo.balances["PRD-1"].ReorderMin)

	payload, _ = json.Marshal(map[string]any{"reorder_min": -1})
	req = httptest.NewRequest(http.MethodPut, "/stock/balances/PRD-1/reorder-level", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerKardex(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.movements = append(repo.movements, Movement{
		ID:        "MV00000001",
		ProductID: "PRD-1",
		Direction: DirectionIn,
		Qty:       5,
		UnitPrice: decimal.RequireFromString("2.50"),
		Reference: "PO00000001",
		PostedAt:  time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	})
	r := newStockRouter(t, repo)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock/kardex/PRD-1?from=2025-03-01", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var movements []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &movements))
	require.Len(t, movements, 1)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock/kardex/PRD-1?from=bad-date", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
