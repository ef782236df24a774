package purchasing

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (chi.Router, *memoryRepo) {
	t.Helper()
	svc, repo, _, _ := newTestService(t)
	handler := NewHandler(slog.Default(), svc, nil, nil)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r, repo
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateOrder(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/purchase-orders", map[string]any{
		"supplier_id": "SUP-1",
		"lines": []map[string]any{
			{"product_id": "PRD-1", "ordered_qty": 10},
			{"product_id": "PRD-2", "ordered_qty": 4, "expiry_date": "2026-01-31"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		CreatedBy int64  `json:"created_by"`
		Lines     []struct {
			ProductID  string  `json:"product_id"`
			ExpiryDate *string `json:"expiry_date"`
		} `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "PO00000001", resp.ID)
	require.Equal(t, "DRAFT", resp.Status)
	require.Equal(t, int64(7), resp.CreatedBy)
	require.Len(t, resp.Lines, 2)
	require.NotNil(t, resp.Lines[1].ExpiryDate)
	require.Equal(t, "2026-01-31", *resp.Lines[1].ExpiryDate)
}

func TestHandlerCreateOrderValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	// Missing lines fails struct validation before the service runs.
	rec := doJSON(t, r, http.MethodPost, "/purchase-orders", map[string]any{"supplier_id": "SUP-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Duplicate product passes struct validation, fails in the service.
	rec = doJSON(t, r, http.MethodPost, "/purchase-orders", map[string]any{
		"supplier_id": "SUP-1",
		"lines": []map[string]any{
			{"product_id": "PRD-1", "ordered_qty": 1},
			{"product_id": "PRD-1", "ordered_qty": 2},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerWorkflow(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/purchase-orders", map[string]any{
		"supplier_id": "SUP-1",
		"lines": []map[string]any{
			{"product_id": "PRD-1", "ordered_qty": 10},
			{"product_id": "PRD-2", "ordered_qty": 4},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	base := "/purchase-orders/PO00000001"
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, base+"/submit", nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, base+"/approve", nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, base+"/send", nil).Code)

	rec = doJSON(t, r, http.MethodPost, base+"/confirm", map[string]any{
		"delivery_date": "2025-03-20",
		"prices": []map[string]any{
			{"product_id": "PRD-1", "unit_price": "2.50"},
			{"product_id": "PRD-2", "unit_price": "10"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, base+"/receive", map[string]any{
		"quantities": []map[string]any{
			{"product_id": "PRD-1", "received_qty": 8},
			{"product_id": "PRD-2", "received_qty": 4},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, base+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var closeResp struct {
		Result string `json:"result"`
		Order  struct {
			Status          string `json:"status"`
			InventoryPosted bool   `json:"inventory_posted"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closeResp))
	require.Equal(t, "POSTED", closeResp.Result)
	require.Equal(t, "CLOSED", closeResp.Order.Status)
	require.True(t, closeResp.Order.InventoryPosted)

	// Closing again reports the earlier posting.
	rec = doJSON(t, r, http.MethodPost, base+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closeResp))
	require.Equal(t, "ALREADY_POSTED", closeResp.Result)
}

func TestHandlerStateConflict(t *testing.T) {
	r, _ := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/purchase-orders", map[string]any{
		"supplier_id": "SUP-1",
		"lines":       []map[string]any{{"product_id": "PRD-1", "ordered_qty": 1}},
	})

	// Approve straight from draft.
	rec := doJSON(t, r, http.MethodPost, "/purchase-orders/PO00000001/approve", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var problem struct {
		Title  string `json:"title"`
		Status int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "Invalid State", problem.Title)
	require.Equal(t, http.StatusConflict, problem.Status)
}

func TestHandlerNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/purchase-orders/PO99999999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
