package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openledger/tokencore/internal/audit"
	"github.com/openledger/tokencore/internal/fees"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/token"
)

func setupHandlerTest(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := New(ledger.NewMemoryStore(), fees.Default(), audit.NewMemoryLogger(), nil)
	h := NewHandler(svc, slog.Default())

	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))
	h.RegisterAdminRoutes(r.Group("/api/v1/admin"))
	return r, svc
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Transfer(t *testing.T) {
	r, svc := setupHandlerTest(t)

	_, err := svc.Purchase(context.Background(),
		"u1", token.MustParse("100"), "")
	require.NoError(t, err)

	w := postJSON(r, "/api/v1/admin/transfers", TransferRequest{
		From: "u1", To: "u2", Amount: "50",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.Entries, 3)
	assert.False(t, res.Idempotent)
	assert.NotEmpty(t, res.BatchID)
}

func TestHandler_Transfer_InsufficientBalance(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := postJSON(r, "/api/v1/admin/transfers", TransferRequest{
		From: "u1", To: "u2", Amount: "50",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeInsufficientBalance, body["error"])
	assert.Equal(t, "0.00", body["balance"])
	assert.Equal(t, "50.00", body["required"])
}

func TestHandler_Transfer_InvalidAmount(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := postJSON(r, "/api/v1/admin/transfers", TransferRequest{
		From: "u1", To: "u2", Amount: "not-a-number",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeAmountNotNumber, body["error"])
}

func TestHandler_Transfer_SelfTransfer(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := postJSON(r, "/api/v1/admin/transfers", TransferRequest{
		From: "u1", To: "u1", Amount: "10",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeSelfTransfer, body["error"])
}

func TestHandler_GetBalance(t *testing.T) {
	r, svc := setupHandlerTest(t)

	_, err := svc.Purchase(context.Background(),
		"u1", token.MustParse("100"), "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/u1/balance", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "u1", body["accountId"])
	assert.Equal(t, "98.54", body["balance"])
}

func TestHandler_GetHistory(t *testing.T) {
	r, svc := setupHandlerTest(t)

	ctx := context.Background()
	_, err := svc.Purchase(ctx, "u1", token.MustParse("100"), "")
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, "u1", "u2", token.MustParse("10"), "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/u1/ledger", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entries []*ledger.Entry `json:"entries"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	// Unknown type filter is rejected.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/accounts/u1/ledger?type=bogus", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Reverse_Validation(t *testing.T) {
	r, _ := setupHandlerTest(t)

	// Neither entryId nor refId.
	w := postJSON(r, "/api/v1/admin/reversals", ReverseRequest{Reason: "oops"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Both at once.
	w = postJSON(r, "/api/v1/admin/reversals", ReverseRequest{
		EntryID: "e1", RefID: "r1", Reason: "oops",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown entry id.
	w = postJSON(r, "/api/v1/admin/reversals", ReverseRequest{
		EntryID: "ent_missing", Reason: "oops",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Ref with nothing to reverse.
	w = postJSON(r, "/api/v1/admin/reversals", ReverseRequest{
		RefID: "purchase:ghost", Reason: "oops",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Adjust(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := postJSON(r, "/api/v1/admin/adjustments", AdjustRequest{
		AccountID: "u1", Amount: "25", Direction: "credit", Reason: "backfill",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(r, "/api/v1/admin/adjustments", AdjustRequest{
		AccountID: "u1", Amount: "25", Direction: "sideways", Reason: "backfill",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
