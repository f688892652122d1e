package inventory

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (http.Handler, *ledgerFixture) {
	t.Helper()
	f := newFixture(t)
	r := chi.NewRouter()
	NewHandler(nil, f.svc).MountRoutes(r)
	return r, f
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerReceiptLifecycle(t *testing.T) {
	h, f := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/receipts", map[string]any{
		"number":       "GRN-1",
		"warehouse_id": 1,
		"lines": []map[string]any{
			{"product_id": 3, "quantity": 4, "unit_cost": "12.50", "expiry_date": "2027-02-01"},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created ReceiptResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotNil(t, created.Lines[0].ExpiryDate)

	path := "/receipts/" + idString(created.Receipt.ID)
	rr = doJSON(t, h, http.MethodPost, path+"/apply", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.EqualValues(t, 4, f.stock(t, 3, 1))

	rr = doJSON(t, h, http.MethodPost, path+"/apply", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"noop"`)
	require.EqualValues(t, 4, f.stock(t, 3, 1))

	rr = doJSON(t, h, http.MethodPut, path+"/lines", map[string]any{
		"lines": []map[string]any{{"product_id": 3, "quantity": 1, "unit_cost": "1", "expiry_date": "2027-02-01"}},
	})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, h, http.MethodPost, path+"/status", map[string]any{"status": "pending"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.EqualValues(t, 0, f.stock(t, 3, 1))
}

func TestHandlerDeductShortageProblem(t *testing.T) {
	h, f := newTestRouter(t)
	f.receive(t, "GRN-1", 1, receiptLine(2, 10, 5, nil))

	rr := doJSON(t, h, http.MethodPost, "/deductions", map[string]any{
		"document_type": "sale",
		"document_ref":  "INV-1",
		"lines":         []map[string]any{{"product_id": 2, "warehouse_id": 1, "quantity": 12, "unit_price": "9"}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var problem map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.EqualValues(t, 2, problem["shortfall"])
	require.EqualValues(t, 10, problem["available"])

	rr = doJSON(t, h, http.MethodPost, "/deductions", map[string]any{
		"document_type": "sale",
		"document_ref":  "INV-1",
		"lines":         []map[string]any{{"product_id": 2, "warehouse_id": 1, "quantity": 4, "unit_price": "9"}},
	}, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = doJSON(t, h, http.MethodPost, "/deductions", map[string]any{
		"document_type": "sale",
		"document_ref":  "INV-1",
		"lines":         []map[string]any{{"product_id": 2, "warehouse_id": 1, "quantity": 4, "unit_price": "9"}},
	}, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/deductions/sale/INV-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"margin":"16"`)
	require.EqualValues(t, 6, f.stock(t, 2, 1))
}

func TestHandlerValidation(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := doJSON(t, h, http.MethodPost, "/transfers", map[string]any{
		"product_id": 2, "from_warehouse_id": 1, "to_warehouse_id": 1, "quantity": 1,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "nefield")

	rr = doJSON(t, h, http.MethodPost, "/credits", map[string]any{"quantity": 1, "bogus": true})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/receipts/abc", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/receipts/404", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerCountFlowAndVerify(t *testing.T) {
	h, f := newTestRouter(t)
	f.receive(t, "GRN-1", 1, receiptLine(2, 10, 5, nil))

	rr := doJSON(t, h, http.MethodPost, "/counts", map[string]any{"warehouse_id": 1, "product_ids": []int64{2}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var session CountSession
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &session))
	base := "/counts/" + idString(session.ID)

	rr = doJSON(t, h, http.MethodPost, base+"/approve", nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, base+"/start", nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPut, base+"/lines/2", map[string]any{"actual_quantity": 12}).Code)
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, base+"/complete", nil).Code)
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, base+"/approve", nil).Code)
	require.EqualValues(t, 12, f.stock(t, 2, 1))

	rr = doJSON(t, h, http.MethodGet, "/verify", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"consistent":true`)

	rr = doJSON(t, h, http.MethodGet, "/stock?product_id=2&warehouse_id=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"quantity":12`)
}
