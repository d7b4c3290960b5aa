package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coopstore/m/internal/api"
	"coopstore/m/internal/database"
	"coopstore/m/internal/migrations"
	"coopstore/m/internal/sale"
)

func newTestServer(t *testing.T) (*httptest.Server, *sqlx.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Run(db))

	coordinator := sale.NewCoordinator(db, nil, 5)
	handler := api.New(db, "test_secret", coordinator, 5)
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)
	return srv, db
}

func doJSON(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func registerOperator(t *testing.T, srv *httptest.Server, role string) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/auth/register", "", map[string]any{
		"username": role + "-user",
		"email":    role + "@coop.test",
		"password": "hunter2hunter2",
		"role":     role,
	})
	require.Equal(t, http.StatusCreated, status)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func createProduct(t *testing.T, srv *httptest.Server, token, name, sku, price string, stock int64) int64 {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/products", token, map[string]any{
		"name":           name,
		"sku":            sku,
		"price":          price,
		"base_price":     "1.00",
		"stock_quantity": stock,
	})
	require.Equal(t, http.StatusCreated, status)
	return int64(body["id"].(float64))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	status, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestSalesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/sales", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCashierCannotCreateProduct(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerOperator(t, srv, "cashier")
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/products", token, map[string]any{
		"name": "x", "sku": "X-1", "price": "1.00", "base_price": "0.50", "stock_quantity": 1,
	})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestCashSaleOverHTTP(t *testing.T) {
	srv, db := newTestServer(t)
	token := registerOperator(t, srv, "admin")
	product := createProduct(t, srv, token, "sugar", "SUG-1", "50.00", 10)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/sales", token, map[string]any{
		"payment_method": "cash",
		"items": []map[string]any{
			{"product_id": product, "quantity": 2, "unit_price": "50.00", "base_unit_price": "30.00"},
		},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "100.00", body["total"])
	assert.NotEmpty(t, body["transaction_id"])

	var stock int64
	require.NoError(t, db.Get(&stock, `SELECT stock_quantity FROM products WHERE id = $1`, product))
	assert.Equal(t, int64(8), stock)

	status, body = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/sales/%s", srv.URL, body["transaction_id"]), token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, body["transaction"])
}

func TestInsufficientStockEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerOperator(t, srv, "admin")
	product := createProduct(t, srv, token, "beans", "BEA-1", "20.00", 3)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/sales", token, map[string]any{
		"payment_method": "cash",
		"items": []map[string]any{
			{"product_id": product, "quantity": 5, "unit_price": "20.00", "base_unit_price": "10.00"},
		},
	})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "insufficient_stock", body["error_kind"])
	details := body["details"].(map[string]any)
	assert.Equal(t, float64(product), details["product_id"])
	assert.Equal(t, float64(3), details["available"])
	assert.Equal(t, float64(5), details["requested"])
}

func TestCreditSaleEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerOperator(t, srv, "admin")
	product := createProduct(t, srv, token, "coffee", "COF-1", "150.00", 50)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/members", token, map[string]any{
		"name":         "ana",
		"credit_limit": "1000.00",
	})
	require.Equal(t, http.StatusCreated, status)
	member := int64(body["id"].(float64))

	status, body = doJSON(t, http.MethodPost, srv.URL+"/sales", token, map[string]any{
		"payment_method": "credit",
		"member_id":      member,
		"items": []map[string]any{
			{"product_id": product, "quantity": 6, "unit_price": "150.00", "base_unit_price": "100.00"},
		},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "900.00", body["total"])

	// The member now owes 900.00 of their 1000.00 limit.
	status, body = doJSON(t, http.MethodPost, srv.URL+"/sales", token, map[string]any{
		"payment_method": "credit",
		"member_id":      member,
		"items": []map[string]any{
			{"product_id": product, "quantity": 1, "unit_price": "150.00", "base_unit_price": "100.00"},
		},
	})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "insufficient_credit", body["error_kind"])
	details := body["details"].(map[string]any)
	assert.Equal(t, "100.00", details["available"])
	assert.Equal(t, "150.00", details["requested"])

	// Settle part of the balance, then the small sale goes through.
	status, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/members/%d/payments", srv.URL, member), token, map[string]any{
		"amount": "200.00",
	})
	require.Equal(t, http.StatusCreated, status)

	status, body = doJSON(t, http.MethodPost, srv.URL+"/sales", token, map[string]any{
		"payment_method": "credit",
		"member_id":      member,
		"items": []map[string]any{
			{"product_id": product, "quantity": 1, "unit_price": "150.00", "base_unit_price": "100.00"},
		},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, body["success"])
}

func TestIdempotentSaleReplayOverHTTP(t *testing.T) {
	srv, db := newTestServer(t)
	token := registerOperator(t, srv, "admin")
	product := createProduct(t, srv, token, "eggs", "EGG-1", "30.00", 10)

	payload := map[string]any{
		"payment_method":  "cash",
		"idempotency_key": "pos-1-receipt-9",
		"items": []map[string]any{
			{"product_id": product, "quantity": 2, "unit_price": "30.00", "base_unit_price": "20.00"},
		},
	}

	status, first := doJSON(t, http.MethodPost, srv.URL+"/sales", token, payload)
	require.Equal(t, http.StatusCreated, status)
	status, second := doJSON(t, http.MethodPost, srv.URL+"/sales", token, payload)
	require.Equal(t, http.StatusCreated, status)

	assert.Equal(t, first["transaction_id"], second["transaction_id"])
	assert.Equal(t, true, second["replayed"])

	var stock int64
	require.NoError(t, db.Get(&stock, `SELECT stock_quantity FROM products WHERE id = $1`, product))
	assert.Equal(t, int64(8), stock)
}

func TestLowStockEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	token := registerOperator(t, srv, "admin")
	createProduct(t, srv, token, "sparse", "SPA-1", "10.00", 2)
	createProduct(t, srv, token, "plenty", "PLE-1", "10.00", 100)

	status, _ := doJSON(t, http.MethodGet, srv.URL+"/products/low-stock", token, nil)
	assert.Equal(t, http.StatusOK, status)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/products/low-stock", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var products []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&products))
	require.Len(t, products, 1)
	assert.Equal(t, "sparse", products[0]["name"])
}
