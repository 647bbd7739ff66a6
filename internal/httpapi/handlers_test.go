package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storems/backend/internal/domain"
	"storems/backend/internal/recommendation"
	"storems/backend/internal/service"
	"storems/backend/internal/store"
	"storems/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	engine := recommendation.NewEngine(nil, 0)
	svc := service.New(repo, engine)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "admin", "admin123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestWalkInOrderRejectsCustomerRole(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "linh", "customer123")
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "X", Phone: "0900"},
		Lines:    []domain.OrderLine{{ProductID: "prd-tee-01", Quantity: 1}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/walk-in", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer on staff route, got %d", rec.Code)
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "employee", "employee123")
	csrf := fetchCSRFToken(t, api)

	post := func(path string, payload any) *httptest.ResponseRecorder {
		t.Helper()
		var body bytes.Buffer
		if payload != nil {
			if err := json.NewEncoder(&body).Encode(payload); err != nil {
				t.Fatalf("encode payload: %v", err)
			}
		}
		req := httptest.NewRequest(http.MethodPost, path, &body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-CSRF-Token", csrf)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post("/api/v1/orders/walk-in", domain.WalkInOrderRequest{
		Customer: domain.WalkInCustomer{Name: "Mai Pham", Phone: "0905123456"},
		Lines:    []domain.OrderLine{{ProductID: "prd-tee-01", Quantity: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("walk-in order: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if created.Order.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", created.Order.Status)
	}
	if created.Order.TotalAmountCents != 2*15900 {
		t.Fatalf("expected total %d, got %d", 2*15900, created.Order.TotalAmountCents)
	}

	orderPath := "/api/v1/orders/" + created.Order.ID
	if rec := post(orderPath+"/confirm", nil); rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if rec := post(orderPath+"/deliver", nil); rec.Code != http.StatusOK {
		t.Fatalf("deliver: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	// Delivering twice conflicts with the completed state.
	if rec := post(orderPath+"/deliver", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second deliver: expected 409, got %d", rec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, orderPath, nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get order: expected 200, got %d", getRec.Code)
	}
	var fetched struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(getRec.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if fetched.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", fetched.Order.Status)
	}
	if len(fetched.Order.Details) != 1 {
		t.Fatalf("expected one detail, got %d", len(fetched.Order.Details))
	}

	rec = post("/api/v1/returns", domain.ReturnCreateRequest{
		OrderID: fetched.Order.ID,
		Reason:  "wrong size",
		Lines:   []domain.ReturnRequestLine{{OrderDetailID: fetched.Order.Details[0].ID, Quantity: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("return request: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var ret struct {
		Return domain.OrderReturn `json:"return"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&ret); err != nil {
		t.Fatalf("decode return: %v", err)
	}
	if ret.Return.RefundAmountCents != 15900 {
		t.Fatalf("expected undiscounted refund 15900, got %d", ret.Return.RefundAmountCents)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrInvalidTransition, http.StatusConflict},
		{store.ErrInsufficientStock, http.StatusConflict},
		{store.ErrProductUnavailable, http.StatusUnprocessableEntity},
		{store.ErrReturnWindowExpired, http.StatusUnprocessableEntity},
		{store.ErrOwnershipViolation, http.StatusForbidden},
		{store.ErrInvalidQuantity, http.StatusBadRequest},
		{fmt.Errorf("promotion X: %w", store.ErrNotFound), http.StatusNotFound},
		{errors.New("admin role required"), http.StatusForbidden},
		{errors.New("something else"), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Errorf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
