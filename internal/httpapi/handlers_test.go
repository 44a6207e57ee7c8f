package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokokas/backend/internal/authz"
	"tokokas/backend/internal/counter"
	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/service"
	"tokokas/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, counter.NewMemoryTracker(), 0, 5*time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, "739154", repo)

	return New(svc, auth, "http://127.0.0.1:3000", counter.NewMemoryTracker())
}

func doJSON(t *testing.T, api *API, method string, path string, token string, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func createSaleViaAPI(t *testing.T, api *API, token string, csrf string, req domain.SaleRequest) domain.Sale {
	t.Helper()

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("create sale returned status %d: %s", res.Code, res.Body.String())
	}
	var payload struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode sale response: %v", err)
	}
	return payload.Sale
}

func TestCreateSaleEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")
	csrf := fetchCSRFToken(t, api)

	sale := createSaleViaAPI(t, api, token, csrf, domain.SaleRequest{
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-grinder", Quantity: 3}},
		PaymentMethod: "cash",
	})

	if !sale.Subtotal.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("unexpected subtotal %s", sale.Subtotal)
	}
	if !sale.TaxAmount.Equal(decimal.RequireFromString("63")) {
		t.Fatalf("unexpected tax total %s", sale.TaxAmount)
	}
	if !sale.Total.Equal(decimal.RequireFromString("363")) {
		t.Fatalf("unexpected total %s", sale.Total)
	}

	res := doJSON(t, api, http.MethodGet, "/api/v1/sales/"+sale.ID, token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get sale returned status %d", res.Code)
	}
}

func TestCSRFRequiredOnMutatingRequests(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, "", domain.SaleRequest{
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-grinder", Quantity: 1}},
		PaymentMethod: "cash",
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, "bogus-token", domain.SaleRequest{
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-grinder", Quantity: 1}},
		PaymentMethod: "cash",
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with invalid CSRF token, got %d", res.Code)
	}
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", res.Code)
	}
}

func TestUnknownSaleReturns404(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodGet, "/api/v1/sales/sale-missing", token, "", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sale, got %d", res.Code)
	}
}

func TestRefundOverflowReturns409(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "manager", "admin123")
	csrf := fetchCSRFToken(t, api)

	sale := createSaleViaAPI(t, api, token, csrf, domain.SaleRequest{
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-grinder", Quantity: 2}},
		PaymentMethod: "cash",
	})

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales/"+sale.ID+"/refund", token, csrf, domain.RefundRequest{
		Reason: "customer return",
		Items:  []domain.RefundItemRequest{{ProductID: "prod-grinder", Quantity: 5}},
	})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for refund overflow, got %d: %s", res.Code, res.Body.String())
	}
}

func TestCancelByCashierReturnsOverrideRequired(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	sale := createSaleViaAPI(t, api, token, csrf, domain.SaleRequest{
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-mug", Quantity: 1}},
		PaymentMethod: "cash",
	})

	res := doJSON(t, api, http.MethodPost, "/api/v1/sales/"+sale.ID+"/cancel", token, csrf, domain.CancelRequest{
		Reason: "keyed wrong item",
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier cancel, got %d", res.Code)
	}

	var payload struct {
		Error            string `json:"error"`
		OverrideRequired bool   `json:"override_required"`
		Action           string `json:"action"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode override-required response: %v", err)
	}
	if !payload.OverrideRequired {
		t.Fatalf("expected override_required flag in response: %+v", payload)
	}
	if payload.Action != authz.ActionCancelSale {
		t.Fatalf("expected action %q, got %q", authz.ActionCancelSale, payload.Action)
	}
}

func TestOverrideEndpointValidatesManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/api/v1/overrides", token, csrf, domain.OverrideRequest{
		ActionKind: authz.ActionCancelSale,
		ManagerPIN: "000000",
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong manager pin, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/overrides", token, csrf, domain.OverrideRequest{
		ActionKind: authz.ActionCancelSale,
		ManagerPIN: "739154",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for valid manager pin, got %d: %s", res.Code, res.Body.String())
	}

	var payload struct {
		Override domain.ManagerOverride `json:"override"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode override response: %v", err)
	}
	if payload.Override.Status != domain.OverrideStatusApproved {
		t.Fatalf("expected approved override, got status %q", payload.Override.Status)
	}
	if payload.Override.ActionKind != authz.ActionCancelSale {
		t.Fatalf("unexpected override action %q", payload.Override.ActionKind)
	}
}

func TestOverrideUnlocksCashierCancel(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	sale := createSaleViaAPI(t, api, token, csrf, domain.SaleRequest{
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-mug", Quantity: 1}},
		PaymentMethod: "cash",
	})

	res := doJSON(t, api, http.MethodPost, "/api/v1/overrides", token, csrf, domain.OverrideRequest{
		ActionKind: authz.ActionCancelSale,
		EntityRef:  sale.ID,
		ManagerPIN: "739154",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("override request returned status %d: %s", res.Code, res.Body.String())
	}
	var overridePayload struct {
		Override domain.ManagerOverride `json:"override"`
	}
	if err := json.NewDecoder(res.Body).Decode(&overridePayload); err != nil {
		t.Fatalf("decode override response: %v", err)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/sales/"+sale.ID+"/cancel", token, csrf, domain.CancelRequest{
		Reason:     "keyed wrong item",
		OverrideID: overridePayload.Override.ID,
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected override-backed cancel to succeed, got %d: %s", res.Code, res.Body.String())
	}

	var cancelPayload struct {
		Sale domain.Sale `json:"sale"`
	}
	if err := json.NewDecoder(res.Body).Decode(&cancelPayload); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelPayload.Sale.Status != domain.SaleStatusCancelled {
		t.Fatalf("expected cancelled sale, got status %q", cancelPayload.Sale.Status)
	}
}

func TestDrawerLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "manager", "admin123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/api/v1/drawers/open", token, csrf, domain.DrawerOpenRequest{
		OpeningAmount: decimal.RequireFromString("1000"),
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("open drawer returned status %d: %s", res.Code, res.Body.String())
	}
	var openPayload struct {
		Drawer domain.CashDrawer `json:"drawer"`
	}
	if err := json.NewDecoder(res.Body).Decode(&openPayload); err != nil {
		t.Fatalf("decode open response: %v", err)
	}

	createSaleViaAPI(t, api, token, csrf, domain.SaleRequest{
		Lines:         []domain.SaleLineRequest{{ProductID: "prod-grinder", Quantity: 3}},
		PaymentMethod: "cash",
	})

	res = doJSON(t, api, http.MethodGet, "/api/v1/drawers/current", token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("current drawer returned status %d", res.Code)
	}
	var currentPayload struct {
		Drawer domain.CashDrawer `json:"drawer"`
	}
	if err := json.NewDecoder(res.Body).Decode(&currentPayload); err != nil {
		t.Fatalf("decode current drawer response: %v", err)
	}
	if !currentPayload.Drawer.CurrentAmount.Equal(decimal.RequireFromString("1363")) {
		t.Fatalf("expected drawer balance 1363, got %s", currentPayload.Drawer.CurrentAmount)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/drawers/movements?drawer_id="+openPayload.Drawer.ID, token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("movements returned status %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/drawers/close", token, csrf, domain.DrawerCloseRequest{
		CountedAmount: decimal.RequireFromString("1363"),
	})
	if res.Code != http.StatusOK {
		t.Fatalf("close drawer returned status %d: %s", res.Code, res.Body.String())
	}
	var closePayload domain.DrawerCloseResult
	if err := json.NewDecoder(res.Body).Decode(&closePayload); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if !closePayload.Difference.IsZero() {
		t.Fatalf("expected zero close difference, got %s", closePayload.Difference)
	}
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("login as %s failed, status %d: %s", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if payload.AccessToken == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}
