package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/api"
	"github.com/MorseWayne/flash_sale/internal/config"
	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/limiter"
	"github.com/MorseWayne/flash_sale/internal/service"
)

type stubOrders struct{ service.OrderService }

func (stubOrders) CreateOrder(context.Context, domain.CreateOrderCommand) (domain.Order, error) {
	return domain.Order{}, domain.NotFoundError("product", 1)
}

type stubProducts struct{ service.ProductService }

func (stubProducts) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	return domain.Product{}, domain.NotFoundError("product", id)
}

type stubInventory struct{ service.InventoryService }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Env = "test"
	cfg.App.Name = "flash-sale"
	cfg.App.Version = "test"
	cfg.App.RequestTimeout = time.Second
	cfg.CORS.AllowedOrigins = []string{"*"}
	cfg.CORS.AllowedMethods = []string{"GET", "POST"}
	cfg.CORS.AllowedHeaders = []string{"Authorization", "Content-Type"}
	cfg.JWT.Secret = "router-test-secret"
	cfg.JWT.AccessTokenTTL = time.Hour
	cfg.JWT.Issuer = "flash-sale"
	return cfg
}

func newTestHandler(t *testing.T, checks map[string]func(context.Context) error, lim limiter.Limiter) (http.Handler, service.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	lg := zap.NewNop()
	jwtSvc := service.NewJWTService(cfg, lg)

	deps := &Dependencies{
		OrderHandler:     api.NewOrderHandler(stubOrders{}, lg),
		ProductHandler:   api.NewProductHandler(stubProducts{}, lg),
		InventoryHandler: api.NewInventoryHandler(stubInventory{}, lg),
		JWTService:       jwtSvc,
		OrderLimiter:     lim,
		HealthChecks:     checks,
	}
	return New(cfg, deps, lg), jwtSvc
}

func token(t *testing.T, svc service.JWTService, uid int64, role service.Role) string {
	t.Helper()
	tok, err := svc.GenerateAccessToken(uid, role)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return "Bearer " + tok
}

func send(h http.Handler, method, path, auth, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	h, _ := newTestHandler(t, map[string]func(context.Context) error{
		"mysql": func(context.Context) error { return nil },
	}, nil)
	w := send(h, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d (%s)", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}

	h, _ = newTestHandler(t, map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}, nil)
	if w := send(h, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded healthz = %d, want 503", w.Code)
	}
}

func TestRouter_AccessControl(t *testing.T) {
	h, jwtSvc := newTestHandler(t, nil, nil)
	user := token(t, jwtSvc, 7, service.RoleUser)
	admin := token(t, jwtSvc, 1, service.RoleAdmin)

	tests := []struct {
		name       string
		method     string
		path       string
		auth       string
		body       string
		headers    []string
		wantStatus int
	}{
		{"public product lookup", http.MethodGet, "/api/v1/products/5", "", "", nil, http.StatusNotFound},
		{"order requires auth", http.MethodPost, "/api/v1/orders", "", "{}", nil, http.StatusUnauthorized},
		{"order requires idempotency key", http.MethodPost, "/api/v1/orders", user, "{}", nil, http.StatusBadRequest},
		{"order reaches service", http.MethodPost, "/api/v1/orders", user, "{}", []string{"Idempotency-Key", "k1"}, http.StatusNotFound},
		{"admin route rejects user", http.MethodPost, "/api/v1/admin/products", user, "{}", nil, http.StatusForbidden},
		{"admin route accepts admin", http.MethodPost, "/api/v1/admin/inventory/1/restock", admin, "{", nil, http.StatusBadRequest},
		{"garbage token", http.MethodGet, "/api/v1/orders/o-1", "Bearer nope", "", nil, http.StatusUnauthorized},
		{"unknown route", http.MethodGet, "/api/v1/nothing", "", "", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(h, tt.method, tt.path, tt.auth, tt.body, tt.headers...)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestRouter_OrderRateLimit(t *testing.T) {
	lim, err := limiter.NewLocalLimiter(&limiter.Config{Rate: 1, Window: time.Hour, Burst: 1})
	if err != nil {
		t.Fatalf("NewLocalLimiter: %v", err)
	}
	h, jwtSvc := newTestHandler(t, nil, lim)
	alice := token(t, jwtSvc, 7, service.RoleUser)
	bob := token(t, jwtSvc, 8, service.RoleUser)

	if w := send(h, http.MethodPost, "/api/v1/orders", alice, "{}", "Idempotency-Key", "a1"); w.Code == http.StatusTooManyRequests {
		t.Fatal("first order should not be limited")
	}
	if w := send(h, http.MethodPost, "/api/v1/orders", alice, "{}", "Idempotency-Key", "a2"); w.Code != http.StatusTooManyRequests {
		t.Errorf("second order = %d, want 429", w.Code)
	}
	if w := send(h, http.MethodPost, "/api/v1/orders", bob, "{}", "Idempotency-Key", "b1"); w.Code == http.StatusTooManyRequests {
		t.Error("limit must be per user")
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	w := send(h, http.MethodOptions, "/api/v1/orders", "", "",
		"Origin", "https://shop.example", "Access-Control-Request-Method", "POST")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}
