package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "given-id")
	h.ServeHTTP(rr, req)
	if seen != "given-id" || rr.Header().Get(HeaderRequestID) != "given-id" {
		t.Errorf("request id not propagated: ctx=%q header=%q", seen, rr.Header().Get(HeaderRequestID))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "given-id" {
		t.Errorf("expected generated request id, got %q", seen)
	}
}

func TestRequestID_Sources(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})

	tests := []struct {
		name      string
		header    string
		withSpan  bool
		want      string
		wantTrace bool
	}{
		{"client id wins over trace", "client-1", true, "client-1", true},
		{"trace id reused", "", true, traceID.String(), true},
		{"control chars ignored", "bad\nid", true, traceID.String(), true},
		{"oversized id ignored", strings.Repeat("x", 200), true, traceID.String(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(HeaderRequestID, tt.header)
			}
			if tt.withSpan {
				req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if seen != tt.want || rr.Header().Get(HeaderRequestID) != tt.want {
				t.Errorf("request id = %q (header %q), want %q", seen, rr.Header().Get(HeaderRequestID), tt.want)
			}
			if got := rr.Header().Get(HeaderTraceID); (got == traceID.String()) != tt.wantTrace {
				t.Errorf("X-Trace-ID = %q", got)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["code"] == float64(0) {
		t.Errorf("expected non-zero code, got %v", body["code"])
	}
}

func TestTimeout(t *testing.T) {
	var ctxErr error
	h := Timeout(time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		ctxErr = r.Context().Err()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(ctxErr, context.DeadlineExceeded) {
		t.Errorf("ctx err = %v, want deadline exceeded", ctxErr)
	}

	var hasDeadline bool
	Timeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if hasDeadline {
		t.Error("zero timeout must not set a deadline")
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		preflight  bool
		wantOrigin string
		wantStatus int
	}{
		{"wildcard", []string{"*"}, "https://a.example", http.MethodGet, false, "*", http.StatusOK},
		{"listed origin", []string{"https://a.example"}, "https://a.example", http.MethodGet, false, "https://a.example", http.StatusOK},
		{"unlisted origin", []string{"https://a.example"}, "https://b.example", http.MethodGet, false, "", http.StatusOK},
		{"preflight", []string{"*"}, "https://a.example", http.MethodOptions, true, "*", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORS(tt.origins, []string{"GET", "POST"}, []string{"Content-Type"})(
				http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
			req := httptest.NewRequest(tt.method, "/", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestIdempotency(t *testing.T) {
	tests := []struct {
		name       string
		required   bool
		header     string
		value      string
		wantStatus int
		wantKey    string
	}{
		{"present", true, HeaderIdempotencyKey, "k-1", http.StatusOK, "k-1"},
		{"legacy header", true, HeaderLegacyIdempotencyKey, "k-2", http.StatusOK, "k-2"},
		{"missing but required", true, "", "", http.StatusBadRequest, ""},
		{"missing optional", false, "", "", http.StatusOK, ""},
		{"too long", true, HeaderIdempotencyKey, strings.Repeat("x", 200), http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Idempotency(tt.required)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = IdempotencyKeyFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got != tt.wantKey {
				t.Errorf("key = %q, want %q", got, tt.wantKey)
			}
		})
	}
}

func TestGinBridge(t *testing.T) {
	engine := gin.New()
	engine.Use(Gin(RequestID))
	engine.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, RequestIDFromContext(c.Request.Context()))
	})
	blocked := engine.Group("/blocked")
	blocked.Use(Gin(Idempotency(true)))
	blocked.POST("", func(c *gin.Context) { c.Status(http.StatusCreated) })

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(HeaderRequestID, "bridge-id")
	engine.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "bridge-id" {
		t.Errorf("bridge lost request context: %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/blocked", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("aborting middleware should stop the chain, got %d", rr.Code)
	}
}
