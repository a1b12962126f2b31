package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"loyaltyshop/internal/requestctx"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "clients have independent buckets")
}

func TestRateLimiter_EvictIdle(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	rl.Allow("a")
	rl.evictIdle(time.Now().Add(2 * time.Hour))
	assert.Empty(t, rl.clients)
}

func TestRateLimit_Rejects(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	h := RateLimit(rl, zap.NewNop())(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientKey(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientKey(req))
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	h := AdminAuth(string(hash), zap.NewNop())(http.HandlerFunc(okHandler))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
		{"case insensitive scheme", "bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/reaper/run", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAdminAuth_DisabledWithoutHash(t *testing.T) {
	h := AdminAuth("", zap.NewNop())(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodPost, "/admin/reaper/run", nil)
	req.Header.Set("Authorization", "Bearer anything")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("platform-token"), bcrypt.MinCost)
	require.NoError(t, err)
	h := WebhookAuth(string(hash), zap.NewNop())(http.HandlerFunc(okHandler))

	for header, want := range map[string]int{
		"":                      http.StatusUnauthorized,
		"Bearer operator-token": http.StatusUnauthorized,
		"Bearer platform-token": http.StatusOK,
	} {
		req := httptest.NewRequest(http.MethodPost, "/events/orders", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, "header %q", header)
	}

	disabled := WebhookAuth("", zap.NewNop())(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodPost, "/events/orders", nil)
	req.Header.Set("Authorization", "Bearer platform-token")
	w := httptest.NewRecorder()
	disabled.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

const customerSecret = "0123456789abcdef0123456789abcdef"

func customerRouter(secret string) http.Handler {
	r := chi.NewRouter()
	r.Route("/loyalty/carts/{customer_id}", func(r chi.Router) {
		r.Use(CustomerAuth(secret, "customer_id", zap.NewNop()))
		r.Post("/discount", okHandler)
	})
	return r
}

func TestCustomerAuth(t *testing.T) {
	own, err := IssueCustomerToken(customerSecret, 42, time.Hour)
	require.NoError(t, err)
	other, err := IssueCustomerToken(customerSecret, 7, time.Hour)
	require.NoError(t, err)
	expired, err := IssueCustomerToken(customerSecret, 42, -time.Minute)
	require.NoError(t, err)
	forged, err := IssueCustomerToken("ffffffffffffffffffffffffffffffff", 42, time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  CustomerTokenIssuer,
		Subject: "42",
	}).SignedString([]byte(customerSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"no expiry", "Bearer " + noExpiry, http.StatusUnauthorized},
		{"other customer", "Bearer " + other, http.StatusForbidden},
		{"own cart", "Bearer " + own, http.StatusOK},
	}
	h := customerRouter(customerSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/loyalty/carts/42/discount", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCustomerAuth_DisabledWithoutSecret(t *testing.T) {
	token, err := IssueCustomerToken(customerSecret, 42, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/loyalty/carts/42/discount", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	customerRouter("").ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestLogger_StateAndOnceGuard(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	var first, second bool
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestLogger(logger))
	r.Get("/carts/{id}", func(w http.ResponseWriter, r *http.Request) {
		state := requestctx.From(r.Context())
		require.NotNil(t, state)
		assert.NotEmpty(t, state.RequestID)
		first = state.LogEnvironmentOnce(logger, zap.String("environment", "test"))
		second = state.LogEnvironmentOnce(logger, zap.String("environment", "test"))
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/carts/42", nil))

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, logs.FilterMessage("request environment").Len())

	requests := logs.FilterMessage("HTTP request").All()
	require.Len(t, requests, 1)
	assert.Equal(t, int64(http.StatusTeapot), requests[0].ContextMap()["status"])
}
