package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/testing/guard"
)

func TestLoadConfigDefaultsAndValidation(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.LedgerTxRetry)
	require.Equal(t, 30*time.Second, cfg.StockCacheTTL)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.False(t, cfg.IsProduction())

	t.Setenv("LEDGER_TX_RETRIES", "0")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("LEDGER_TX_RETRIES", "2")
	t.Setenv("IDEMPOTENCY_RETENTION", "0s")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestActorMiddleware(t *testing.T) {
	var seen int64 = -1
	h := actorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(actorHeader, "42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.EqualValues(t, 42, seen)

	seen = -1
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	require.EqualValues(t, 0, seen)

	seen = -1
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(actorHeader, "bob")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.EqualValues(t, -1, seen)
}

func TestRouterHealthAndCorrelation(t *testing.T) {
	router := NewRouter(RouterParams{
		Logger:  newLogger(&Config{AppEnv: "test"}, &bytes.Buffer{}),
		Config:  &Config{AppEnv: "test"},
		Metrics: observability.NewMetrics(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"ok"`)
	_, err := uuid.Parse(rr.Header().Get(correlationHeader))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	fixed := uuid.NewString()
	req.Header.Set(correlationHeader, fixed)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, fixed, rr.Header().Get(correlationHeader))
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), "stockledger_http_requests_total"))
}

func TestRouterReadiness(t *testing.T) {
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	up := PingFunc(func(context.Context) error { return nil })

	router := NewRouter(RouterParams{Logger: newLogger(nil, &bytes.Buffer{}), Database: up, Cache: down})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), `"database":"ok"`)
	require.Contains(t, rr.Body.String(), `"cache":"connection refused"`)

	router = NewRouter(RouterParams{Logger: newLogger(nil, &bytes.Buffer{}), Database: up})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{AppEnv: "production", LogFormat: "json"}, &buf).Info("hello")
	require.Contains(t, buf.String(), `"msg":"hello"`)
	require.Contains(t, buf.String(), `"env":"production"`)
}

func TestInTestModeFollowsGuard(t *testing.T) {
	require.Equal(t, guard.EnvTestMode, testModeEnv)
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}
