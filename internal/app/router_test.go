package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/usecase"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("APP_ENV", "test")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

// probeServer has working probes but inert services; routing tests never
// reach a handler body.
func probeServer() *httpserver.Server {
	return httpserver.NewServer(usecase.ChatService{}, usecase.EmbeddingService{}, usecase.AudioService{}, usecase.OCRService{},
		nil, func(context.Context) error { return nil })
}

func TestParseOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, ParseOrigins(""))
	require.Equal(t, []string{"*"}, ParseOrigins("*"))
	require.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example , https://b.example "))
	require.Equal(t, []string{"*"}, ParseOrigins(" , "))
}

func TestRouterServesProbes(t *testing.T) {
	h := BuildRouter(testConfig(t), probeServer())

	for _, path := range []string{"/healthz", "/test", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRouterGuardsMutatingEndpoints(t *testing.T) {
	t.Setenv("SERVICE_API_KEY", "s3cret")
	h := BuildRouter(testConfig(t), probeServer())

	for _, path := range []string{"/chat", "/embeddings", "/audio", "/image/ocr"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	// Probes stay open.
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterSetsSecurityAndRequestIDHeaders(t *testing.T) {
	h := BuildRouter(testConfig(t), probeServer())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestBuildReadinessChecks(t *testing.T) {
	redisCheck, dbCheck := BuildReadinessChecks(pingStub{nil}, nil)
	require.NoError(t, redisCheck(context.Background()))
	require.Nil(t, dbCheck)

	redisCheck, dbCheck = BuildReadinessChecks(pingStub{errors.New("down")}, pingStub{nil})
	require.Error(t, redisCheck(context.Background()))
	require.NotNil(t, dbCheck)
	require.NoError(t, dbCheck(context.Background()))

	redisCheck, _ = BuildReadinessChecks(nil, nil)
	require.Error(t, redisCheck(context.Background()))
}

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }
