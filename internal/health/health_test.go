package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashbot/ash/internal/metrics"
)

func get(t *testing.T, s *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestLivenessAlwaysOK(t *testing.T) {
	s := New(Options{Checks: Checks{
		Gateway: func(context.Context) error { return errors.New("down") },
	}})

	for _, path := range []string{"/health", "/healthz"} {
		code, body := get(t, s, path)
		require.Equal(t, http.StatusOK, code, path)
		require.Equal(t, "ok", body["status"])
		require.Contains(t, body, "uptime")
	}
}

func TestReadinessOKWhenAllHealthy(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	s := New(Options{Checks: Checks{Gateway: healthy, KV: healthy, NLP: healthy}})

	code, body := get(t, s, "/health/ready")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", body["status"])

	components := body["components"].(map[string]interface{})
	require.Equal(t, "ok", components["gateway"])
	require.Equal(t, "ok", components["kv"])
	require.Equal(t, "ok", components["nlp"])
}

func TestReadinessFailsOnAnyComponent(t *testing.T) {
	s := New(Options{Checks: Checks{
		Gateway: func(context.Context) error { return nil },
		KV:      func(context.Context) error { return errors.New("redis unreachable") },
	}})

	code, body := get(t, s, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "not_ready", body["status"])

	components := body["components"].(map[string]interface{})
	require.Equal(t, "ok", components["gateway"])
	require.Equal(t, "redis unreachable", components["kv"])
	require.Equal(t, "ok", components["nlp"], "nil checks report healthy")
}

func TestDetailedMergesRuntimeInfo(t *testing.T) {
	s := New(Options{
		Detail: func(context.Context) map[string]interface{} {
			return map[string]interface{}{
				"active_sessions": 3,
				"nlp_breaker":     "closed",
			}
		},
	})

	code, body := get(t, s, "/health/detailed")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 3, body["active_sessions"])
	require.Equal(t, "closed", body["nlp_breaker"])
	require.Contains(t, body, "uptime")
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.MessagesProcessed.Inc()
	s := New(Options{Metrics: m})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "messages_processed_total")
}

func TestMetricsAbsentWhenDisabled(t *testing.T) {
	s := New(Options{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
