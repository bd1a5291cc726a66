package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chart-service/internal/config"
	"chart-service/internal/services/feed"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStats feed.Stats

func (s staticStats) Stats() feed.Stats { return feed.Stats(s) }

func newTestHTTPServer(checks map[string]HealthCheck) *HTTPServer {
	return NewHTTPServer(config.Default(), Deps{
		Hub: staticStats{
			ActiveFeeds:   1,
			Feeds:         []string{"BTCUSDT_1m"},
			Subscriptions: 2,
			Groups:        map[string]int{"BTCUSDT_1m": 2},
		},
		Connections: func() int { return 3 },
		Symbols:     func() int { return 1500 },
		Upstream:    func() map[string]interface{} { return map[string]interface{}{"rate_limit_hits": 0} },
		Checks:      checks,
	}, logrus.New())
}

func get(t *testing.T, s *HTTPServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestHTTPServer(map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	})

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Healthy  bool              `json:"healthy"`
		Version  string            `json:"version"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, Version, body.Version)
	assert.Equal(t, "healthy", body.Services["redis"])
}

func TestHealthReportsFailingService(t *testing.T) {
	s := newTestHTTPServer(map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestStats(t *testing.T) {
	rec := get(t, newTestHTTPServer(nil), "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Hub         feed.Stats `json:"hub"`
		Connections int        `json:"connections"`
		Symbols     int        `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Hub.ActiveFeeds)
	assert.Equal(t, 2, body.Hub.Groups["BTCUSDT_1m"])
	assert.Equal(t, 3, body.Connections)
	assert.Equal(t, 1500, body.Symbols)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestHTTPServer(nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestHTTPServer(nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/stats", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
