package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustscore/internal/config"
	"github.com/mbd888/trustscore/internal/export"
	"github.com/mbd888/trustscore/internal/providers"
	"github.com/mbd888/trustscore/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns an in-memory config: no database, Redis or Kafka.
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "text",
		ScoreInterval:    20 * time.Millisecond,
		HomeCountry:      "BR",
		ScreenWidth:      1000,
		ScreenHeight:     1000,
		IngestBuffer:     64,
		WeightedMedium:   config.DefaultWeightedMedium,
		WeightedHigh:     config.DefaultWeightedHigh,
		BreakerThreshold: 5,
		BreakerOpen:      time.Minute,
		ExportTTL:        time.Hour,
		RateLimitRPM:     6000,
	}
}

// newTestServer creates a server with a static geolocation table.
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	geo := providers.NewStaticGeoLocator("BR")
	geo.Set("200.147.1.1", providers.GeoInfo{CountryCode: "BR", City: "Sao Paulo"})

	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithGeoLocator(geo),
	)
	require.NoError(t, err)
	s.shutdownWait = 0
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func do(t *testing.T, s *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth_DegradedBeforeWorkersStart(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, Version, resp.Version)

	byName := map[string]bool{}
	for _, c := range resp.Checks {
		byName[c.Name] = c.Healthy
	}
	assert.True(t, byName["kvstore"])
	assert.True(t, byName["providers"])
	assert.False(t, byName["scoring_loop"])
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", nil).Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/ready", nil).Code)
}

func TestMiddleware_HeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", nil, "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = do(t, s, http.MethodGet, "/health/live", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	do(t, s, http.MethodGet, "/health/live", nil)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trustscore_http_requests_total")
}

func TestSessionFlow_AssessTerminateExport(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/sessions", map[string]any{
		"userId":    "alice",
		"ipAddress": "200.147.1.1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["session"].(map[string]any)["id"].(string)

	w = do(t, s, http.MethodPut, "/v1/sessions/"+id+"/biometrics", map[string]any{
		"face_match_score": 0.95,
		"liveness_score":   0.95,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/sessions/"+id+"/assess", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	a := decode(t, w)["assessment"].(map[string]any)
	assert.Equal(t, id, a["sessionId"])
	assert.Contains(t, []any{"low", "medium", "high"}, a["riskLevel"])

	w = do(t, s, http.MethodGet, "/v1/sessions/"+id+"/assessment", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/v1/sessions/"+id+"/terminate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Termination exports to the KV sink in the background, then releases
	// the session.
	assert.Eventually(t, func() bool {
		_, err := s.sessions.Get(id)
		return errors.Is(err, session.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := s.kv.Get(context.Background(), export.KeyPrefix+id)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(stored, &doc))
	assert.Equal(t, id, doc["metadata"].(map[string]any)["sessionId"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/sessions/"+id+"/export", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/sessions/"+id+"/assess", nil).Code)
}

func TestShutdown_ExportsActiveSessions(t *testing.T) {
	dir := t.TempDir()
	s := newTestServer(t, func(c *config.Config) { c.ExportDir = dir })

	var ids []string
	for _, user := range []string{"alice", "bob", "carol"} {
		w := do(t, s, http.MethodPost, "/v1/sessions", map[string]any{"userId": user, "ipAddress": "200.147.1.1"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		ids = append(ids, decode(t, w)["session"].(map[string]any)["id"].(string))
	}

	require.NoError(t, s.Shutdown())

	files, err := filepath.Glob(filepath.Join(dir, "session_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, len(ids))
	for _, id := range ids {
		assert.FileExists(t, filepath.Join(dir, "session_"+id+".json"))
		_, err := s.kv.Get(context.Background(), export.KeyPrefix+id)
		assert.NoError(t, err)
	}
	assert.Zero(t, s.sessions.Count())
}

func TestAdminRoutes_RequireSecret(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.AdminSecret = "s3cret" })

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/v1/admin/blacklist", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/admin/blacklist", nil, "X-Admin-Secret", "nope").Code)

	w := do(t, s, http.MethodPost, "/v1/admin/blacklist/ips", map[string]any{"values": []string{"198.51.100.7"}}, "X-Admin-Secret", "s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/admin/providers", nil, "X-Admin-Secret", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "circuits")

	w = do(t, s, http.MethodGet, "/v1/admin/realtime", nil, "X-Admin-Secret", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "connectedClients")
}

func TestNew_RejectsUnsafeGeoURLInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AdminSecret = "x"
	cfg.GeoAPIURL = "http://127.0.0.1:9000/json"

	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEO_API_URL")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return s.loop.Running() && s.ingestor.Running()
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.healthy.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:pw@db:5432/trust")
	assert.NotContains(t, masked, ":pw@")
	assert.Contains(t, masked, "user:")
	assert.Equal(t, "redis://db:6379", maskDSN("redis://db:6379"))
}
