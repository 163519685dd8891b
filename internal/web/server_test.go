package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ravenhub/internal/config"
	"ravenhub/internal/database"
	"ravenhub/internal/ingest"
	"ravenhub/internal/monitoring"
)

const testSecret = "web-secret"

var testAuth = ingest.NewKeyAuthenticator(testSecret)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: ":0"},
		Ingest: config.IngestConfig{
			Secret:      testSecret,
			MaxPayload:  64 << 10,
			WaitTimeout: 5 * time.Second,
		},
		Database: config.DatabaseConfig{
			Type:             "boltdb",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Downsample: config.DownsampleConfig{
			ReadPoints:    100,
			CompactTarget: 10,
			CompactAfter:  24 * time.Hour,
		},
		Maintenance: config.MaintenanceConfig{DrainTimeout: 5 * time.Second},
		Prometheus:  config.PrometheusConfig{Enabled: true, MetricsPath: "/metrics"},
		Logging:     config.LoggingConfig{Level: "info", Format: "text"},
	}
}

type fixture struct {
	server *Server
	engine *monitoring.Engine
	store  *database.BoltStore
}

func newFixture(t *testing.T, cfg *config.Config, start bool) *fixture {
	t.Helper()

	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine, err := monitoring.NewEngine(cfg, store, nil)
	require.NoError(t, err)

	if start {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		require.NoError(t, engine.Start(ctx))
	}

	return &fixture{
		server: NewServer(cfg, store, engine, nil),
		engine: engine,
		store:  store,
	}
}

func batchPayload(t *testing.T, agentID string, sentAt ...uint32) []byte {
	t.Helper()
	batch := &ingest.Batch{
		AgentID: agentID,
		AuthKey: testAuth.Derive(agentID),
		Series:  []database.HostSeries{{ID: 1, HostID: 42, Address: "203.0.113.9"}},
	}
	for i, at := range sentAt {
		s := database.Sample{ID: uint64(i + 1), SeriesID: 1, SentAt: at, RTT: uint16(10 + i), Status: "Success"}
		if i == len(sentAt)-1 {
			s.RTT = database.TimeoutRTT
			s.Status = "TimedOut"
		}
		batch.Samples = append(batch.Samples, s)
	}
	payload, err := ingest.EncodeBatch(batch, ingest.EncodingGzip)
	require.NoError(t, err)
	return payload
}

func (f *fixture) do(t *testing.T, method, path, agentID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if agentID != "" {
		req.Header.Set(AgentHeader, agentID)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestIngestAndReadBack(t *testing.T) {
	f := newFixture(t, testConfig(), true)

	w := f.do(t, http.MethodPost, "/api/ingest?wait=true", "agent-7", batchPayload(t, "agent-7", 0, 10, 20))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	assert.Len(t, data["applied"], 3)
	assert.NotEmpty(t, data["ticket"])

	w = f.do(t, http.MethodGet, "/api/agents/agent-7/series", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])
	series := body["data"].([]any)[0].(map[string]any)
	id := uint64(series["id"].(float64))

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/series/%d/samples?points=2", id), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(3), body["total"])
	samples := body["data"].([]any)
	require.Len(t, samples, 2)
	first := samples[0].(map[string]any)
	last := samples[1].(map[string]any)
	assert.Equal(t, float64(0), first["sent_at"])
	assert.Equal(t, float64(10), first["rtt"])
	assert.Equal(t, "Success", first["status"])
	assert.Equal(t, float64(20), last["sent_at"])
	assert.Equal(t, float64(database.TimeoutRTT), last["rtt"])
	assert.Equal(t, "TimedOut", last["status"])

	w = f.do(t, http.MethodGet, "/api/series/999/samples", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/series/%d/samples?points=0", id), "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestRejections(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.MaxPayload = 512
	f := newFixture(t, cfg, true)

	w := f.do(t, http.MethodPost, "/api/ingest", "", batchPayload(t, "agent-1", 1))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/ingest", "agent-1", bytes.Repeat([]byte("x"), 1024))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = f.do(t, http.MethodPost, "/api/ingest?wait=true", "agent-2", batchPayload(t, "agent-1", 1))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	forged := &ingest.Batch{AgentID: "agent-3", AuthKey: testAuth.Derive("someone-else")}
	payload, err := ingest.EncodeBatch(forged, ingest.EncodingJSON)
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/api/ingest?wait=true", "agent-3", payload)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestSingleFlightAndShutdown(t *testing.T) {
	f := newFixture(t, testConfig(), false)

	w := f.do(t, http.MethodPost, "/api/ingest", "agent-1", batchPayload(t, "agent-1", 1))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "agent-1", decode(t, w)["job_id"])

	w = f.do(t, http.MethodPost, "/api/ingest", "agent-1", batchPayload(t, "agent-1", 2))
	assert.Equal(t, http.StatusConflict, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.engine.Start(ctx))
	cancel()
	require.NoError(t, f.engine.Stop(context.Background()))

	w = f.do(t, http.MethodPost, "/api/ingest", "agent-2", batchPayload(t, "agent-2", 1))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIngestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = 0.001
	cfg.Server.RateBurst = 1
	f := newFixture(t, cfg, true)

	w := f.do(t, http.MethodPost, "/api/ingest", "agent-1", batchPayload(t, "agent-1", 1))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(t, http.MethodPost, "/api/ingest", "agent-1", batchPayload(t, "agent-1", 2))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// other agents have their own budget
	w = f.do(t, http.MethodPost, "/api/ingest", "agent-2", batchPayload(t, "agent-2", 1))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestMaintenanceTrigger(t *testing.T) {
	f := newFixture(t, testConfig(), true)

	w := f.do(t, http.MethodPost, "/api/maintenance/defrag", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/maintenance/rollover?wait=true", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "rollover", data["job"])
	assert.Equal(t, float64(1), data["epoch"])
}

func TestInfoEndpoints(t *testing.T) {
	f := newFixture(t, testConfig(), true)

	for _, path := range []string{"/api/health", "/api/build", "/api/stats", "/metrics"} {
		w := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestAcknowledgementsArePushed(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agents/"

	_, resp, err := websocket.DefaultDialer.Dial(base+"agent-9?key=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"agent-9?key="+testAuth.Derive("agent-9"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.server.Hub().Subscribers("agent-9") == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := f.do(t, http.MethodPost, "/api/ingest", "agent-9", batchPayload(t, "agent-9", 5, 6))
	require.Equal(t, http.StatusAccepted, w.Code)
	ticket := decode(t, w)["ticket"]

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ack", msg.Type)
	assert.Equal(t, "agent-9", msg.Data["agent_id"])
	assert.Equal(t, ticket, msg.Data["ticket"])
	assert.Len(t, msg.Data["applied"], 2)

	f.server.Hub().Close()
	assert.Zero(t, f.server.Hub().Subscribers("agent-9"))
}
