package fanout_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vorsengineer/cw-rpi-deployment/internal/config"
	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
	"github.com/vorsengineer/cw-rpi-deployment/internal/fanout"
	"github.com/vorsengineer/cw-rpi-deployment/internal/health"
	"github.com/vorsengineer/cw-rpi-deployment/internal/hostnames"
	"github.com/vorsengineer/cw-rpi-deployment/internal/metrics"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

func newTestServer(t *testing.T) (*fanout.Server, *store.Store, *hostnames.Allocator, *eventbus.Bus) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	alloc := hostnames.New(st, log)
	bus := eventbus.New()

	cfg := config.Config{
		CORSOrigins:            []string{"*"},
		RequestTimeout:         2 * time.Second,
		StatsBroadcastInterval: 20 * time.Millisecond,
		SubscriberQueueDepth:   8,
		MonitoredServices:      []string{"definitely-not-a-real-unit"},
		DiskUsagePath:          "/",
	}
	sampler := health.New(cfg, st, bus, log)

	srv := fanout.New(cfg, alloc, st, bus, sampler, log, metrics.New())
	return srv, st, alloc, bus
}

func TestHandleStatsReturnsZeroedCountsOnEmptyStore(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, float64(0), resp["total_venues"])
}

func TestHandleListVenuesAndVenueStats(t *testing.T) {
	srv, _, alloc, _ := newTestServer(t)
	require.NoError(t, alloc.CreateVenue(bg(), "CORO", "Coronado", "", ""))

	req := httptest.NewRequest(http.MethodGet, "/api/venues", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "CORO")

	req = httptest.NewRequest(http.MethodGet, "/api/venues/CORO/stats", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/venues/ZZZZ/stats", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := strings.NewReader(`{"name":"Coronado Beach","location":"Pier","contact_email":"ops@coro.example"}`)
	req = httptest.NewRequest(http.MethodPut, "/api/venues/CORO", body)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/venues", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Contains(t, rec.Body.String(), "Coronado Beach")
}

func TestBatchLifecycleOverREST(t *testing.T) {
	srv, _, alloc, _ := newTestServer(t)
	require.NoError(t, alloc.CreateVenue(bg(), "CORO", "Coronado", "", ""))
	_, err := alloc.BulkImport(bg(), "CORO", "KXP2", []string{"1", "2"})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"venue_code": "CORO", "product_type": "KXP2", "total_count": 2, "priority": 5})
	req := httptest.NewRequest(http.MethodPost, "/api/batches", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var batch map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	id := int64(batch["id"].(float64))

	req = httptest.NewRequest(http.MethodPost, pathf("/api/batches/%d/start", id), nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/batches/active", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPut, pathf("/api/batches/%d/priority", id), bytes.NewReader([]byte(`{"priority":9}`)))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListAndActivateImages(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	id, err := st.RegisterImage(bg(), "kxp2_master.img", "KXP2", "3.0", "deadbeef", 4096)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "kxp2_master.img")

	req = httptest.NewRequest(http.MethodPost, pathf("/api/images/%d/activate", id), nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/images", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Contains(t, rec.Body.String(), `"active":true`)
}

func TestHandleListDeploymentsAppliesLimitCap(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		_, err := st.InsertHistory(bg(), "KXP2-CORO-001", "mac", "serial", "1.2.3.4", "KXP2", "CORO")
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/deployments?limit=2", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
}

func TestHandleSystemStatusReportsAccessibleDatabase(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	database, _ := snap["database"].(map[string]any)
	require.Equal(t, true, database["accessible"])
	require.Contains(t, snap, "services")
	require.Contains(t, snap["services"], "definitely-not-a-real-unit")
	require.Contains(t, snap, "disk_space")
}

func TestMetricsEndpointExposesRegisteredCollectors(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rpi_deployment_bus_subscribers")
}

func TestWebSocketConnectSendsStatusAndStatsUpdate(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var gotStatus, gotStats bool
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		switch msg["event"] {
		case "status":
			gotStatus = true
		case "stats_update":
			gotStats = true
		}
	}
	require.True(t, gotStatus)
	require.True(t, gotStats)
}

func TestWebSocketRequestDeploymentsRepliesToRequesterOnly(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	_, err := st.InsertHistory(bg(), "KXP2-CORO-001", "mac", "serial", "1.2.3.4", "KXP2", "CORO")
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	drainGreeting(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "request_deployments"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "deployments_refresh", msg["event"])
}

func drainGreeting(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
	}
}

func bg() context.Context { return context.Background() }

func pathf(format string, a ...any) string { return fmt.Sprintf(format, a...) }
