package coordinator_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/vorsengineer/cw-rpi-deployment/internal/config"
	"github.com/vorsengineer/cw-rpi-deployment/internal/coordinator"
	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
	"github.com/vorsengineer/cw-rpi-deployment/internal/hostnames"
	"github.com/vorsengineer/cw-rpi-deployment/internal/metrics"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

func newTestServer(t *testing.T) (*coordinator.Server, *store.Store, *hostnames.Allocator) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	alloc := hostnames.New(st, log)
	bus := eventbus.New()

	imagesFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(imagesFs, "kxp2_master.img", []byte("fake-image-bytes"), 0o644))

	cfg := config.Config{
		PublicServerIP: "192.168.151.1",
		RequestTimeout: 5 * time.Second,
		LogsDir:        t.TempDir(),
	}

	srv := coordinator.New(cfg, alloc, st, bus, imagesFs, log, metrics.New())
	return srv, st, alloc
}

func TestHandleConfigFallsBackToComputedChecksumImage(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"product_type":  "KXP2",
		"venue_code":    "",
		"serial_number": "SERIAL123456",
		"mac_address":   "aa:bb:cc:dd:ee:ff",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "KXP2-DEFAULT-123456", resp["hostname"])
	require.Equal(t, "kxp2_master.img", extractFilename(t, resp["image_url"].(string)))
	require.NotEmpty(t, resp["image_checksum"])
}

func TestHandleConfigAssignsFromPoolWhenVenueGiven(t *testing.T) {
	srv, _, alloc := newTestServer(t)
	require.NoError(t, alloc.CreateVenue(contextBG(), "CORO", "Coronado", "", ""))
	_, err := alloc.BulkImport(contextBG(), "CORO", "KXP2", []string{"1"})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{
		"product_type": "KXP2",
		"venue_code":   "CORO",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "KXP2-CORO-001", resp["hostname"])
}

func TestHandleStatusUpdatesHistoryAndIgnoresPostTerminal(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := contextBG()

	_, err := st.InsertHistory(ctx, "KXP2-CORO-001", "mac", "serial", "1.2.3.4", "KXP2", "CORO")
	require.NoError(t, err)

	postStatus := func(status string) {
		body, _ := json.Marshal(map[string]string{"hostname": "KXP2-CORO-001", "serial": "serial", "status": status})
		req := httptest.NewRequest(http.MethodPost, "/api/status", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	postStatus("downloading")
	postStatus("success")
	postStatus("failed") // must not override the terminal success

	records, err := st.ListDeployments(ctx, store.DeploymentFilter{Hostname: "KXP2-CORO-001"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "success", records[0].Status)
}

func TestHandleImageDownloadNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/images/missing.img", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleImageDownloadServesFile(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/images/kxp2_master.img", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fake-image-bytes", rec.Body.String())
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp["status"])
}
