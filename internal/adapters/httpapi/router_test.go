package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/mediaroom/internal/config"
	"github.com/dkeye/mediaroom/internal/core"
	"github.com/dkeye/mediaroom/internal/media"
	"github.com/dkeye/mediaroom/internal/media/localengine"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	w := localengine.NewWorker(0)
	ws, err := w.CreateWebRtcServer([]media.ListenInfo{{Protocol: "udp", IP: "127.0.0.1", Port: 43000}})
	require.NoError(t, err)
	pool, err := core.NewWorkerPool([]core.WorkerSlot{{Worker: w, WebRtcServer: ws}})
	require.NoError(t, err)
	server := core.NewServer(pool, core.RoomOptions{
		MediaCodecs:      config.DefaultMediaCodecs(),
		ObserverInterval: 50 * time.Millisecond,
		RequestTimeout:   2 * time.Second,
		EnableUDP:        true,
	})
	t.Cleanup(server.Close)

	cfg := &config.Config{Mode: "test", PingPeriod: 54 * time.Second, RequestTimeout: 2 * time.Second}
	ts := httptest.NewServer(SetupRouter(cfg, server))
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestAPI(t)

	var health struct {
		Status  string `json:"status"`
		Workers int    `json:"workers"`
		Rooms   int    `json:"rooms"`
		Uptime  int64  `json:"uptime"`
	}
	resp := getJSON(t, ts.URL+"/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Workers)
	assert.Equal(t, 0, health.Rooms)
	assert.GreaterOrEqual(t, health.Uptime, int64(0))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestAPI(t)

	var stats core.ServerStats
	resp := getJSON(t, ts.URL+"/metrics", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, stats.TotalRooms)
	assert.Equal(t, 0, stats.TotalPeers)
	require.Len(t, stats.Workers, 1)
}

func TestPrometheusEndpoint(t *testing.T) {
	ts := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mediaroom_rooms 0")
	assert.Contains(t, string(body), "mediaroom_peers 0")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestAPI(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
