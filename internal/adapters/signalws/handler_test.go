package signalws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/mediaroom/internal/core"
	"github.com/dkeye/mediaroom/internal/media"
	"github.com/dkeye/mediaroom/internal/media/localengine"
	"github.com/dkeye/mediaroom/internal/signaling"
)

func newTestDirectory(t *testing.T) *core.Server {
	t.Helper()
	w := localengine.NewWorker(0)
	ws, err := w.CreateWebRtcServer([]media.ListenInfo{{Protocol: "udp", IP: "127.0.0.1", Port: 42000}})
	require.NoError(t, err)
	pool, err := core.NewWorkerPool([]core.WorkerSlot{{Worker: w, WebRtcServer: ws}})
	require.NoError(t, err)
	server := core.NewServer(pool, core.RoomOptions{
		MediaCodecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		},
		ObserverInterval: 50 * time.Millisecond,
		RequestTimeout:   2 * time.Second,
		EnableUDP:        true,
	})
	t.Cleanup(server.Close)
	return server
}

func newTestHTTPServer(t *testing.T, opts HandlerOptions) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(newTestDirectory(t), opts)
	r.GET("/ws", h.HandleSignal)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
}

func TestHandlerRequiresIdentity(t *testing.T) {
	ts := newTestHTTPServer(t, HandlerOptions{})

	resp, err := http.Get(ts.URL + "/ws?roomId=r1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerServesSignaling(t *testing.T) {
	ts := newTestHTTPServer(t, HandlerOptions{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?roomId=r1&peerId=alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	req := signaling.Envelope{Type: signaling.TypeRequest, ID: 1, Method: signaling.MethodGetRouterRtpCapabilities}
	require.NoError(t, conn.WriteJSON(req))

	var resp signaling.Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, signaling.TypeResponse, resp.Type)
	assert.Equal(t, uint32(1), resp.ID)
	assert.True(t, resp.OK)

	var caps struct {
		RouterRtpCapabilities webrtc.RTPCapabilities `json:"routerRtpCapabilities"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &caps))
	assert.NotEmpty(t, caps.RouterRtpCapabilities.Codecs)
}

func TestHandlerErrorReplyKeepsConnection(t *testing.T) {
	ts := newTestHTTPServer(t, HandlerOptions{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?roomId=r1&peerId=alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(signaling.Envelope{Type: signaling.TypeRequest, ID: 1, Method: "bogus"}))
	var resp signaling.Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "invalid request")

	require.NoError(t, conn.WriteJSON(signaling.Envelope{Type: signaling.TypeRequest, ID: 2, Method: signaling.MethodGetRouterRtpCapabilities}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.True(t, resp.OK)
	assert.Equal(t, uint32(2), resp.ID)
}

func TestOriginAllowList(t *testing.T) {
	h := NewHandler(nil, HandlerOptions{AllowedOrigins: []string{"https://meet.example.com"}})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true}, // non-browser client
		{"https://meet.example.com", true},
		{"https://MEET.example.com/", true},
		{"https://evil.example.com", false},
		{"http://localhost:3000", false}, // localhost fallback only without a list
		{"::not a url::", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, h.originAllowed(r), "origin %q", tc.origin)
	}
}

func TestOriginLocalhostFallback(t *testing.T) {
	h := NewHandler(nil, HandlerOptions{})

	cases := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"https://meet.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Origin", tc.origin)
		assert.Equal(t, tc.want, h.originAllowed(r), "origin %q", tc.origin)
	}
}

func TestHandlerRejectsDisallowedOrigin(t *testing.T) {
	ts := newTestHTTPServer(t, HandlerOptions{AllowedOrigins: []string{"https://meet.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "?roomId=r1&peerId=alice"), header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
