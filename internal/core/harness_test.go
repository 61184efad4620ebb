package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/mediaroom/internal/media"
	"github.com/dkeye/mediaroom/internal/media/localengine"
	"github.com/dkeye/mediaroom/internal/signaling"
)

func testCodecs() []webrtc.RTPCodecCapability {
	return []webrtc.RTPCodecCapability{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}
}

func clientCaps() *webrtc.RTPCapabilities {
	return &webrtc.RTPCapabilities{Codecs: testCodecs()}
}

func audioParams() webrtc.RTPParameters {
	return webrtc.RTPParameters{
		Codecs: []webrtc.RTPCodecParameters{
			{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
				PayloadType:        111,
			},
		},
	}
}

func testRoomOptions() RoomOptions {
	return RoomOptions{
		MediaCodecs:         testCodecs(),
		AudioLevelThreshold: -80,
		ObserverInterval:    20 * time.Millisecond,
		RequestTimeout:      2 * time.Second,
		EnableUDP:           true,
		EnableTCP:           true,
		PreferUDP:           true,
	}
}

func newTestPool(t *testing.T, workers int) *WorkerPool {
	t.Helper()
	slots := make([]WorkerSlot, 0, workers)
	for i := 0; i < workers; i++ {
		w := localengine.NewWorker(i)
		ws, err := w.CreateWebRtcServer([]media.ListenInfo{
			{Protocol: "udp", IP: "127.0.0.1", Port: 41000 + i},
			{Protocol: "tcp", IP: "127.0.0.1", Port: 41000 + i},
		})
		require.NoError(t, err)
		slots = append(slots, WorkerSlot{Worker: w, WebRtcServer: ws})
	}
	pool, err := NewWorkerPool(slots)
	require.NoError(t, err)
	return pool
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(newTestPool(t, 1), testRoomOptions())
	t.Cleanup(s.Close)
	return s
}

type notification struct {
	method string
	data   json.RawMessage
}

// testClient drives one peer session through an in-memory pipe the way a
// browser client would over a websocket.
type testClient struct {
	t      *testing.T
	ch     *signaling.PipeEnd
	peerID string

	newConsumers chan newConsumerRequest
	failConsume  atomic.Bool

	mu    sync.Mutex
	notes []notification
}

func connectClient(t *testing.T, server *Server, roomID, peerID string) *testClient {
	t.Helper()
	c, err := dialClient(t, server, roomID, peerID)
	require.NoError(t, err)
	return c
}

func dialClient(t *testing.T, server *Server, roomID, peerID string) (*testClient, error) {
	t.Helper()
	serverEnd, clientEnd := signaling.Pipe()
	c := &testClient{
		t:            t,
		ch:           clientEnd,
		peerID:       peerID,
		newConsumers: make(chan newConsumerRequest, 16),
	}
	clientEnd.OnNotification(func(method string, data json.RawMessage) {
		c.mu.Lock()
		c.notes = append(c.notes, notification{method: method, data: data})
		c.mu.Unlock()
	})
	clientEnd.OnRequest(func(_ context.Context, method string, data json.RawMessage) (any, error) {
		if method != signaling.MethodNewConsumer {
			return nil, fmt.Errorf("unexpected server request %q", method)
		}
		if c.failConsume.Load() {
			return nil, errors.New("client refused consumer")
		}
		var req newConsumerRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		c.newConsumers <- req
		return struct{}{}, nil
	})

	if _, err := server.HandleConnection(context.Background(), roomID, peerID, serverEnd); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *testClient) request(method string, payload any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.ch.Request(ctx, method, payload)
}

func (c *testClient) mustRequest(method string, payload any, out any) {
	c.t.Helper()
	raw, err := c.request(method, payload)
	require.NoError(c.t, err)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(raw, out))
	}
}

func (c *testClient) join(displayName string) joinResponse {
	c.t.Helper()
	var resp joinResponse
	c.mustRequest(signaling.MethodJoin, joinRequest{
		DisplayName:     displayName,
		Device:          json.RawMessage(`{"name":"test"}`),
		RtpCapabilities: clientCaps(),
	}, &resp)
	return resp
}

func (c *testClient) createTransport(direction string) createTransportResponse {
	c.t.Helper()
	req := createTransportRequest{}
	req.AppData.Direction = direction
	var resp createTransportResponse
	c.mustRequest(signaling.MethodCreateWebRtcTransport, req, &resp)
	return resp
}

// setup runs the standard client bootstrap: join plus one transport each way.
func (c *testClient) setup(displayName string) (send, recv string) {
	c.t.Helper()
	sendResp := c.createTransport("send")
	recvResp := c.createTransport("recv")
	c.join(displayName)
	return sendResp.TransportID, recvResp.TransportID
}

func (c *testClient) produceAudio(transportID string) string {
	c.t.Helper()
	req := produceRequest{
		TransportID:   transportID,
		Kind:          "audio",
		RtpParameters: audioParams(),
	}
	req.AppData.Source = "mic"
	var resp produceResponse
	c.mustRequest(signaling.MethodProduce, req, &resp)
	return resp.ProducerID
}

// waitNewConsumer blocks until the server pushes a newConsumer request.
func (c *testClient) waitNewConsumer() newConsumerRequest {
	c.t.Helper()
	select {
	case req := <-c.newConsumers:
		return req
	case <-time.After(3 * time.Second):
		c.t.Fatal("newConsumer request never arrived")
		return newConsumerRequest{}
	}
}

// waitNotification blocks until a notification with the method arrives and
// removes it from the backlog.
func (c *testClient) waitNotification(method string) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for i, n := range c.notes {
			if n.method == method {
				c.notes = append(c.notes[:i], c.notes[i+1:]...)
				c.mu.Unlock()
				return n.data
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("notification %q never arrived", method)
	return nil
}

func (c *testClient) hasNotification(method string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.notes {
		if n.method == method {
			return true
		}
	}
	return false
}

func (c *testClient) close() {
	c.ch.Close()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
