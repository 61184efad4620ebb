package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/mediaroom/internal/media"
	"github.com/dkeye/mediaroom/internal/signaling"
)

func TestJoinSeesExistingPeersAndNotifiesThem(t *testing.T) {
	server := newTestServer(t)

	alice := connectClient(t, server, "room1", "alice")
	alice.setup("Alice")

	bob := connectClient(t, server, "room1", "bob")
	resp := bob.join("Bob")

	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "alice", resp.Peers[0].ID)
	assert.Equal(t, "Alice", resp.Peers[0].DisplayName)
	assert.True(t, resp.Peers[0].Joined)

	var note newPeerNotification
	require.NoError(t, json.Unmarshal(alice.waitNotification(signaling.NotifyNewPeer), &note))
	assert.Equal(t, "bob", note.Peer.ID)
	assert.Equal(t, "Bob", note.Peer.DisplayName)
}

func TestFanOutOnNewProducer(t *testing.T) {
	server := newTestServer(t)

	alice := connectClient(t, server, "room1", "alice")
	aliceSend, _ := alice.setup("Alice")

	bob := connectClient(t, server, "room1", "bob")
	bob.setup("Bob")

	producerID := alice.produceAudio(aliceSend)

	req := bob.waitNewConsumer()
	assert.Equal(t, "alice", req.PeerID)
	assert.Equal(t, producerID, req.ProducerID)
	assert.Equal(t, "audio", req.Kind)
	assert.Equal(t, "simple", req.Type)
	assert.False(t, req.ProducerPaused)
	assert.NotEmpty(t, req.ConsumerID)

	// The consumer is resumed once the client acknowledged.
	room, err := server.GetOrCreateRoom(context.Background(), "room1")
	require.NoError(t, err)
	waitFor(t, func() bool {
		room.mu.Lock()
		bobPeer := room.peers["bob"]
		room.mu.Unlock()
		if bobPeer == nil {
			return false
		}
		bobPeer.mu.Lock()
		defer bobPeer.mu.Unlock()
		for _, consumer := range bobPeer.consumers {
			if !consumer.Paused() {
				return true
			}
		}
		return false
	}, "fan-out consumer was never resumed")
}

func TestFanOutOnJoinForExistingProducers(t *testing.T) {
	server := newTestServer(t)

	alice := connectClient(t, server, "room1", "alice")
	aliceSend, _ := alice.setup("Alice")
	producerID := alice.produceAudio(aliceSend)

	// Bob joins after the producer exists; his recv transport is ready
	// before join, so the join fan-out can reach him.
	bob := connectClient(t, server, "room1", "bob")
	bob.setup("Bob")

	req := bob.waitNewConsumer()
	assert.Equal(t, producerID, req.ProducerID)
	assert.Equal(t, "alice", req.PeerID)
}

func TestPeerWithoutRecvTransportIsSkipped(t *testing.T) {
	server := newTestServer(t)

	alice := connectClient(t, server, "room1", "alice")
	aliceSend, _ := alice.setup("Alice")

	bob := connectClient(t, server, "room1", "bob")
	bob.join("Bob")

	alice.produceAudio(aliceSend)

	// Alice is unaffected; Bob just never hears newConsumer.
	var resp routerCapabilitiesResponse
	alice.mustRequest(signaling.MethodGetRouterRtpCapabilities, nil, &resp)
	time.Sleep(100 * time.Millisecond)
	select {
	case req := <-bob.newConsumers:
		t.Fatalf("unexpected newConsumer for %s", req.ProducerID)
	default:
	}
}

func TestConsumerAckFailureClosesOnlyThatConsumer(t *testing.T) {
	server := newTestServer(t)

	alice := connectClient(t, server, "room1", "alice")
	aliceSend, _ := alice.setup("Alice")

	bob := connectClient(t, server, "room1", "bob")
	bob.setup("Bob")
	bob.failConsume.Store(true)

	alice.produceAudio(aliceSend)

	room, err := server.GetOrCreateRoom(context.Background(), "room1")
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, _, producers, consumers := room.Counts()
		return producers == 1 && consumers == 0
	}, "refused consumer was not cleaned up")

	// Both sessions stay alive.
	var resp routerCapabilitiesResponse
	alice.mustRequest(signaling.MethodGetRouterRtpCapabilities, nil, &resp)
	bob.mustRequest(signaling.MethodGetRouterRtpCapabilities, nil, &resp)
}

func TestDisconnectNotifiesOthersAndFreesResources(t *testing.T) {
	server := newTestServer(t)

	alice := connectClient(t, server, "room1", "alice")
	aliceSend, _ := alice.setup("Alice")

	bob := connectClient(t, server, "room1", "bob")
	bob.setup("Bob")

	alice.produceAudio(aliceSend)
	bob.waitNewConsumer()

	alice.close()

	var note peerClosedNotification
	require.NoError(t, json.Unmarshal(bob.waitNotification(signaling.NotifyPeerClosed), &note))
	assert.Equal(t, "alice", note.PeerID)

	// Bob's consumer of Alice's producer dies with her session.
	bob.waitNotification(signaling.NotifyConsumerClosed)

	room, err := server.GetOrCreateRoom(context.Background(), "room1")
	require.NoError(t, err)
	waitFor(t, func() bool {
		peers, _, producers, consumers := room.Counts()
		return peers == 1 && producers == 0 && consumers == 0
	}, "disconnect did not free resources")
}

func TestRoomClosesWhenLastPeerLeaves(t *testing.T) {
	server := newTestServer(t)

	alice := connectClient(t, server, "room1", "alice")
	alice.setup("Alice")
	bob := connectClient(t, server, "room1", "bob")
	bob.setup("Bob")

	assert.Equal(t, 1, server.RoomCount())

	alice.close()
	bob.close()

	waitFor(t, func() bool { return server.RoomCount() == 0 }, "empty room was not closed")
}

func TestEmptyRoomWithoutPeersStaysUntilFirstLeave(t *testing.T) {
	server := newTestServer(t)

	// Creating a room directly gives it no peers; it must not self-close
	// before anyone was in it.
	room, err := server.GetOrCreateRoom(context.Background(), "idle")
	require.NoError(t, err)
	assert.False(t, room.Closed())
	assert.Equal(t, 1, server.RoomCount())

	alice := connectClient(t, server, "idle", "alice")
	alice.join("Alice")
	alice.close()

	waitFor(t, func() bool { return server.RoomCount() == 0 }, "room did not close after its only peer left")
}

func TestLastConnectionWins(t *testing.T) {
	server := newTestServer(t)

	bob := connectClient(t, server, "room1", "bob")
	bob.setup("Bob")

	first := connectClient(t, server, "room1", "alice")
	first.setup("Alice")
	bob.waitNotification(signaling.NotifyNewPeer)

	second := connectClient(t, server, "room1", "alice")
	second.setup("Alice")

	// The stale channel is dead, the replacement serves requests.
	waitFor(t, func() bool {
		_, err := first.request(signaling.MethodGetRouterRtpCapabilities, nil)
		return err == signaling.ErrChannelClosed
	}, "stale session channel was not closed")
	var resp routerCapabilitiesResponse
	second.mustRequest(signaling.MethodGetRouterRtpCapabilities, nil, &resp)

	// The replacement never looked like a departure to the room.
	assert.False(t, bob.hasNotification(signaling.NotifyPeerClosed))
	assert.Equal(t, 1, server.RoomCount())

	room, err := server.GetOrCreateRoom(context.Background(), "room1")
	require.NoError(t, err)
	peers, _, _, _ := room.Counts()
	assert.Equal(t, 2, peers)
}

func TestSpeakingPeersAndActiveSpeaker(t *testing.T) {
	server := newTestServer(t)

	alice := connectClient(t, server, "room1", "alice")
	aliceSend, _ := alice.setup("Alice")
	bob := connectClient(t, server, "room1", "bob")
	bob.setup("Bob")

	alice.produceAudio(aliceSend)
	bob.waitNewConsumer()

	room, err := server.GetOrCreateRoom(context.Background(), "room1")
	require.NoError(t, err)
	var producer media.Producer
	waitFor(t, func() bool {
		room.mu.Lock()
		p := room.peers["alice"]
		room.mu.Unlock()
		if p == nil {
			return false
		}
		producers := p.ProducersSnapshot()
		if len(producers) == 0 {
			return false
		}
		producer = producers[0]
		return true
	}, "producer never appeared")

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				producer.ReportAudioLevel(-40)
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()

	var speaking speakingPeersNotification
	require.NoError(t, json.Unmarshal(bob.waitNotification(signaling.NotifySpeakingPeers), &speaking))
	require.Len(t, speaking.PeerVolumes, 1)
	assert.Equal(t, "alice", speaking.PeerVolumes[0].PeerID)
	assert.Equal(t, -40, speaking.PeerVolumes[0].Volume)

	var speaker activeSpeakerNotification
	require.NoError(t, json.Unmarshal(bob.waitNotification(signaling.NotifyActiveSpeaker), &speaker))
	assert.Equal(t, "alice", speaker.PeerID)

	// The speaker hears the broadcasts too.
	require.NoError(t, json.Unmarshal(alice.waitNotification(signaling.NotifySpeakingPeers), &speaking))

	close(stop)

	// Silence is broadcast as an empty volume list.
	waitFor(t, func() bool {
		data := bobLatestSpeaking(bob)
		if data == nil {
			return false
		}
		var s speakingPeersNotification
		if err := json.Unmarshal(data, &s); err != nil {
			return false
		}
		return len(s.PeerVolumes) == 0
	}, "silence was never broadcast")
}

// bobLatestSpeaking pops the next speakingPeers notification if one is
// queued.
func bobLatestSpeaking(c *testClient) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.notes {
		if n.method == signaling.NotifySpeakingPeers {
			c.notes = append(c.notes[:i], c.notes[i+1:]...)
			return n.data
		}
	}
	return nil
}
