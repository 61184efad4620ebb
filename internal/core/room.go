package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/media"
	"github.com/dkeye/mediaroom/internal/signaling"
)

// RoomOptions carry the per-room media configuration.
type RoomOptions struct {
	MediaCodecs         []webrtc.RTPCodecCapability
	AudioLevelThreshold int // dBvo, negative
	ObserverInterval    time.Duration
	RequestTimeout      time.Duration
	EnableUDP           bool
	EnableTCP           bool
	PreferUDP           bool
}

// Room is one conference: a router on one worker, the observers watching its
// audio producers, and the peers currently connected. It implements RoomPort
// for its peers and closes itself when the last peer leaves.
type Room struct {
	id           string
	worker       media.Worker
	webRtcServer media.WebRtcServer
	router       media.Router
	audioLevels  media.AudioLevelObserver
	speaker      media.ActiveSpeakerObserver
	opts         RoomOptions
	logger       zerolog.Logger
	onClosed     func(roomID string)

	mu            sync.Mutex
	peers         map[string]*Peer
	producerOwner map[string]string // producer id -> peer id
	hadPeer       bool
	closed        bool
}

// NewRoom allocates the room's router and observers on the given worker.
// onClosed fires exactly once, after the room has fully torn down.
func NewRoom(id string, worker media.Worker, webRtcServer media.WebRtcServer, opts RoomOptions, onClosed func(roomID string)) (*Room, error) {
	router, err := worker.CreateRouter(media.RouterOptions{MediaCodecs: opts.MediaCodecs})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	interval := int(opts.ObserverInterval / time.Millisecond)
	audioLevels, err := router.CreateAudioLevelObserver(media.AudioLevelObserverOptions{
		MaxEntries: 1,
		Threshold:  opts.AudioLevelThreshold,
		Interval:   interval,
	})
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("create audio level observer: %w", err)
	}
	speaker, err := router.CreateActiveSpeakerObserver(media.ActiveSpeakerObserverOptions{Interval: interval})
	if err != nil {
		audioLevels.Close()
		router.Close()
		return nil, fmt.Errorf("create active speaker observer: %w", err)
	}

	r := &Room{
		id:            id,
		worker:        worker,
		webRtcServer:  webRtcServer,
		router:        router,
		audioLevels:   audioLevels,
		speaker:       speaker,
		opts:          opts,
		onClosed:      onClosed,
		logger:        log.With().Str("module", "core.room").Str("room", id).Logger(),
		peers:         make(map[string]*Peer),
		producerOwner: make(map[string]string),
	}

	audioLevels.OnVolumes(r.handleVolumes)
	audioLevels.OnSilence(r.handleSilence)
	speaker.OnDominantSpeaker(r.handleDominantSpeaker)

	r.logger.Info().Int("worker", worker.Index()).Msg("room created")
	return r, nil
}

func (r *Room) ID() string { return r.id }

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// HandleConnection attaches a signaling channel as the session for peerID.
// A reconnect with the same id wins: the replacement session is registered
// before the stale one is torn down, so the room never looks empty in
// between.
func (r *Room) HandleConnection(peerID string, channel signaling.Channel) (*Peer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	old := r.peers[peerID]
	p := NewPeer(peerID, r.id, channel, r, r.opts.RequestTimeout)
	r.peers[peerID] = p
	r.hadPeer = true
	r.mu.Unlock()

	if old != nil {
		r.logger.Info().Str("peer", peerID).Msg("replacing existing session for peer")
		old.Close()
	}
	return p, nil
}

// OnJoin serves the peer's join: it returns the other joined peers, tells
// them about the newcomer, then has the newcomer consume their producers.
func (r *Room) OnJoin(p *Peer) []PeerInfo {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	others := r.joinedPeersLocked(p)
	r.mu.Unlock()

	infos := make([]PeerInfo, 0, len(others))
	info := p.Info()
	for _, other := range others {
		infos = append(infos, other.Info())
		other.Notify(signaling.NotifyNewPeer, newPeerNotification{Peer: info})
	}

	for _, other := range others {
		for _, producer := range other.ProducersSnapshot() {
			go r.consume(p, producer)
		}
	}
	return infos
}

// OnNewProducer registers the producer with the audio observers and fans it
// out to every other joined peer.
func (r *Room) OnNewProducer(p *Peer, producer media.Producer) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.producerOwner[producer.ID()] = p.ID()
	others := r.joinedPeersLocked(p)
	r.mu.Unlock()

	if producer.Kind() == media.KindAudio {
		if err := r.audioLevels.AddProducer(producer.ID()); err != nil {
			r.logger.Warn().Err(err).Str("producer", producer.ID()).Msg("audio level observer rejected producer")
		}
		if err := r.speaker.AddProducer(producer.ID()); err != nil {
			r.logger.Warn().Err(err).Str("producer", producer.ID()).Msg("active speaker observer rejected producer")
		}
	}

	for _, other := range others {
		go r.consume(other, producer)
	}
}

func (r *Room) consume(p *Peer, producer media.Producer) {
	if err := p.ConsumeProducer(producer); err != nil {
		r.logger.Warn().Err(err).
			Str("peer", p.ID()).
			Str("producer", producer.ID()).
			Msg("consumption attempt failed")
	}
}

// OnProducerClosed drops the ownership record. Consumers of the producer are
// closed by the engine cascade; their owners hear consumerClosed from their
// own sessions.
func (r *Room) OnProducerClosed(p *Peer, producerID string) {
	r.mu.Lock()
	delete(r.producerOwner, producerID)
	r.mu.Unlock()
	r.audioLevels.RemoveProducer(producerID)
	r.speaker.RemoveProducer(producerID)
}

// OnDisconnected removes the peer from the room. The last departure closes
// the room, but only after someone was actually in it.
func (r *Room) OnDisconnected(p *Peer) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	current, ok := r.peers[p.ID()]
	if !ok || current != p {
		// A replacement session for this peer id already took the slot.
		r.mu.Unlock()
		return
	}
	delete(r.peers, p.ID())
	others := r.joinedPeersLocked(nil)
	empty := r.hadPeer && len(r.peers) == 0
	r.mu.Unlock()

	if p.HasJoined() {
		for _, other := range others {
			other.Notify(signaling.NotifyPeerClosed, peerClosedNotification{PeerID: p.ID()})
		}
	}
	if empty {
		r.logger.Info().Msg("last peer left, closing room")
		r.Close()
	}
}

func (r *Room) CreateTransport(direction media.TransportDirection, forceTCP bool) (media.WebRtcTransport, error) {
	opts := media.WebRtcTransportOptions{
		WebRtcServer: r.webRtcServer,
		EnableUDP:    r.opts.EnableUDP && !forceTCP,
		EnableTCP:    r.opts.EnableTCP,
		PreferUDP:    r.opts.PreferUDP,
		Direction:    direction,
	}
	return r.router.CreateWebRtcTransport(opts)
}

func (r *Room) RouterCapabilities() webrtc.RTPCapabilities {
	return r.router.RtpCapabilities()
}

func (r *Room) CanConsume(producerID string, rtpCapabilities webrtc.RTPCapabilities) bool {
	ok, err := r.router.CanConsume(producerID, rtpCapabilities)
	if err != nil {
		r.logger.Debug().Err(err).Str("producer", producerID).Msg("canConsume check failed")
		return false
	}
	return ok
}

func (r *Room) handleVolumes(volumes []media.VolumeEntry) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	peerVolumes := make([]PeerVolume, 0, len(volumes))
	for _, v := range volumes {
		if owner, ok := r.producerOwner[v.ProducerID]; ok {
			peerVolumes = append(peerVolumes, PeerVolume{PeerID: owner, Volume: v.Volume})
		}
	}
	peers := r.joinedPeersLocked(nil)
	r.mu.Unlock()

	if len(peerVolumes) == 0 {
		return
	}
	for _, p := range peers {
		p.Notify(signaling.NotifySpeakingPeers, speakingPeersNotification{PeerVolumes: peerVolumes})
	}
}

// handleSilence broadcasts an empty volume list so clients clear their
// speaking indicators.
func (r *Room) handleSilence() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	peers := r.joinedPeersLocked(nil)
	r.mu.Unlock()

	for _, p := range peers {
		p.Notify(signaling.NotifySpeakingPeers, speakingPeersNotification{PeerVolumes: []PeerVolume{}})
	}
}

func (r *Room) handleDominantSpeaker(producerID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	owner, ok := r.producerOwner[producerID]
	peers := r.joinedPeersLocked(nil)
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, p := range peers {
		p.Notify(signaling.NotifyActiveSpeaker, activeSpeakerNotification{PeerID: owner})
	}
}

// joinedPeersLocked snapshots the joined peers, excluding except. Callers
// hold r.mu and act on the snapshot after releasing it.
func (r *Room) joinedPeersLocked(except *Peer) []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p == except || !p.Joined() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Counts reports peers and their aggregate media resources.
func (r *Room) Counts() (peers, transports, producers, consumers int) {
	r.mu.Lock()
	snapshot := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		snapshot = append(snapshot, p)
	}
	r.mu.Unlock()

	peers = len(snapshot)
	for _, p := range snapshot {
		t, pr, c := p.ResourceCounts()
		transports += t
		producers += pr
		consumers += c
	}
	return peers, transports, producers, consumers
}

// Close tears the room down: every remaining peer session first, then the
// observers and router. Idempotent.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		remaining = append(remaining, p)
	}
	r.peers = make(map[string]*Peer)
	r.producerOwner = make(map[string]string)
	r.mu.Unlock()

	for _, p := range remaining {
		p.Close()
	}
	r.audioLevels.Close()
	r.speaker.Close()
	r.router.Close()

	r.logger.Info().Msg("room closed")
	if r.onClosed != nil {
		r.onClosed(r.id)
	}
}
