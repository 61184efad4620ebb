package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/media"
	"github.com/dkeye/mediaroom/internal/signaling"
)

// Peer session states.
const (
	StateConnecting = "connecting"
	StateJoined     = "joined"
	StateClosed     = "closed"
)

// RoomPort is the narrow contract a Peer holds on its owning room. Every
// cross-component effect of a session goes through here; the room never
// subscribes to peer events.
type RoomPort interface {
	// OnJoin registers p as joined and returns the serialized infos of the
	// already-joined peers. It also notifies those peers and triggers
	// consumption of their producers by p.
	OnJoin(p *Peer) []PeerInfo
	// OnNewProducer fans p's new producer out to the other joined peers.
	OnNewProducer(p *Peer, producer media.Producer)
	// OnProducerClosed tells the other joined peers that p's producer is gone.
	OnProducerClosed(p *Peer, producerID string)
	// OnDisconnected removes p from the room and may close the room.
	OnDisconnected(p *Peer)
	CreateTransport(direction media.TransportDirection, forceTCP bool) (media.WebRtcTransport, error)
	RouterCapabilities() webrtc.RTPCapabilities
	CanConsume(producerID string, rtpCapabilities webrtc.RTPCapabilities) bool
}

// Peer owns one participant's signaling channel and media resources and
// drives the session state machine: connecting → joined → closed, no way
// back.
type Peer struct {
	id             string
	roomID         string
	channel        signaling.Channel
	room           RoomPort
	logger         zerolog.Logger
	requestTimeout time.Duration

	mu               sync.Mutex
	state            *fsm.FSM
	everJoined       bool
	displayName      string
	device           json.RawMessage
	rtpCapabilities  *webrtc.RTPCapabilities
	sctpCapabilities json.RawMessage
	transports       map[string]media.WebRtcTransport
	producers        map[string]media.Producer
	consumers        map[string]media.Consumer
}

// NewPeer wires a peer session onto its channel. The session starts handling
// requests immediately; it closes itself on channel disconnect.
func NewPeer(id, roomID string, channel signaling.Channel, room RoomPort, requestTimeout time.Duration) *Peer {
	if requestTimeout <= 0 {
		requestTimeout = signaling.DefaultRequestTimeout
	}
	p := &Peer{
		id:             id,
		roomID:         roomID,
		channel:        channel,
		room:           room,
		requestTimeout: requestTimeout,
		logger: log.With().
			Str("module", "core.peer").
			Str("room", roomID).
			Str("peer", id).
			Logger(),
		transports: make(map[string]media.WebRtcTransport),
		producers:  make(map[string]media.Producer),
		consumers:  make(map[string]media.Consumer),
	}
	p.state = fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: "join", Src: []string{StateConnecting}, Dst: StateJoined},
			{Name: "close", Src: []string{StateConnecting, StateJoined}, Dst: StateClosed},
		},
		fsm.Callbacks{},
	)

	channel.OnRequest(p.handleRequest)
	channel.OnDisconnect(func() {
		p.logger.Debug().Msg("channel disconnected")
		p.Close()
	})
	return p
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) RoomID() string { return p.roomID }

// Joined reports whether the session is currently in the joined state.
func (p *Peer) Joined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Current() == StateJoined
}

// HasJoined reports whether the session ever reached the joined state,
// sticky across close.
func (p *Peer) HasJoined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.everJoined
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Current() == StateClosed
}

// Info serializes the public view of this session.
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		ID:               p.id,
		DisplayName:      p.displayName,
		Device:           p.device,
		Joined:           p.state.Current() == StateJoined,
		RtpCapabilities:  p.rtpCapabilities,
		SctpCapabilities: p.sctpCapabilities,
	}
}

// Notify pushes a fire-and-forget notification to this peer's client.
func (p *Peer) Notify(method string, data any) {
	p.channel.Notify(method, data)
}

// HasProducer reports ownership of a producer id.
func (p *Peer) HasProducer(producerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.producers[producerID]
	return ok
}

// ProducersSnapshot returns the currently owned producers.
func (p *Peer) ProducersSnapshot() []media.Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		out = append(out, producer)
	}
	return out
}

// ResourceCounts reports owned transports, producers and consumers.
func (p *Peer) ResourceCounts() (transports, producers, consumers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports), len(p.producers), len(p.consumers)
}

// Close tears the session down: all owned resources close first, then the
// channel, then the room is told. Idempotent.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.state.Current() == StateClosed {
		p.mu.Unlock()
		return
	}
	_ = p.state.Event(context.Background(), "close")
	transports := make([]media.WebRtcTransport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	consumers := make([]media.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]media.Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		producers = append(producers, producer)
	}
	p.mu.Unlock()

	p.logger.Debug().Msg("closing peer session")

	for _, c := range consumers {
		c.Close()
	}
	for _, producer := range producers {
		producer.Close()
	}
	for _, t := range transports {
		t.Close()
	}

	p.channel.Close()
	p.room.OnDisconnected(p)
}

func (p *Peer) handleRequest(ctx context.Context, method string, data json.RawMessage) (any, error) {
	result, err := p.dispatch(ctx, method, data)
	if err != nil {
		p.logger.Warn().Err(err).Str("method", method).Msg("request failed")
	}
	return result, err
}

func (p *Peer) dispatch(ctx context.Context, method string, data json.RawMessage) (any, error) {
	switch method {
	case signaling.MethodGetRouterRtpCapabilities:
		return routerCapabilitiesResponse{RouterRtpCapabilities: p.room.RouterCapabilities()}, nil

	case signaling.MethodJoin:
		return p.handleJoin(data)

	case signaling.MethodCreateWebRtcTransport:
		return p.handleCreateTransport(data)

	case signaling.MethodConnectWebRtcTransport:
		return p.handleConnectTransport(data)

	case signaling.MethodProduce:
		return p.handleProduce(data)

	case signaling.MethodConsume:
		return p.handleConsume(data)

	case signaling.MethodResumeConsumer:
		var req consumerRef
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
		c, err := p.consumerByID(req.ConsumerID)
		if err != nil {
			return nil, err
		}
		return emptyResult(c.Resume())

	case signaling.MethodPauseConsumer:
		var req consumerRef
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
		c, err := p.consumerByID(req.ConsumerID)
		if err != nil {
			return nil, err
		}
		return emptyResult(c.Pause())

	case signaling.MethodCloseProducer:
		var req producerRef
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
		producer, err := p.producerByID(req.ProducerID)
		if err != nil {
			return nil, err
		}
		producer.Close()
		return struct{}{}, nil

	case signaling.MethodCloseConsumer:
		var req consumerRef
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
		c, err := p.consumerByID(req.ConsumerID)
		if err != nil {
			return nil, err
		}
		c.Close()
		return struct{}{}, nil

	case signaling.MethodCloseTransport:
		var req transportRef
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
		t, err := p.transportByID(req.TransportID)
		if err != nil {
			return nil, err
		}
		t.Close()
		return struct{}{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, method)
	}
}

func (p *Peer) handleJoin(data json.RawMessage) (any, error) {
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	p.mu.Lock()
	if p.state.Current() != StateConnecting {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: peer already joined", ErrInvalidState)
	}
	if err := p.state.Event(context.Background(), "join"); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, err)
	}
	p.everJoined = true
	p.displayName = req.DisplayName
	p.device = req.Device
	p.rtpCapabilities = req.RtpCapabilities
	p.sctpCapabilities = req.SctpCapabilities
	p.mu.Unlock()

	p.logger.Info().Str("displayName", req.DisplayName).Msg("peer joined")

	others := p.room.OnJoin(p)
	if others == nil {
		others = []PeerInfo{}
	}
	return joinResponse{Peers: others}, nil
}

func (p *Peer) handleCreateTransport(data json.RawMessage) (any, error) {
	var req createTransportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if p.Closed() {
		return nil, fmt.Errorf("%w: peer closed", ErrInvalidState)
	}
	direction := media.TransportDirection(req.AppData.Direction)
	if direction != media.DirectionSend && direction != media.DirectionRecv {
		return nil, fmt.Errorf("%w: unknown transport direction %q", ErrInvalidRequest, req.AppData.Direction)
	}

	transport, err := p.room.CreateTransport(direction, req.ForceTCP)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngine, err)
	}

	p.mu.Lock()
	if p.state.Current() == StateClosed {
		p.mu.Unlock()
		transport.Close()
		return nil, fmt.Errorf("%w: peer closed", ErrInvalidState)
	}
	p.transports[transport.ID()] = transport
	p.mu.Unlock()

	p.watchTransport(transport)

	p.logger.Debug().
		Str("transport", transport.ID()).
		Str("direction", string(direction)).
		Msg("transport created")

	return createTransportResponse{
		TransportID:    transport.ID(),
		ICEParameters:  transport.ICEParameters(),
		ICECandidates:  transport.ICECandidates(),
		DTLSParameters: transport.DTLSParameters(),
		SCTPParameters: transport.SCTPCapabilities(),
	}, nil
}

// watchTransport wires lifecycle events of an owned transport. Terminal DTLS
// closure closes that transport, and only that transport.
func (p *Peer) watchTransport(transport media.WebRtcTransport) {
	transport.OnDTLSStateChange(func(state webrtc.DTLSTransportState) {
		if state == webrtc.DTLSTransportStateClosed {
			transport.Close()
		}
	})
	transport.OnClose(func() {
		p.mu.Lock()
		_, owned := p.transports[transport.ID()]
		delete(p.transports, transport.ID())
		p.mu.Unlock()
		if owned {
			p.Notify(signaling.NotifyTransportClosed, transportRef{TransportID: transport.ID()})
		}
	})
}

func (p *Peer) handleConnectTransport(data json.RawMessage) (any, error) {
	var req connectTransportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	transport, err := p.transportByID(req.TransportID)
	if err != nil {
		return nil, err
	}
	if err := transport.Connect(req.DTLSParameters); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (p *Peer) handleProduce(data json.RawMessage) (any, error) {
	var req produceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	transport, err := p.transportByID(req.TransportID)
	if err != nil {
		return nil, err
	}

	producer, err := transport.Produce(media.ProduceOptions{
		Kind:          media.Kind(req.Kind),
		RtpParameters: req.RtpParameters,
		PeerID:        p.id,
		Source:        req.AppData.Source,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngine, err)
	}

	p.mu.Lock()
	if p.state.Current() == StateClosed {
		p.mu.Unlock()
		producer.Close()
		return nil, fmt.Errorf("%w: peer closed", ErrInvalidState)
	}
	p.producers[producer.ID()] = producer
	p.mu.Unlock()

	producer.OnClose(func() {
		p.mu.Lock()
		_, owned := p.producers[producer.ID()]
		delete(p.producers, producer.ID())
		p.mu.Unlock()
		if owned {
			p.Notify(signaling.NotifyProducerClosed, producerRef{ProducerID: producer.ID()})
			p.room.OnProducerClosed(p, producer.ID())
		}
	})

	p.logger.Debug().
		Str("producer", producer.ID()).
		Str("kind", req.Kind).
		Str("source", req.AppData.Source).
		Msg("producer created")

	p.room.OnNewProducer(p, producer)

	return produceResponse{ProducerID: producer.ID()}, nil
}

func (p *Peer) handleConsume(data json.RawMessage) (any, error) {
	var req consumeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	transport, err := p.transportByID(req.TransportID)
	if err != nil {
		return nil, err
	}
	if !p.room.CanConsume(req.ProducerID, req.RtpCapabilities) {
		return nil, fmt.Errorf("%w: cannot consume producer %q", ErrInvalidRequest, req.ProducerID)
	}

	consumer, err := transport.Consume(media.ConsumeOptions{
		ProducerID:      req.ProducerID,
		RtpCapabilities: req.RtpCapabilities,
		Paused:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngine, err)
	}

	if err := p.adoptConsumer(consumer); err != nil {
		return nil, err
	}

	return consumeResponse{
		ConsumerID:     consumer.ID(),
		ProducerID:     consumer.ProducerID(),
		Kind:           string(consumer.Kind()),
		RtpParameters:  consumer.RtpParameters(),
		Type:           consumer.Type(),
		ProducerPaused: consumer.ProducerPaused(),
	}, nil
}

// adoptConsumer stores a freshly created consumer and wires its close
// cleanup, unless the session closed while the engine call was in flight.
func (p *Peer) adoptConsumer(consumer media.Consumer) error {
	p.mu.Lock()
	if p.state.Current() == StateClosed {
		p.mu.Unlock()
		consumer.Close()
		return fmt.Errorf("%w: peer closed", ErrInvalidState)
	}
	p.consumers[consumer.ID()] = consumer
	p.mu.Unlock()

	consumer.OnClose(func() {
		p.mu.Lock()
		_, owned := p.consumers[consumer.ID()]
		delete(p.consumers, consumer.ID())
		p.mu.Unlock()
		if owned {
			p.Notify(signaling.NotifyConsumerClosed, consumerRef{ConsumerID: consumer.ID()})
		}
	})
	return nil
}

// ConsumeProducer creates a paused consumer for another peer's producer,
// asks this peer's client to set up its receiving pipeline via a newConsumer
// request, and resumes the consumer once the client acknowledged. Called by
// the room during fan-out; a peer that cannot consume is skipped silently.
func (p *Peer) ConsumeProducer(producer media.Producer) error {
	p.mu.Lock()
	if p.state.Current() != StateJoined || p.rtpCapabilities == nil {
		p.mu.Unlock()
		return nil
	}
	caps := *p.rtpCapabilities
	var recv media.WebRtcTransport
	for _, t := range p.transports {
		if t.Direction() == media.DirectionRecv {
			recv = t
			break
		}
	}
	p.mu.Unlock()

	if recv == nil {
		p.logger.Debug().Str("producer", producer.ID()).Msg("no recv transport, skipping consumption")
		return nil
	}
	if !p.room.CanConsume(producer.ID(), caps) {
		p.logger.Debug().Str("producer", producer.ID()).Msg("capabilities not compatible, skipping consumption")
		return nil
	}

	consumer, err := recv.Consume(media.ConsumeOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: caps,
		Paused:          true,
	})
	if err != nil {
		return fmt.Errorf("consume producer %s: %w", producer.ID(), err)
	}
	if err := p.adoptConsumer(consumer); err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.requestTimeout)
	defer cancel()
	_, err = p.channel.Request(ctx, signaling.MethodNewConsumer, newConsumerRequest{
		PeerID:         producer.PeerID(),
		ProducerID:     producer.ID(),
		ConsumerID:     consumer.ID(),
		Kind:           string(consumer.Kind()),
		RtpParameters:  consumer.RtpParameters(),
		Type:           consumer.Type(),
		ProducerPaused: consumer.ProducerPaused(),
	})
	if err != nil {
		consumer.Close()
		return fmt.Errorf("newConsumer request: %w", err)
	}
	if p.Closed() {
		consumer.Close()
		return nil
	}
	return consumer.Resume()
}

func (p *Peer) transportByID(id string) (media.WebRtcTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	if !ok {
		return nil, fmt.Errorf("transport %q %w", id, ErrNotFound)
	}
	return t, nil
}

func (p *Peer) producerByID(id string) (media.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	producer, ok := p.producers[id]
	if !ok {
		return nil, fmt.Errorf("producer %q %w", id, ErrNotFound)
	}
	return producer, nil
}

func (p *Peer) consumerByID(id string) (media.Consumer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	if !ok {
		return nil, fmt.Errorf("consumer %q %w", id, ErrNotFound)
	}
	return c, nil
}

func emptyResult(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
