// Package media is the boundary to the media engine: the external system
// owning RTP/ICE/DTLS transports, producers and consumers. The orchestration
// layer only ever talks to these interfaces; the engine behind them performs
// the actual media-plane work. Parameter types are pion/webrtc value types so
// an engine adapter can hand them straight to the wire.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Kind of a media stream.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// TransportDirection tags a transport with the side it serves.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

var (
	ErrClosed           = errors.New("media: resource closed")
	ErrProducerNotFound = errors.New("media: producer not found")
)

// ListenInfo is one network listener endpoint of a WebRtcServer.
type ListenInfo struct {
	Protocol         string // "udp" or "tcp"
	IP               string
	AnnouncedAddress string
	Port             int
}

// WorkerResourceUsage is a read-time snapshot of one worker's footprint.
type WorkerResourceUsage struct {
	Routers    int   `json:"routers"`
	Transports int   `json:"transports"`
	HeapBytes  int64 `json:"heapBytes"`
}

// RouterOptions configure codec negotiation for a new router.
type RouterOptions struct {
	MediaCodecs []webrtc.RTPCodecCapability
}

// WebRtcTransportOptions configure a new transport.
type WebRtcTransportOptions struct {
	WebRtcServer WebRtcServer
	EnableUDP    bool
	EnableTCP    bool
	PreferUDP    bool
	Direction    TransportDirection
}

// ProduceOptions create a producer on a transport.
type ProduceOptions struct {
	Kind          Kind
	RtpParameters webrtc.RTPParameters
	PeerID        string
	Source        string // webcam, mic, screen, screen-audio
}

// ConsumeOptions create a consumer on a transport.
type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities webrtc.RTPCapabilities
	Paused          bool
}

// AudioLevelObserverOptions configure periodic volume reporting.
type AudioLevelObserverOptions struct {
	MaxEntries int
	Threshold  int // dBvo, negative
	Interval   int // milliseconds
}

// ActiveSpeakerObserverOptions configure dominant-speaker detection.
type ActiveSpeakerObserverOptions struct {
	Interval int // milliseconds
}

// VolumeEntry is one producer's reported audio level.
type VolumeEntry struct {
	ProducerID string
	Volume     int // dBvo, negative up to 0
}

// Worker is one engine worker process slot.
type Worker interface {
	Index() int
	CreateRouter(opts RouterOptions) (Router, error)
	CreateWebRtcServer(listenInfos []ListenInfo) (WebRtcServer, error)
	ResourceUsage() WorkerResourceUsage
	// OnDied registers a callback for unrecoverable worker failure. The
	// server treats a died worker as fatal to the whole process.
	OnDied(fn func(err error))
	Close()
}

// WebRtcServer is a worker-scoped listener set shared by transports.
type WebRtcServer interface {
	ID() string
	ListenInfos() []ListenInfo
	Close()
}

// Router is the engine routing context scoped to one room.
type Router interface {
	ID() string
	RtpCapabilities() webrtc.RTPCapabilities
	CreateWebRtcTransport(opts WebRtcTransportOptions) (WebRtcTransport, error)
	CreateAudioLevelObserver(opts AudioLevelObserverOptions) (AudioLevelObserver, error)
	CreateActiveSpeakerObserver(opts ActiveSpeakerObserverOptions) (ActiveSpeakerObserver, error)
	// CanConsume reports whether rtpCapabilities can consume the producer.
	CanConsume(producerID string, rtpCapabilities webrtc.RTPCapabilities) (bool, error)
	Close()
}

// WebRtcTransport is one engine-managed network endpoint of one peer.
type WebRtcTransport interface {
	ID() string
	Direction() TransportDirection
	ICEParameters() webrtc.ICEParameters
	ICECandidates() []webrtc.ICECandidate
	DTLSParameters() webrtc.DTLSParameters
	SCTPCapabilities() webrtc.SCTPCapabilities
	// Connect finalizes the DTLS handshake parameters from the client.
	Connect(dtlsParameters webrtc.DTLSParameters) error
	Produce(opts ProduceOptions) (Producer, error)
	Consume(opts ConsumeOptions) (Consumer, error)
	OnDTLSStateChange(fn func(state webrtc.DTLSTransportState))
	OnClose(fn func())
	Close()
}

// Producer is an inbound media stream from one peer.
type Producer interface {
	ID() string
	Kind() Kind
	PeerID() string
	Source() string
	RtpParameters() webrtc.RTPParameters
	Paused() bool
	// ReportAudioLevel feeds an observed level (dBvo) into the router's
	// audio observers. Fed by the ingest path; tests call it directly.
	ReportAudioLevel(volume int)
	OnClose(fn func())
	Close()
}

// Consumer delivers one producer's stream to one other peer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	Type() string
	RtpParameters() webrtc.RTPParameters
	ProducerPaused() bool
	Paused() bool
	Pause() error
	Resume() error
	OnClose(fn func())
	Close()
}

// AudioLevelObserver periodically reports which producers are audible.
type AudioLevelObserver interface {
	AddProducer(producerID string) error
	RemoveProducer(producerID string)
	// OnVolumes fires with the ranked list of currently loud producers.
	OnVolumes(fn func(volumes []VolumeEntry))
	// OnSilence fires when no producer is above the threshold anymore.
	OnSilence(fn func())
	Close()
}

// ActiveSpeakerObserver periodically reports the dominant speaker.
type ActiveSpeakerObserver interface {
	AddProducer(producerID string) error
	RemoveProducer(producerID string)
	OnDominantSpeaker(fn func(producerID string))
	Close()
}
