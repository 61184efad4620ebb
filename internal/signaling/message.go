package signaling

import "encoding/json"

// Message types carried over the duplex connection.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
)

// Envelope is the single wire shape. A request carries Method/Data and an ID
// the peer must echo in its response. A notification carries Method/Data and
// no ID. A response carries ID plus either Data (ok) or Error.
type Envelope struct {
	Type   string          `json:"type"`
	ID     uint32          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client-to-server request methods.
const (
	MethodGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	MethodJoin                     = "join"
	MethodCreateWebRtcTransport    = "createWebRtcTransport"
	MethodConnectWebRtcTransport   = "connectWebRtcTransport"
	MethodProduce                  = "produce"
	MethodConsume                  = "consume"
	MethodResumeConsumer           = "resumeConsumer"
	MethodPauseConsumer            = "pauseConsumer"
	MethodCloseProducer            = "closeProducer"
	MethodCloseConsumer            = "closeConsumer"
	MethodCloseTransport           = "closeTransport"
)

// Server-to-client request methods. newConsumer is a request rather than a
// notification: the client must build its receiving pipeline and acknowledge
// before the server resumes the consumer.
const (
	MethodNewConsumer = "newConsumer"
)

// Server-to-client notification methods.
const (
	NotifyNewPeer        = "newPeer"
	NotifyPeerClosed     = "peerClosed"
	NotifyActiveSpeaker  = "activeSpeaker"
	NotifySpeakingPeers  = "speakingPeers"
	NotifyConsumerClosed = "consumerClosed"
	NotifyProducerClosed = "producerClosed"
	NotifyTransportClosed = "transportClosed"
	NotifyConsumerPaused  = "consumerPaused"
	NotifyConsumerResumed = "consumerResumed"
)
