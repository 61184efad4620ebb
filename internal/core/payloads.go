package core

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// PeerInfo is the serialized public view of a peer session, handed to other
// peers on join and in newPeer notifications.
type PeerInfo struct {
	ID               string                  `json:"id"`
	DisplayName      string                  `json:"displayName"`
	Device           json.RawMessage         `json:"device,omitempty"`
	Joined           bool                    `json:"joined"`
	RtpCapabilities  *webrtc.RTPCapabilities `json:"rtpCapabilities,omitempty"`
	SctpCapabilities json.RawMessage         `json:"sctpCapabilities,omitempty"`
}

// PeerVolume is one entry of a speakingPeers notification.
type PeerVolume struct {
	PeerID string `json:"peerId"`
	Volume int    `json:"volume"`
}

type joinRequest struct {
	DisplayName      string                  `json:"displayName"`
	Device           json.RawMessage         `json:"device"`
	RtpCapabilities  *webrtc.RTPCapabilities `json:"rtpCapabilities"`
	SctpCapabilities json.RawMessage         `json:"sctpCapabilities"`
}

type joinResponse struct {
	Peers []PeerInfo `json:"peers"`
}

type routerCapabilitiesResponse struct {
	RouterRtpCapabilities webrtc.RTPCapabilities `json:"routerRtpCapabilities"`
}

type createTransportRequest struct {
	SctpCapabilities json.RawMessage `json:"sctpCapabilities"`
	ForceTCP         bool            `json:"forceTcp"`
	AppData          struct {
		Direction string `json:"direction"`
	} `json:"appData"`
}

type createTransportResponse struct {
	TransportID    string                  `json:"transportId"`
	ICEParameters  webrtc.ICEParameters    `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate   `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters   `json:"dtlsParameters"`
	SCTPParameters webrtc.SCTPCapabilities `json:"sctpParameters"`
}

type connectTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type produceRequest struct {
	TransportID   string               `json:"transportId"`
	Kind          string               `json:"kind"`
	RtpParameters webrtc.RTPParameters `json:"rtpParameters"`
	AppData       struct {
		Source string `json:"source"`
	} `json:"appData"`
}

type produceResponse struct {
	ProducerID string `json:"producerId"`
}

type consumeRequest struct {
	TransportID     string                 `json:"transportId"`
	ProducerID      string                 `json:"producerId"`
	RtpCapabilities webrtc.RTPCapabilities `json:"rtpCapabilities"`
}

type consumeResponse struct {
	ConsumerID     string               `json:"consumerId"`
	ProducerID     string               `json:"producerId"`
	Kind           string               `json:"kind"`
	RtpParameters  webrtc.RTPParameters `json:"rtpParameters"`
	Type           string               `json:"type"`
	ProducerPaused bool                 `json:"producerPaused"`
}

type newConsumerRequest struct {
	PeerID         string               `json:"peerId"`
	ProducerID     string               `json:"producerId"`
	ConsumerID     string               `json:"consumerId"`
	Kind           string               `json:"kind"`
	RtpParameters  webrtc.RTPParameters `json:"rtpParameters"`
	Type           string               `json:"type"`
	ProducerPaused bool                 `json:"producerPaused"`
}

type transportRef struct {
	TransportID string `json:"transportId"`
}

type producerRef struct {
	ProducerID string `json:"producerId"`
}

type consumerRef struct {
	ConsumerID string `json:"consumerId"`
}

type newPeerNotification struct {
	Peer PeerInfo `json:"peer"`
}

type peerClosedNotification struct {
	PeerID string `json:"peerId"`
}

type activeSpeakerNotification struct {
	PeerID string `json:"peerId"`
}

type speakingPeersNotification struct {
	PeerVolumes []PeerVolume `json:"peerVolumes"`
}
