package localengine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/mediaroom/internal/media"
)

type transport struct {
	id        string
	router    *router
	direction media.TransportDirection

	iceParams  webrtc.ICEParameters
	candidates []webrtc.ICECandidate
	dtlsParams webrtc.DTLSParameters
	sctpCaps   webrtc.SCTPCapabilities

	mu              sync.Mutex
	remoteDTLS      webrtc.DTLSParameters
	connected       bool
	producers       map[string]*producer
	consumers       map[string]*consumer
	dtlsStateChange []func(state webrtc.DTLSTransportState)
	onClose         []func()
	closed          bool
}

func newTransport(r *router, opts media.WebRtcTransportOptions) *transport {
	t := &transport{
		id:        uuid.NewString(),
		router:    r,
		direction: opts.Direction,
		iceParams: webrtc.ICEParameters{
			UsernameFragment: randomToken(8),
			Password:         randomToken(22),
		},
		dtlsParams: webrtc.DTLSParameters{
			Role: webrtc.DTLSRoleAuto,
			Fingerprints: []webrtc.DTLSFingerprint{
				{Algorithm: "sha-256", Value: randomFingerprint()},
			},
		},
		sctpCaps:  webrtc.SCTPCapabilities{MaxMessageSize: 262144},
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}
	t.candidates = candidatesFor(opts)
	return t
}

func candidatesFor(opts media.WebRtcTransportOptions) []webrtc.ICECandidate {
	infos := []media.ListenInfo{{Protocol: "udp", IP: "127.0.0.1", Port: 0}}
	if opts.WebRtcServer != nil {
		infos = opts.WebRtcServer.ListenInfos()
	}

	var out []webrtc.ICECandidate
	for _, info := range infos {
		if info.Protocol == "udp" && !opts.EnableUDP {
			continue
		}
		if info.Protocol == "tcp" && !opts.EnableTCP {
			continue
		}
		address := info.IP
		if info.AnnouncedAddress != "" {
			address = info.AnnouncedAddress
		}
		proto := webrtc.ICEProtocolUDP
		if info.Protocol == "tcp" {
			proto = webrtc.ICEProtocolTCP
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: "localengine",
			Priority:   candidatePriority(info.Protocol, opts.PreferUDP),
			Address:    address,
			Protocol:   proto,
			Port:       uint16(info.Port),
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	return out
}

func candidatePriority(protocol string, preferUDP bool) uint32 {
	if protocol == "udp" && preferUDP {
		return 1<<24 | 1<<8
	}
	return 1 << 8
}

func (t *transport) ID() string                                { return t.id }
func (t *transport) Direction() media.TransportDirection       { return t.direction }
func (t *transport) ICEParameters() webrtc.ICEParameters       { return t.iceParams }
func (t *transport) ICECandidates() []webrtc.ICECandidate      { return t.candidates }
func (t *transport) DTLSParameters() webrtc.DTLSParameters     { return t.dtlsParams }
func (t *transport) SCTPCapabilities() webrtc.SCTPCapabilities { return t.sctpCaps }

func (t *transport) Connect(dtlsParameters webrtc.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return media.ErrClosed
	}
	if t.connected {
		return fmt.Errorf("localengine: transport %s already connected", t.id)
	}
	if len(dtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("localengine: transport %s: no DTLS fingerprints offered", t.id)
	}
	t.remoteDTLS = dtlsParameters
	t.connected = true
	t.fireDTLSStateLocked(webrtc.DTLSTransportStateConnected)
	return nil
}

func (t *transport) Produce(opts media.ProduceOptions) (media.Producer, error) {
	if opts.Kind != media.KindAudio && opts.Kind != media.KindVideo {
		return nil, fmt.Errorf("localengine: invalid producer kind %q", opts.Kind)
	}
	if len(opts.RtpParameters.Codecs) == 0 {
		return nil, fmt.Errorf("localengine: produce without codecs")
	}
	if !t.kindSupported(opts.Kind, opts.RtpParameters) {
		return nil, fmt.Errorf("localengine: no matching router codec for %s producer", opts.Kind)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	p := newProducer(t, opts)
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.registerProducer(p)
	return p, nil
}

// kindSupported checks the produced codecs against the router capability set.
func (t *transport) kindSupported(kind media.Kind, params webrtc.RTPParameters) bool {
	prefix := string(kind) + "/"
	for _, codec := range params.Codecs {
		if !strings.HasPrefix(strings.ToLower(codec.MimeType), prefix) {
			continue
		}
		for _, capable := range t.router.rtpCaps.Codecs {
			if strings.EqualFold(capable.MimeType, codec.MimeType) {
				return true
			}
		}
	}
	return false
}

func (t *transport) Consume(opts media.ConsumeOptions) (media.Consumer, error) {
	src, ok := t.router.producerByID(opts.ProducerID)
	if !ok {
		return nil, media.ErrProducerNotFound
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	c := newConsumer(t, src, opts)
	t.consumers[c.id] = c
	t.mu.Unlock()

	src.attachConsumer(c)
	return c, nil
}

func (t *transport) OnDTLSStateChange(fn func(state webrtc.DTLSTransportState)) {
	t.mu.Lock()
	t.dtlsStateChange = append(t.dtlsStateChange, fn)
	t.mu.Unlock()
}

func (t *transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.fireDTLSStateLocked(webrtc.DTLSTransportStateClosed)
	callbacks := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	t.router.removeTransport(t.id)
	for _, fn := range callbacks {
		fn()
	}
}

func (t *transport) fireDTLSStateLocked(state webrtc.DTLSTransportState) {
	for _, fn := range t.dtlsStateChange {
		go fn(state)
	}
}

func (t *transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func randomToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}

func randomFingerprint() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	parts := make([]string, len(buf))
	for i, b := range buf {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
