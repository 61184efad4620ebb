package localengine

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/mediaroom/internal/media"
)

type router struct {
	id      string
	worker  *worker
	rtpCaps webrtc.RTPCapabilities

	mu         sync.Mutex
	transports map[string]*transport
	producers  map[string]*producer
	observers  []observerCloser
	closed     bool
}

type observerCloser interface {
	Close()
	RemoveProducer(id string)
}

func newRouter(w *worker, opts media.RouterOptions) *router {
	caps := webrtc.RTPCapabilities{
		Codecs: append([]webrtc.RTPCodecCapability(nil), opts.MediaCodecs...),
	}
	return &router{
		id:         uuid.NewString(),
		worker:     w,
		rtpCaps:    caps,
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
	}
}

func (r *router) ID() string { return r.id }

func (r *router) RtpCapabilities() webrtc.RTPCapabilities { return r.rtpCaps }

func (r *router) CreateWebRtcTransport(opts media.WebRtcTransportOptions) (media.WebRtcTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, media.ErrClosed
	}
	t := newTransport(r, opts)
	r.transports[t.id] = t
	return t, nil
}

func (r *router) CreateAudioLevelObserver(opts media.AudioLevelObserverOptions) (media.AudioLevelObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, media.ErrClosed
	}
	o := newAudioLevelObserver(r, opts)
	r.observers = append(r.observers, o)
	return o, nil
}

func (r *router) CreateActiveSpeakerObserver(opts media.ActiveSpeakerObserverOptions) (media.ActiveSpeakerObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, media.ErrClosed
	}
	o := newActiveSpeakerObserver(r, opts)
	r.observers = append(r.observers, o)
	return o, nil
}

// CanConsume mirrors the engine compatibility check: the consuming
// capabilities must carry a codec matching the producer's by MIME type.
func (r *router) CanConsume(producerID string, rtpCapabilities webrtc.RTPCapabilities) (bool, error) {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false, media.ErrProducerNotFound
	}

	for _, produced := range p.rtpParameters.Codecs {
		for _, capable := range rtpCapabilities.Codecs {
			if strings.EqualFold(produced.MimeType, capable.MimeType) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	observers := r.observers
	r.observers = nil
	r.mu.Unlock()

	for _, o := range observers {
		o.Close()
	}
	for _, t := range transports {
		t.Close()
	}
	r.worker.removeRouter(r.id)
}

func (r *router) transportCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports)
}

func (r *router) registerProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) unregisterProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	observers := append([]observerCloser(nil), r.observers...)
	r.mu.Unlock()
	for _, o := range observers {
		o.RemoveProducer(id)
	}
}

func (r *router) producerByID(id string) (*producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}
