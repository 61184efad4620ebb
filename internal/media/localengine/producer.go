package localengine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/mediaroom/internal/media"
)

type producer struct {
	id            string
	transport     *transport
	kind          media.Kind
	peerID        string
	source        string
	rtpParameters webrtc.RTPParameters

	mu          sync.Mutex
	paused      bool
	lastLevel   int
	lastLevelAt time.Time
	consumers   map[string]*consumer
	onClose     []func()
	closed      bool
}

func newProducer(t *transport, opts media.ProduceOptions) *producer {
	return &producer{
		id:            uuid.NewString(),
		transport:     t,
		kind:          opts.Kind,
		peerID:        opts.PeerID,
		source:        opts.Source,
		rtpParameters: opts.RtpParameters,
		consumers:     make(map[string]*consumer),
	}
}

func (p *producer) ID() string                            { return p.id }
func (p *producer) Kind() media.Kind                      { return p.kind }
func (p *producer) PeerID() string                        { return p.peerID }
func (p *producer) Source() string                        { return p.source }
func (p *producer) RtpParameters() webrtc.RTPParameters   { return p.rtpParameters }

func (p *producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *producer) ReportAudioLevel(volume int) {
	p.mu.Lock()
	p.lastLevel = volume
	p.lastLevelAt = time.Now()
	p.mu.Unlock()
}

// levelSince returns the most recent reported level, if any arrived after t.
func (p *producer) levelSince(t time.Time) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.lastLevelAt.IsZero() || p.lastLevelAt.Before(t) {
		return 0, false
	}
	return p.lastLevel, true
}

func (p *producer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	callbacks := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	p.transport.removeProducer(p.id)
	p.transport.router.unregisterProducer(p.id)
	for _, fn := range callbacks {
		fn()
	}
}

func (p *producer) attachConsumer(c *consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// Late attach: the consumer is already doomed, close it out of band.
		go c.Close()
		return
	}
	p.consumers[c.id] = c
}

func (p *producer) detachConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}
