package localengine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/mediaroom/internal/media"
)

type consumer struct {
	id            string
	transport     *transport
	producer      *producer
	kind          media.Kind
	rtpParameters webrtc.RTPParameters

	mu      sync.Mutex
	paused  bool
	onClose []func()
	closed  bool
}

func newConsumer(t *transport, src *producer, opts media.ConsumeOptions) *consumer {
	return &consumer{
		id:            uuid.NewString(),
		transport:     t,
		producer:      src,
		kind:          src.kind,
		rtpParameters: src.rtpParameters,
		paused:        opts.Paused,
	}
}

func (c *consumer) ID() string                          { return c.id }
func (c *consumer) ProducerID() string                  { return c.producer.id }
func (c *consumer) Kind() media.Kind                    { return c.kind }
func (c *consumer) Type() string                        { return "simple" }
func (c *consumer) RtpParameters() webrtc.RTPParameters { return c.rtpParameters }

func (c *consumer) ProducerPaused() bool {
	return c.producer.Paused()
}

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.ErrClosed
	}
	c.paused = true
	return nil
}

func (c *consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.ErrClosed
	}
	c.paused = false
	return nil
}

func (c *consumer) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.producer.detachConsumer(c.id)
	c.transport.removeConsumer(c.id)
	for _, fn := range callbacks {
		fn()
	}
}
