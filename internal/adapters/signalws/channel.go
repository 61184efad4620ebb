// Package signalws carries the signaling protocol over gorilla websockets.
// It turns one upgraded connection into a signaling.Channel and hands it to
// the session directory.
package signalws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/signaling"
)

const writeWait = 5 * time.Second

// ChannelOptions tune one websocket channel.
type ChannelOptions struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	RequestTimeout time.Duration
}

// Channel implements signaling.Channel over one websocket connection. All
// writes go through a single write pump; reads are dispatched from a single
// read pump.
type Channel struct {
	conn   *websocket.Conn
	opts   ChannelOptions
	logger zerolog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	handler    signaling.RequestHandler
	disconnect func()
	pending    map[uint32]chan *signaling.Envelope
	nextID     uint32
	closed     bool
}

// NewChannel wraps an already upgraded connection and starts its pumps.
func NewChannel(conn *websocket.Conn, opts ChannelOptions) *Channel {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 65536
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = signaling.DefaultRequestTimeout
	}
	c := &Channel{
		conn:    conn,
		opts:    opts,
		logger:  log.With().Str("module", "adapters.signalws").Str("remote", conn.RemoteAddr().String()).Logger(),
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
		pending: make(map[uint32]chan *signaling.Envelope),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Channel) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	raw, err := marshal(data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, signaling.ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *signaling.Envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.sendEnvelope(&signaling.Envelope{Type: signaling.TypeRequest, ID: id, Method: method, Data: raw}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, signaling.ErrChannelClosed
		}
		if !env.OK {
			return nil, &signaling.RemoteError{Method: method, Message: env.Error}
		}
		return env.Data, nil
	case <-timer.C:
		return nil, signaling.ErrTimeout
	case <-ctx.Done():
		return nil, signaling.ErrTimeout
	case <-c.done:
		return nil, signaling.ErrChannelClosed
	}
}

func (c *Channel) Notify(method string, data any) {
	raw, err := marshal(data)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Msg("notify marshal failed")
		return
	}
	_ = c.sendEnvelope(&signaling.Envelope{Type: signaling.TypeNotification, Method: method, Data: raw})
}

func (c *Channel) OnRequest(handler signaling.RequestHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Channel) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.disconnect = fn
	c.mu.Unlock()
}

// Close tears the channel down and fires the disconnect callback once.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[uint32]chan *signaling.Envelope)
		fn := c.disconnect
		c.mu.Unlock()

		close(c.done)
		for _, ch := range pending {
			close(ch)
		}
		_ = c.conn.Close()
		if fn != nil {
			fn()
		}
	})
}

func (c *Channel) sendEnvelope(env *signaling.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return signaling.ErrChannelClosed
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("writePump write")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

func (c *Channel) readPump() {
	defer c.Close()

	pongWait := c.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("readPump closed")
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("bad envelope, dropping")
			continue
		}
		c.dispatch(&env)
	}
}

func (c *Channel) dispatch(env *signaling.Envelope) {
	switch env.Type {
	case signaling.TypeRequest:
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		go c.serveRequest(handler, env)

	case signaling.TypeResponse:
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}

	case signaling.TypeNotification:
		// Clients do not notify the server in this protocol.
		c.logger.Debug().Str("method", env.Method).Msg("ignoring client notification")

	default:
		c.logger.Warn().Str("type", env.Type).Msg("unknown envelope type, dropping")
	}
}

// serveRequest runs one inbound request through the handler and writes the
// response. A handler error becomes an error reply, never a disconnect.
func (c *Channel) serveRequest(handler signaling.RequestHandler, env *signaling.Envelope) {
	resp := &signaling.Envelope{Type: signaling.TypeResponse, ID: env.ID}
	if handler == nil {
		resp.Error = "no request handler"
	} else {
		result, err := handler(context.Background(), env.Method, env.Data)
		if err != nil {
			resp.Error = err.Error()
		} else if raw, merr := marshal(result); merr != nil {
			resp.Error = merr.Error()
		} else {
			resp.OK = true
			resp.Data = raw
		}
	}
	_ = c.sendEnvelope(resp)
}

func marshal(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
