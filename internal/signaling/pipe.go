package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Pipe returns two connected in-memory channels. Whatever one end sends the
// other end receives. Used by tests and by any in-process client.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer = b
	b.peer = a
	return a, b
}

// PipeEnd implements Channel without any underlying connection.
type PipeEnd struct {
	peer    *PipeEnd
	timeout time.Duration

	mu         sync.Mutex
	handler    RequestHandler
	onNotify   func(method string, data json.RawMessage)
	disconnect func()
	pending    map[uint32]chan *Envelope
	nextID     uint32
	closed     bool
}

func newPipeEnd() *PipeEnd {
	return &PipeEnd{
		timeout: DefaultRequestTimeout,
		pending: make(map[uint32]chan *Envelope),
	}
}

// SetTimeout overrides the bounded wait for outbound requests.
func (p *PipeEnd) SetTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

func (p *PipeEnd) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrChannelClosed
	}
	p.nextID++
	id := p.nextID
	ch := make(chan *Envelope, 1)
	p.pending[id] = ch
	timeout := p.timeout
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	go p.peer.deliver(&Envelope{Type: TypeRequest, ID: id, Method: method, Data: raw})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		if !env.OK {
			return nil, &RemoteError{Method: method, Message: env.Error}
		}
		return env.Data, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func (p *PipeEnd) Notify(method string, data any) {
	raw, err := marshalData(data)
	if err != nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.peer.deliver(&Envelope{Type: TypeNotification, Method: method, Data: raw})
}

func (p *PipeEnd) OnRequest(handler RequestHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

// OnNotification registers a callback for inbound notifications. Not part of
// the Channel port; the serving side never reads notifications, but a test
// client does.
func (p *PipeEnd) OnNotification(fn func(method string, data json.RawMessage)) {
	p.mu.Lock()
	p.onNotify = fn
	p.mu.Unlock()
}

func (p *PipeEnd) OnDisconnect(fn func()) {
	p.mu.Lock()
	p.disconnect = fn
	p.mu.Unlock()
}

func (p *PipeEnd) Close() {
	p.closeLocal()
	p.peer.closeLocal()
}

func (p *PipeEnd) closeLocal() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.pending
	p.pending = make(map[uint32]chan *Envelope)
	fn := p.disconnect
	p.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if fn != nil {
		fn()
	}
}

func (p *PipeEnd) deliver(env *Envelope) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	switch env.Type {
	case TypeRequest:
		handler := p.handler
		p.mu.Unlock()
		go p.handleRequest(handler, env)
	case TypeResponse:
		ch, ok := p.pending[env.ID]
		if ok {
			delete(p.pending, env.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- env
		}
	case TypeNotification:
		fn := p.onNotify
		p.mu.Unlock()
		if fn != nil {
			fn(env.Method, env.Data)
		}
	default:
		p.mu.Unlock()
	}
}

func (p *PipeEnd) handleRequest(handler RequestHandler, env *Envelope) {
	resp := &Envelope{Type: TypeResponse, ID: env.ID}
	if handler == nil {
		resp.Error = "no request handler"
	} else {
		result, err := handler(context.Background(), env.Method, env.Data)
		if err != nil {
			resp.Error = err.Error()
		} else if raw, merr := marshalData(result); merr != nil {
			resp.Error = merr.Error()
		} else {
			resp.OK = true
			resp.Data = raw
		}
	}
	p.peer.deliver(resp)
}
