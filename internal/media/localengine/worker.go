// Package localengine is an in-process implementation of the media engine
// boundary. It keeps the full resource graph (routers, transports, producers,
// consumers, observers) with correct lifecycles and close cascades, while the
// media plane itself stays out of scope: audio levels are pushed in through
// Producer.ReportAudioLevel instead of being read off RTP.
package localengine

import (
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/media"
)

type worker struct {
	index  int
	logger zerolog.Logger

	mu      sync.Mutex
	routers map[string]*router
	servers map[string]*webRtcServer
	died    []func(err error)
	closed  bool
}

// NewWorker creates one engine worker slot.
func NewWorker(index int) media.Worker {
	return &worker{
		index:   index,
		logger:  log.With().Str("module", "localengine.worker").Int("worker", index).Logger(),
		routers: make(map[string]*router),
		servers: make(map[string]*webRtcServer),
	}
}

func (w *worker) Index() int { return w.index }

func (w *worker) CreateRouter(opts media.RouterOptions) (media.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, media.ErrClosed
	}
	r := newRouter(w, opts)
	w.routers[r.id] = r
	w.logger.Debug().Str("router", r.id).Msg("router created")
	return r, nil
}

func (w *worker) CreateWebRtcServer(listenInfos []media.ListenInfo) (media.WebRtcServer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, media.ErrClosed
	}
	s := &webRtcServer{id: uuid.NewString(), listenInfos: listenInfos}
	w.servers[s.id] = s
	return s, nil
}

func (w *worker) ResourceUsage() media.WorkerResourceUsage {
	w.mu.Lock()
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	transports := 0
	for _, r := range routers {
		transports += r.transportCount()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return media.WorkerResourceUsage{
		Routers:    len(routers),
		Transports: transports,
		HeapBytes:  int64(mem.HeapAlloc),
	}
}

func (w *worker) OnDied(fn func(err error)) {
	w.mu.Lock()
	w.died = append(w.died, fn)
	w.mu.Unlock()
}

func (w *worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*router)
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	w.logger.Debug().Msg("worker closed")
}

func (w *worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

type webRtcServer struct {
	id          string
	listenInfos []media.ListenInfo
}

func (s *webRtcServer) ID() string                      { return s.id }
func (s *webRtcServer) ListenInfos() []media.ListenInfo { return s.listenInfos }
func (s *webRtcServer) Close()                          {}
