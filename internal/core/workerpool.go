package core

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/media"
)

// WorkerSlot pairs a media worker with the WebRtcServer its transports
// share.
type WorkerSlot struct {
	Worker       media.Worker
	WebRtcServer media.WebRtcServer
}

// WorkerStats is the read-time view of one slot for health reporting.
type WorkerStats struct {
	Index int                       `json:"index"`
	Usage media.WorkerResourceUsage `json:"usage"`
}

// WorkerPool hands out worker slots round-robin so rooms spread evenly
// across the available workers.
type WorkerPool struct {
	logger zerolog.Logger

	mu    sync.Mutex
	slots []WorkerSlot
	next  int
}

// NewWorkerPool builds a pool over the given slots. An empty pool is a
// deployment error the caller must treat as fatal.
func NewWorkerPool(slots []WorkerSlot) (*WorkerPool, error) {
	if len(slots) == 0 {
		return nil, ErrNoWorkers
	}
	return &WorkerPool{
		logger: log.With().Str("module", "core.workerpool").Logger(),
		slots:  slots,
	}, nil
}

func (wp *WorkerPool) Size() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.slots)
}

// Next returns the next slot in round-robin order.
func (wp *WorkerPool) Next() WorkerSlot {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	slot := wp.slots[wp.next]
	wp.next = (wp.next + 1) % len(wp.slots)
	return slot
}

// Stats snapshots per-worker resource usage.
func (wp *WorkerPool) Stats() []WorkerStats {
	wp.mu.Lock()
	slots := append([]WorkerSlot(nil), wp.slots...)
	wp.mu.Unlock()

	out := make([]WorkerStats, 0, len(slots))
	for _, slot := range slots {
		out = append(out, WorkerStats{
			Index: slot.Worker.Index(),
			Usage: slot.Worker.ResourceUsage(),
		})
	}
	return out
}

// OnWorkerDied registers fn on every worker in the pool.
func (wp *WorkerPool) OnWorkerDied(fn func(index int, err error)) {
	wp.mu.Lock()
	slots := append([]WorkerSlot(nil), wp.slots...)
	wp.mu.Unlock()

	for _, slot := range slots {
		index := slot.Worker.Index()
		slot.Worker.OnDied(func(err error) {
			wp.logger.Error().Err(err).Int("worker", index).Msg("worker died")
			fn(index, err)
		})
	}
}

// Close shuts every worker down.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	slots := wp.slots
	wp.slots = nil
	wp.mu.Unlock()

	for _, slot := range slots {
		slot.WebRtcServer.Close()
		slot.Worker.Close()
	}
}

func (wp *WorkerPool) String() string {
	return fmt.Sprintf("WorkerPool(%d workers)", wp.Size())
}
