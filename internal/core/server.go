package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mediaroom/internal/awaitqueue"
	"github.com/dkeye/mediaroom/internal/signaling"
)

// ServerStats is the aggregate view exposed by the metrics endpoint.
type ServerStats struct {
	TotalRooms     int           `json:"totalRooms"`
	TotalPeers     int           `json:"totalPeers"`
	TotalProducers int           `json:"totalProducers"`
	TotalConsumers int           `json:"totalConsumers"`
	Rooms          []RoomStats   `json:"rooms"`
	Workers        []WorkerStats `json:"workers"`
}

// RoomStats is the per-room slice of ServerStats.
type RoomStats struct {
	RoomID     string `json:"roomId"`
	Peers      int    `json:"peers"`
	Transports int    `json:"transports"`
	Producers  int    `json:"producers"`
	Consumers  int    `json:"consumers"`
}

// Server is the session directory: it owns the live rooms, creates them on
// demand over the worker pool, and routes incoming connections to them.
type Server struct {
	pool     *WorkerPool
	roomOpts RoomOptions
	queue    *awaitqueue.Queue
	logger   zerolog.Logger
	started  time.Time

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewServer builds the directory over an already populated worker pool.
func NewServer(pool *WorkerPool, roomOpts RoomOptions) *Server {
	return &Server{
		pool:     pool,
		roomOpts: roomOpts,
		queue:    awaitqueue.New(),
		logger:   log.With().Str("module", "core.server").Logger(),
		started:  time.Now(),
		rooms:    make(map[string]*Room),
	}
}

// GetOrCreateRoom returns the live room for roomID, creating it on the next
// worker if absent. Creation is serialized through a queue so concurrent
// connections to the same new room id end up in one room.
func (s *Server) GetOrCreateRoom(ctx context.Context, roomID string) (*Room, error) {
	s.mu.Lock()
	if room, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return room, nil
	}
	s.mu.Unlock()

	value, err := s.queue.Push(ctx, func() (any, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrRoomClosed
		}
		if room, ok := s.rooms[roomID]; ok {
			s.mu.Unlock()
			return room, nil
		}
		s.mu.Unlock()

		slot := s.pool.Next()
		room, err := NewRoom(roomID, slot.Worker, slot.WebRtcServer, s.roomOpts, s.removeRoom)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.rooms[roomID] = room
		s.mu.Unlock()
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Room), nil
}

// removeRoom is handed to each room as its onClosed hook.
func (s *Server) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	s.logger.Debug().Str("room", roomID).Msg("room removed from directory")
}

// HandleConnection routes a fresh signaling channel into its room. The rare
// race where the room closes between lookup and attach is retried once with
// a fresh room.
func (s *Server) HandleConnection(ctx context.Context, roomID, peerID string, channel signaling.Channel) (*Peer, error) {
	for attempt := 0; attempt < 2; attempt++ {
		room, err := s.GetOrCreateRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		p, err := room.HandleConnection(peerID, channel)
		if err == ErrRoomClosed {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("room", roomID).Str("peer", peerID).Msg("connection attached")
		return p, nil
	}
	return nil, ErrRoomClosed
}

// RoomCount reports the number of live rooms.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Uptime reports how long the directory has been serving.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// WorkerCount reports the pool size.
func (s *Server) WorkerCount() int {
	return s.pool.Size()
}

// Stats walks the live rooms and workers at read time; nothing is counted
// incrementally, so the numbers cannot drift from reality.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	stats := ServerStats{
		Rooms:   make([]RoomStats, 0, len(rooms)),
		Workers: s.pool.Stats(),
	}
	for _, room := range rooms {
		peers, transports, producers, consumers := room.Counts()
		stats.TotalRooms++
		stats.TotalPeers += peers
		stats.TotalProducers += producers
		stats.TotalConsumers += consumers
		stats.Rooms = append(stats.Rooms, RoomStats{
			RoomID:     room.ID(),
			Peers:      peers,
			Transports: transports,
			Producers:  producers,
			Consumers:  consumers,
		})
	}
	return stats
}

// Close shuts the directory down: no new rooms, every live room closed, then
// the worker pool.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	s.queue.Close()
	for _, room := range rooms {
		room.Close()
	}
	s.pool.Close()
	s.logger.Info().Msg("server closed")
}
