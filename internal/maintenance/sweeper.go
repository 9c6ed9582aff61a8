// Package maintenance runs the periodic sweeps that bound the relay's memory: expired chunks
// and rooms left empty past their maximum age.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zot/room-relay/internal/chunk"
	"github.com/zot/room-relay/internal/room"
)

// Defaults for Options.
const (
	DefaultChunkSweepInterval = 10 * time.Minute
	DefaultRoomSweepInterval  = 30 * time.Minute
	DefaultEmptyRoomMaxAge    = 2 * time.Hour
)

// Options configures a Sweeper. Zero values select defaults.
type Options struct {
	ChunkSweepInterval time.Duration
	RoomSweepInterval  time.Duration
	EmptyRoomMaxAge    time.Duration
}

// Sweeper owns the two sweep loops.
type Sweeper struct {
	chunks *chunk.Store
	rooms  *room.Registry
	opts   Options
	now    func() time.Time

	wg sync.WaitGroup
}

// NewSweeper creates a sweeper over chunks and rooms.
func NewSweeper(chunks *chunk.Store, rooms *room.Registry, opts Options) *Sweeper {
	if opts.ChunkSweepInterval <= 0 {
		opts.ChunkSweepInterval = DefaultChunkSweepInterval
	}
	if opts.RoomSweepInterval <= 0 {
		opts.RoomSweepInterval = DefaultRoomSweepInterval
	}
	if opts.EmptyRoomMaxAge <= 0 {
		opts.EmptyRoomMaxAge = DefaultEmptyRoomMaxAge
	}
	return &Sweeper{chunks: chunks, rooms: rooms, opts: opts, now: time.Now}
}

// Start launches both loops. They stop when ctx is cancelled; Wait blocks until they have.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.loop(ctx, s.opts.ChunkSweepInterval, func() { s.SweepChunks() })
	go s.loop(ctx, s.opts.RoomSweepInterval, func() { s.SweepRooms() })
}

// Wait blocks until both loops have exited.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, sweep func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return
		}
	}
}

// SweepChunks removes chunk entries older than the store's TTL.
func (s *Sweeper) SweepChunks() int {
	removed := s.chunks.Sweep()
	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SweepChunks",
			"removed":  removed,
			"held":     s.chunks.Len(),
		}).Info("Evicted expired chunks")
	}
	return removed
}

// SweepRooms removes rooms with no participants older than the configured maximum age.
func (s *Sweeper) SweepRooms() []string {
	removed := s.rooms.SweepEmpty(s.now(), s.opts.EmptyRoomMaxAge)
	if len(removed) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SweepRooms",
			"removed":  removed,
		}).Info("Evicted empty rooms")
	}
	return removed
}
