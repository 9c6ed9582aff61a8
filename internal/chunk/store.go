// Package chunk holds raw chunk payloads for files being relayed through a room.
//
// Entries are keyed by (fileID, chunkIndex) and live independently of the room that
// announced the file: they are evicted purely by age, or by a per-file eviction scheduled
// once the sender has delivered the final chunk.
package chunk

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrChunkNotFound indicates the requested chunk was evicted or never stored.
var ErrChunkNotFound = errors.New("chunk not found")

// DefaultTTL is how long a chunk stays retrievable after it was stored.
const DefaultTTL = 10 * time.Minute

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Key identifies one chunk of one file.
type Key struct {
	FileID string
	Index  int
}

// Entry is one stored piece of a file's byte stream.
type Entry struct {
	FileID   string
	Index    int
	Payload  []byte
	StoredAt time.Time
}

// Store is a TTL-evicted, concurrency-safe holder of chunk payloads.
type Store struct {
	mu           sync.Mutex
	entries      map[Key]*Entry
	evictions    map[string]*time.Timer // fileID -> pending delayed eviction
	ttl          time.Duration
	timeProvider TimeProvider
	closed       bool
}

// NewStore creates a store whose entries expire ttl after they were stored.
// A non-positive ttl falls back to DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		entries:      make(map[Key]*Entry),
		evictions:    make(map[string]*time.Timer),
		ttl:          ttl,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (s *Store) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeProvider = tp
}

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Put stores (or replaces) the payload for a chunk and stamps it with the current time.
func (s *Store) Put(fileID string, index int, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{FileID: fileID, Index: index}
	s.entries[key] = &Entry{
		FileID:   fileID,
		Index:    index,
		Payload:  payload,
		StoredAt: s.timeProvider.Now(),
	}
}

// Get returns the payload of a chunk. Entries older than the TTL are treated as absent
// even if the periodic sweep has not removed them yet.
func (s *Store) Get(fileID string, index int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{FileID: fileID, Index: index}
	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrChunkNotFound
	}
	if s.expiredLocked(entry) {
		delete(s.entries, key)
		return nil, ErrChunkNotFound
	}
	return entry.Payload, nil
}

// Has reports whether a live chunk is stored for (fileID, index).
func (s *Store) Has(fileID string, index int) bool {
	_, err := s.Get(fileID, index)
	return err == nil
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every entry older than the TTL and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if s.expiredLocked(entry) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// EvictFile removes every chunk belonging to fileID and returns how many were removed.
func (s *Store) EvictFile(fileID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.evictions[fileID]; ok {
		timer.Stop()
		delete(s.evictions, fileID)
	}
	return s.evictFileLocked(fileID)
}

// ScheduleFileEviction removes fileID's chunks after delay. Scheduling again for the
// same file replaces the pending eviction.
func (s *Store) ScheduleFileEviction(fileID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if timer, ok := s.evictions[fileID]; ok {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// A replaced or cancelled timer must not evict.
		if current, ok := s.evictions[fileID]; !ok || current != timer {
			return
		}
		delete(s.evictions, fileID)
		removed := s.evictFileLocked(fileID)

		logrus.WithFields(logrus.Fields{
			"function": "ScheduleFileEviction",
			"file_id":  fileID,
			"removed":  removed,
		}).Debug("Evicted chunks of completed file")
	})
	s.evictions[fileID] = timer
}

// PendingEvictions returns the number of files with a scheduled eviction.
func (s *Store) PendingEvictions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evictions)
}

// Close stops every pending delayed eviction. Stored chunks are left in place.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for fileID, timer := range s.evictions {
		timer.Stop()
		delete(s.evictions, fileID)
	}
}

func (s *Store) evictFileLocked(fileID string) int {
	removed := 0
	for key := range s.entries {
		if key.FileID == fileID {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// expiredLocked reports whether entry has outlived the TTL. Caller must hold s.mu.
func (s *Store) expiredLocked(entry *Entry) bool {
	return s.timeProvider.Since(entry.StoredAt) > s.ttl
}
