package chunk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider is a manually advanced clock.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func TestStorePutGet(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	s.Put("file-1", 0, []byte("hello"))
	s.Put("file-1", 1, []byte("world"))

	got, err := s.Get("file-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	_, err = s.Get("file-1", 2)
	assert.ErrorIs(t, err, ErrChunkNotFound)

	_, err = s.Get("file-2", 0)
	assert.ErrorIs(t, err, ErrChunkNotFound)
}

func TestStorePutReplaces(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	s.Put("f", 0, []byte("old"))
	s.Put("f", 0, []byte("new"))

	got, err := s.Get("f", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
	assert.Equal(t, 1, s.Len())
}

func TestStoreEvictionAtTTLBoundary(t *testing.T) {
	clock := newMockTimeProvider()
	s := NewStore(DefaultTTL)
	s.SetTimeProvider(clock)
	defer s.Close()

	s.Put("f", 0, []byte{1, 2, 3})

	clock.Advance(DefaultTTL - time.Millisecond)
	assert.True(t, s.Has("f", 0), "chunk must be retrievable just before TTL")
	assert.Equal(t, 0, s.Sweep())

	clock.Advance(2 * time.Millisecond)
	assert.False(t, s.Has("f", 0), "chunk must be absent just after TTL")
}

func TestStoreSweepRemovesOnlyExpired(t *testing.T) {
	clock := newMockTimeProvider()
	s := NewStore(10 * time.Minute)
	s.SetTimeProvider(clock)
	defer s.Close()

	s.Put("old", 0, []byte("a"))
	s.Put("old", 1, []byte("b"))
	clock.Advance(6 * time.Minute)
	s.Put("new", 0, []byte("c"))
	clock.Advance(5 * time.Minute)

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has("new", 0))
}

func TestStoreEvictFile(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Put("a", i, []byte{byte(i)})
	}
	s.Put("b", 0, []byte{9})

	assert.Equal(t, 3, s.EvictFile("a"))
	assert.False(t, s.Has("a", 0))
	assert.True(t, s.Has("b", 0))
}

func TestStoreScheduledEviction(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	s.Put("a", 0, []byte("x"))
	s.Put("b", 0, []byte("y"))
	s.ScheduleFileEviction("a", 20*time.Millisecond)
	assert.Equal(t, 1, s.PendingEvictions())

	require.Eventually(t, func() bool { return !s.Has("a", 0) }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Has("b", 0))
	assert.Equal(t, 0, s.PendingEvictions())
}

func TestStoreRescheduleReplacesEviction(t *testing.T) {
	s := NewStore(time.Minute)
	defer s.Close()

	s.Put("a", 0, []byte("x"))
	s.ScheduleFileEviction("a", 10*time.Millisecond)
	s.ScheduleFileEviction("a", time.Hour)
	assert.Equal(t, 1, s.PendingEvictions())

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Has("a", 0), "replaced eviction must not fire")
}

func TestStoreCloseStopsEvictions(t *testing.T) {
	s := NewStore(time.Minute)
	s.Put("a", 0, []byte("x"))
	s.ScheduleFileEviction("a", 10*time.Millisecond)
	s.Close()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Has("a", 0))

	s.ScheduleFileEviction("a", time.Millisecond)
	assert.Equal(t, 0, s.PendingEvictions())
}
