package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closureRecorder collects closures raised by grace expiry.
type closureRecorder struct {
	mu       sync.Mutex
	closures []Closure
}

func (c *closureRecorder) record(cl Closure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closures = append(c.closures, cl)
}

func (c *closureRecorder) all() []Closure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Closure(nil), c.closures...)
}

func TestHostLeaveRequiresConfirmation(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	defer r.Close()

	created, _ := r.Create("host")
	_, _ = r.Join(created.Code, "g1", "")
	_, _ = r.Join(created.Code, "g2", "")

	res, err := r.Leave(created.Code, "host")
	require.NoError(t, err)
	assert.Equal(t, LeaveConfirmRequired, res.Outcome)
	assert.Equal(t, 2, res.NonHostCount)

	room, err := r.Room(created.Code)
	require.NoError(t, err)
	assert.Equal(t, HostLeavePending, room.State)

	count, _ := r.ParticipantCount(created.Code)
	assert.Equal(t, 3, count, "a leave request alone must not change membership")
}

func TestHostLeaveDeclined(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	defer r.Close()

	created, _ := r.Create("host")
	_, _ = r.Join(created.Code, "g1", "")

	_, err := r.RequestHostLeave(created.Code, "host")
	require.NoError(t, err)
	require.NoError(t, r.CancelHostLeave(created.Code, "host"))

	room, err := r.Room(created.Code)
	require.NoError(t, err)
	assert.Equal(t, HostActive, room.State)
	count, _ := r.ParticipantCount(created.Code)
	assert.Equal(t, 2, count)
}

func TestHostLeaveConfirmed(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	defer r.Close()

	created, _ := r.Create("host")
	_, _ = r.Join(created.Code, "g1", "")
	_, _ = r.Join(created.Code, "g2", "")

	_, err := r.RequestHostLeave(created.Code, "host")
	require.NoError(t, err)

	closure, err := r.ConfirmHostLeave(created.Code, "host")
	require.NoError(t, err)
	assert.Equal(t, ReasonHostLeft, closure.Reason)
	assert.ElementsMatch(t, []string{"g1", "g2"}, closure.Recipients)

	_, err = r.Room(created.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, ok := r.RoomOf("g1")
	assert.False(t, ok, "bindings must be released with the room")

	_, err = r.Join(created.Code, "g3", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestOnlyHostCanConfirm(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	defer r.Close()

	created, _ := r.Create("host")
	_, _ = r.Join(created.Code, "g1", "")

	_, err := r.ConfirmHostLeave(created.Code, "g1")
	assert.ErrorIs(t, err, ErrNotHost)
	_, err = r.RequestHostLeave(created.Code, "g1")
	assert.ErrorIs(t, err, ErrNotHost)
	assert.ErrorIs(t, r.CancelHostLeave(created.Code, "g1"), ErrNotHost)
}

func TestHostRejoinCancelsGrace(t *testing.T) {
	r := NewRegistry(100*time.Millisecond, 0)
	defer r.Close()
	rec := &closureRecorder{}
	r.SetCallbacks(rec.record)

	created, _ := r.Create("host")
	_, _ = r.Join(created.Code, "g1", "")

	res := r.Disconnect("host")
	require.True(t, res.WasHost)
	assert.Equal(t, 2, res.ParticipantCount, "host stays a member during grace")
	assert.Equal(t, []string{"g1"}, res.Recipients)

	_, pending := r.GraceDeadline(created.Code)
	assert.True(t, pending)

	joined, err := r.Join(created.Code, "host-2", created.Token)
	require.NoError(t, err)
	assert.True(t, joined.HostRejoined)
	assert.True(t, joined.View.IsHost)
	assert.False(t, joined.Announce())
	assert.Equal(t, 2, joined.View.ParticipantCount)

	_, pending = r.GraceDeadline(created.Code)
	assert.False(t, pending)

	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, rec.all(), "a cancelled grace timer must not close the room")

	room, err := r.Room(created.Code)
	require.NoError(t, err)
	assert.Equal(t, HostActive, room.State)
}

func TestGraceSurvivesOtherRoomActivity(t *testing.T) {
	r := NewRegistry(150*time.Millisecond, 0)
	defer r.Close()
	rec := &closureRecorder{}
	r.SetCallbacks(rec.record)

	created, _ := r.Create("host")
	_, _ = r.Join(created.Code, "g1", "")
	g2, _ := r.Join(created.Code, "g2", "")

	r.Disconnect("host")
	armed, pending := r.GraceDeadline(created.Code)
	require.True(t, pending)

	joined, err := r.Join(created.Code, "g3", "")
	require.NoError(t, err)
	assert.False(t, joined.HostRejoined)
	_, err = r.Join(created.Code, "g1", "")
	require.NoError(t, err)
	_, err = r.Leave(created.Code, "g1")
	require.NoError(t, err)
	require.NoError(t, r.Validate(created.Code))
	r.Disconnect("g3")
	// a participant's own token reattaches the participant, not the host
	rebound, err := r.Join(created.Code, "g2-new", g2.View.Token)
	require.NoError(t, err)
	assert.True(t, rebound.Rebound)
	assert.False(t, rebound.HostRejoined)

	deadline, pending := r.GraceDeadline(created.Code)
	require.True(t, pending, "only a host rejoin cancels the grace timer")
	assert.Equal(t, armed, deadline)

	room, err := r.Room(created.Code)
	require.NoError(t, err)
	assert.Equal(t, HostGracePeriod, room.State)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	closures := rec.all()
	require.Len(t, closures, 1)
	assert.Equal(t, ReasonHostDisconnected, closures[0].Reason)
	assert.Equal(t, []string{"g2-new"}, closures[0].Recipients)
}

func TestGraceExpiryClosesOnce(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, 0)
	defer r.Close()
	rec := &closureRecorder{}
	r.SetCallbacks(rec.record)

	created, _ := r.Create("host")
	_, _ = r.Join(created.Code, "g1", "")
	_, _ = r.Join(created.Code, "g2", "")

	r.Disconnect("host")

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	closures := rec.all()
	require.Len(t, closures, 1, "closure must be broadcast exactly once")
	assert.Equal(t, created.Code, closures[0].Code)
	assert.Equal(t, ReasonHostDisconnected, closures[0].Reason)
	assert.ElementsMatch(t, []string{"g1", "g2"}, closures[0].Recipients)

	_, err := r.Room(created.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRepeatedDisconnectReplacesTimer(t *testing.T) {
	r := NewRegistry(80*time.Millisecond, 0)
	defer r.Close()
	rec := &closureRecorder{}
	r.SetCallbacks(rec.record)

	created, _ := r.Create("host")
	_, _ = r.Join(created.Code, "g1", "")

	r.Disconnect("host")
	first, _ := r.GraceDeadline(created.Code)

	// Host comes back and drops again before the first deadline.
	time.Sleep(30 * time.Millisecond)
	_, err := r.Join(created.Code, "host-2", created.Token)
	require.NoError(t, err)
	r.Disconnect("host-2")
	second, ok := r.GraceDeadline(created.Code)
	require.True(t, ok)
	assert.True(t, second.After(first))

	require.Eventually(t, func() bool { return len(rec.all()) > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.all(), 1)
}

func TestHostRebindDetachesOldConnection(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	defer r.Close()

	created, _ := r.Create("host-old")
	joined, err := r.Join(created.Code, "host-new", created.Token)
	require.NoError(t, err)
	assert.True(t, joined.HostRejoined)

	// The stale connection closing later must not start a grace period.
	assert.False(t, r.Disconnect("host-old").Bound)
	_, pending := r.GraceDeadline(created.Code)
	assert.False(t, pending)
}

func TestConfirmDuringGraceIsRejectedForStaleConnection(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	defer r.Close()

	created, _ := r.Create("host")
	r.Disconnect("host")

	_, err := r.ConfirmHostLeave(created.Code, "host")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestHostStateString(t *testing.T) {
	assert.Equal(t, "active", HostActive.String())
	assert.Equal(t, "leave-pending", HostLeavePending.String())
	assert.Equal(t, "grace-period", HostGracePeriod.String())
	assert.Equal(t, "closed", HostClosed.String())
}
