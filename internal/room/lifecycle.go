package room

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGracePeriod is how long an abruptly disconnected host may take to rejoin.
const DefaultGracePeriod = 5 * time.Second

// Closure reasons carried by room-closed-by-host.
const (
	ReasonHostLeft         = "host-left"
	ReasonHostDisconnected = "host-disconnected"
)

// HostState is the host lifecycle state of a room.
type HostState uint8

const (
	// HostActive is normal operation.
	HostActive HostState = iota
	// HostLeavePending means the host asked to leave and has been prompted to confirm.
	HostLeavePending
	// HostGracePeriod means the host dropped without leaving and may still rejoin.
	HostGracePeriod
	// HostClosed means the room has been deleted.
	HostClosed
)

func (s HostState) String() string {
	switch s {
	case HostActive:
		return "active"
	case HostLeavePending:
		return "leave-pending"
	case HostGracePeriod:
		return "grace-period"
	case HostClosed:
		return "closed"
	default:
		return fmt.Sprintf("HostState(%d)", uint8(s))
	}
}

// LeaveOutcome tells the caller how a leave request was routed.
type LeaveOutcome uint8

const (
	// LeaveRemoved means an ordinary participant was removed.
	LeaveRemoved LeaveOutcome = iota
	// LeaveConfirmRequired means the host must confirm before the room closes.
	LeaveConfirmRequired
)

// LeaveResult describes the effect of Leave.
type LeaveResult struct {
	Outcome          LeaveOutcome
	Code             string
	MemberID         string
	ParticipantCount int      // members remaining (LeaveRemoved)
	NonHostCount     int      // members other than the host (LeaveConfirmRequired)
	Remaining        []string // live connections still in the room (LeaveRemoved)
	RoomDeleted      bool
}

// Closure describes a room that was closed and who must be told.
type Closure struct {
	Code       string
	Reason     string
	Recipients []string // every live connection except the host's
}

// graceTimer is the single outstanding grace period of a room.
type graceTimer struct {
	code     string
	deadline time.Time
	timer    *time.Timer
}

// requestHostLeaveLocked moves the room to LeavePending. Nothing is broadcast.
func (r *Registry) requestHostLeaveLocked(room *Room) LeaveResult {
	if room.State == HostActive {
		room.State = HostLeavePending
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Leave",
		"room_code": room.Code,
		"state":     room.State.String(),
	}).Debug("Host asked to leave, awaiting confirmation")

	return LeaveResult{
		Outcome:          LeaveConfirmRequired,
		Code:             room.Code,
		MemberID:         room.HostID,
		ParticipantCount: room.ParticipantCount(),
		NonHostCount:     room.ParticipantCount() - 1,
	}
}

// RequestHostLeave is the explicit host-leave-request path. Only the host may call it.
func (r *Registry) RequestHostLeave(code, connID string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, memberID, err := r.memberLocked(code, connID)
	if err != nil {
		return LeaveResult{}, err
	}
	if memberID != room.HostID {
		return LeaveResult{}, fmt.Errorf("%s: %w", room.Code, ErrNotHost)
	}
	return r.requestHostLeaveLocked(room), nil
}

// ConfirmHostLeave closes the room on the host's explicit confirmation.
func (r *Registry) ConfirmHostLeave(code, connID string) (Closure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, memberID, err := r.memberLocked(code, connID)
	if err != nil {
		return Closure{}, err
	}
	if memberID != room.HostID {
		return Closure{}, fmt.Errorf("%s: %w", room.Code, ErrNotHost)
	}

	closure := Closure{
		Code:       room.Code,
		Reason:     ReasonHostLeft,
		Recipients: room.connections(room.HostID),
	}
	r.deleteRoomLocked(room)

	logrus.WithFields(logrus.Fields{
		"function":   "ConfirmHostLeave",
		"room_code":  closure.Code,
		"recipients": len(closure.Recipients),
	}).Info("Room closed by host")

	return closure, nil
}

// CancelHostLeave handles the host declining the confirmation prompt. The room and its
// membership are left unchanged.
func (r *Registry) CancelHostLeave(code, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, memberID, err := r.memberLocked(code, connID)
	if err != nil {
		return err
	}
	if memberID != room.HostID {
		return fmt.Errorf("%s: %w", room.Code, ErrNotHost)
	}
	if room.State == HostLeavePending {
		room.State = HostActive
	}
	return nil
}

// hostDisconnectedLocked enters the grace period, replacing any timer already pending.
func (r *Registry) hostDisconnectedLocked(room *Room) time.Time {
	r.cancelGraceLocked(room.Code)
	room.State = HostGracePeriod

	gt := &graceTimer{
		code:     room.Code,
		deadline: time.Now().Add(r.gracePeriod),
	}
	gt.timer = time.AfterFunc(r.gracePeriod, func() { r.graceExpired(gt) })
	r.grace[room.Code] = gt

	logrus.WithFields(logrus.Fields{
		"function":     "Disconnect",
		"room_code":    room.Code,
		"grace_period": r.gracePeriod,
	}).Info("Host disconnected, grace period started")

	return gt.deadline
}

// hostRejoinedLocked is the only path, besides deleting the room, that cancels a grace timer.
func (r *Registry) hostRejoinedLocked(room *Room) {
	if r.cancelGraceLocked(room.Code) {
		logrus.WithFields(logrus.Fields{
			"function":  "Join",
			"room_code": room.Code,
		}).Info("Host rejoined within grace period")
	}
	room.State = HostActive
}

func (r *Registry) cancelGraceLocked(code string) bool {
	gt, ok := r.grace[code]
	if !ok {
		return false
	}
	gt.timer.Stop()
	delete(r.grace, code)
	return true
}

// graceExpired closes the room when the host did not come back. A timer that was
// cancelled or replaced after it was armed finds itself absent from r.grace and does nothing,
// so a room is closed at most once.
func (r *Registry) graceExpired(gt *graceTimer) {
	r.mu.Lock()
	if current, ok := r.grace[gt.code]; !ok || current != gt {
		r.mu.Unlock()
		return
	}
	delete(r.grace, gt.code)

	room, ok := r.rooms[gt.code]
	if !ok || room.State != HostGracePeriod {
		r.mu.Unlock()
		return
	}

	closure := Closure{
		Code:       room.Code,
		Reason:     ReasonHostDisconnected,
		Recipients: room.connections(room.HostID),
	}
	r.deleteRoomLocked(room)
	onClosed := r.onClosed
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "graceExpired",
		"room_code":  closure.Code,
		"recipients": len(closure.Recipients),
	}).Info("Host did not return, room closed")

	if onClosed != nil {
		onClosed(closure)
	}
}

// GraceDeadline returns the pending grace deadline of a room, if any.
func (r *Registry) GraceDeadline(code string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gt, ok := r.grace[NormalizeCode(code)]
	if !ok {
		return time.Time{}, false
	}
	return gt.deadline, true
}

// Close stops every pending grace timer. Rooms are left in place.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code := range r.grace {
		r.cancelGraceLocked(code)
	}
}
