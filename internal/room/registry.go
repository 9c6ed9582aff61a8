// Package room owns the lifetime of rooms, their membership and their file tables.
//
// Every exported Registry method is an atomic compound operation: the existence check and
// the mutation it guards happen under one lock, so "room exists -> add participant" cannot
// race with a concurrent deletion or a grace timer firing.
package room

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CodeLength is the number of hex characters in a room code.
const CodeLength = 6

// DefaultCodeAttempts bounds regeneration when a new code collides with a live room.
const DefaultCodeAttempts = 16

// Room is an ephemeral sharing session identified by a short code.
type Room struct {
	Code      string
	HostID    string
	CreatedAt time.Time
	State     HostState

	members map[string]string // member id -> current connection id ("" while disconnected)
	tokens  map[string]string // session token -> member id; never broadcast
	files   *FileRegistry
}

// ParticipantCount returns the number of members, including a host inside its grace period.
func (r *Room) ParticipantCount() int {
	return len(r.members)
}

// connections returns the live connection ids of every member except skipMember.
func (r *Room) connections(skipMember string) []string {
	conns := make([]string, 0, len(r.members))
	for member, conn := range r.members {
		if member == skipMember || conn == "" {
			continue
		}
		conns = append(conns, conn)
	}
	sort.Strings(conns)
	return conns
}

// addMember issues a public member id and a private session token for connID.
func (r *Room) addMember(connID string) (memberID, token string) {
	memberID, token = uuid.NewString(), uuid.NewString()
	if r.tokens == nil {
		r.tokens = make(map[string]string)
	}
	r.members[memberID] = connID
	r.tokens[token] = memberID
	return memberID, token
}

// removeMember drops memberID and revokes its session token.
func (r *Room) removeMember(memberID string) {
	delete(r.members, memberID)
	for token, member := range r.tokens {
		if member == memberID {
			delete(r.tokens, token)
		}
	}
}

// tokenOf returns the session token of memberID.
func (r *Room) tokenOf(memberID string) string {
	for token, member := range r.tokens {
		if member == memberID {
			return token
		}
	}
	return ""
}

// binding ties a connection to the member identity it currently speaks for.
type binding struct {
	code     string
	memberID string
}

// Created is returned to the connection that created a room.
type Created struct {
	Code             string
	MemberID         string
	Token            string // private to the creator; presenting it on join reclaims the host role
	ParticipantCount int
}

// View is a room snapshot tailored to one member.
type View struct {
	Code             string
	MemberID         string
	Token            string
	IsHost           bool
	ParticipantCount int
	Files            []FileRecord
}

// JoinResult describes a successful join and who must be told about it.
type JoinResult struct {
	View         View
	HostRejoined bool     // the host's session token reattached; grace timer cancelled
	Rebound      bool     // an existing member reattached from a new connection
	Repeated     bool     // the connection was already a member; nothing changed
	Members      []string // every live connection, joiner included
	Others       []string // every live connection except the joiner
}

// Announce reports whether the rest of the room should be told a new participant arrived.
func (j JoinResult) Announce() bool {
	return !j.HostRejoined && !j.Rebound && !j.Repeated
}

// Registry is the table of live rooms keyed by code.
type Registry struct {
	mu           sync.Mutex
	rooms        map[string]*Room
	conns        map[string]binding
	grace        map[string]*graceTimer
	gracePeriod  time.Duration
	codeAttempts int
	generateCode func() (string, error)
	onClosed     func(Closure)
}

// NewRegistry creates an empty registry. gracePeriod is how long an abruptly
// disconnected host may take to rejoin before its room is closed.
func NewRegistry(gracePeriod time.Duration, codeAttempts int) *Registry {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if codeAttempts <= 0 {
		codeAttempts = DefaultCodeAttempts
	}
	return &Registry{
		rooms:        make(map[string]*Room),
		conns:        make(map[string]binding),
		grace:        make(map[string]*graceTimer),
		gracePeriod:  gracePeriod,
		codeAttempts: codeAttempts,
		generateCode: GenerateCode,
	}
}

// SetCallbacks sets the function invoked when a room is closed asynchronously
// (grace period expiry). It is called without the registry lock held.
func (r *Registry) SetCallbacks(onClosed func(Closure)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClosed = onClosed
}

// SetCodeGenerator replaces the room code source.
func (r *Registry) SetCodeGenerator(gen func() (string, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generateCode = gen
}

// GenerateCode returns 6 uppercase hex characters derived from 3 random bytes.
func GenerateCode() (string, error) {
	b := make([]byte, CodeLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeCode canonicalizes a user-supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code has the room code shape, in either case.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	_, err := hex.DecodeString(code)
	return err == nil
}

// Create registers a new room with connID as host and sole participant.
func (r *Registry) Create(connID string) (Created, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, bound := r.conns[connID]; bound {
		return Created{}, fmt.Errorf("bound to %s: %w", b.code, ErrAlreadyInRoom)
	}

	code, err := r.uniqueCodeLocked()
	if err != nil {
		return Created{}, err
	}

	room := &Room{
		Code:      code,
		CreatedAt: time.Now(),
		State:     HostActive,
		members:   make(map[string]string),
		tokens:    make(map[string]string),
		files:     newFileRegistry(),
	}
	hostID, token := room.addMember(connID)
	room.HostID = hostID
	r.rooms[code] = room
	r.conns[connID] = binding{code: code, memberID: hostID}

	logrus.WithFields(logrus.Fields{
		"function":  "Create",
		"room_code": code,
		"conn_id":   connID,
	}).Info("Room created")

	return Created{Code: code, MemberID: hostID, Token: token, ParticipantCount: 1}, nil
}

func (r *Registry) uniqueCodeLocked() (string, error) {
	for attempt := 0; attempt < r.codeAttempts; attempt++ {
		code, err := r.generateCode()
		if err != nil {
			return "", err
		}
		code = NormalizeCode(code)
		if _, taken := r.rooms[code]; !taken {
			return code, nil
		}
		logrus.WithFields(logrus.Fields{
			"function":  "Create",
			"room_code": code,
			"attempt":   attempt + 1,
		}).Debug("Room code collision, regenerating")
	}
	return "", fmt.Errorf("%d attempts: %w", r.codeAttempts, ErrCodeExhausted)
}

// Join adds connID to the room. A session token issued to the host is a host rejoin;
// a token issued to another member reattaches that member; any other token is ignored and
// a fresh identity is issued. Member ids are public and never accepted as tokens.
func (r *Registry) Join(code, connID, token string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code = NormalizeCode(code)
	room, ok := r.rooms[code]
	if !ok {
		return JoinResult{}, fmt.Errorf("%s: %w", code, ErrRoomNotFound)
	}

	var result JoinResult
	if b, bound := r.conns[connID]; bound {
		if b.code != code {
			return JoinResult{}, fmt.Errorf("bound to %s: %w", b.code, ErrAlreadyInRoom)
		}
		result.Repeated = true
		result.View = r.viewLocked(room, b.memberID)
		result.Members = room.connections("")
		result.Others = room.connections(b.memberID)
		return result, nil
	}

	memberID := ""
	if token != "" {
		memberID = room.tokens[token]
	}

	switch {
	case memberID != "" && memberID == room.HostID:
		r.rebindLocked(room, memberID, connID)
		r.hostRejoinedLocked(room)
		result.HostRejoined = true
	case memberID != "":
		r.rebindLocked(room, memberID, connID)
		result.Rebound = true
	default:
		memberID, _ = room.addMember(connID)
	}
	r.conns[connID] = binding{code: code, memberID: memberID}

	result.View = r.viewLocked(room, memberID)
	result.Members = room.connections("")
	result.Others = room.connections(memberID)

	logrus.WithFields(logrus.Fields{
		"function":          "Join",
		"room_code":         code,
		"conn_id":           connID,
		"host_rejoined":     result.HostRejoined,
		"participant_count": room.ParticipantCount(),
	}).Info("Joined room")

	return result, nil
}

// rebindLocked points memberID at connID, detaching any connection that previously spoke for it.
func (r *Registry) rebindLocked(room *Room, memberID, connID string) {
	if old := room.members[memberID]; old != "" && old != connID {
		delete(r.conns, old)
	}
	room.members[memberID] = connID
}

// Validate reports whether code names a live room.
func (r *Registry) Validate(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code = NormalizeCode(code)
	if _, ok := r.rooms[code]; !ok {
		return fmt.Errorf("%s: %w", code, ErrRoomInvalid)
	}
	return nil
}

// Leave is a role-aware departure. The host is routed to the confirmation flow and the
// room is left untouched; an ordinary participant is removed immediately.
func (r *Registry) Leave(code, connID string) (LeaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, memberID, err := r.memberLocked(code, connID)
	if err != nil {
		return LeaveResult{}, err
	}

	if memberID == room.HostID {
		return r.requestHostLeaveLocked(room), nil
	}

	room.removeMember(memberID)
	delete(r.conns, connID)

	result := LeaveResult{
		Outcome:          LeaveRemoved,
		Code:             room.Code,
		MemberID:         memberID,
		ParticipantCount: room.ParticipantCount(),
		Remaining:        room.connections(""),
	}
	if room.ParticipantCount() == 0 {
		r.deleteRoomLocked(room)
		result.RoomDeleted = true
	}

	logrus.WithFields(logrus.Fields{
		"function":          "Leave",
		"room_code":         room.Code,
		"conn_id":           connID,
		"participant_count": result.ParticipantCount,
	}).Info("Participant left room")

	return result, nil
}

// DisconnectResult describes how an abrupt connection loss was routed.
type DisconnectResult struct {
	Bound            bool // false when the connection was not in any room
	Code             string
	MemberID         string
	WasHost          bool
	ParticipantCount int
	Recipients       []string // live connections still in the room
	RoomDeleted      bool
	GraceDeadline    time.Time
}

// Disconnect classifies a dropped connection. A host keeps its membership and enters the
// grace period; an ordinary participant is removed.
func (r *Registry) Disconnect(connID string) DisconnectResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, bound := r.conns[connID]
	if !bound {
		return DisconnectResult{}
	}
	delete(r.conns, connID)

	room, ok := r.rooms[b.code]
	if !ok {
		return DisconnectResult{}
	}

	result := DisconnectResult{Bound: true, Code: room.Code, MemberID: b.memberID}
	if b.memberID == room.HostID {
		room.members[b.memberID] = ""
		result.WasHost = true
		result.GraceDeadline = r.hostDisconnectedLocked(room)
	} else {
		room.removeMember(b.memberID)
		if room.ParticipantCount() == 0 {
			r.deleteRoomLocked(room)
			result.RoomDeleted = true
		}
	}
	result.ParticipantCount = room.ParticipantCount()
	result.Recipients = room.connections("")

	logrus.WithFields(logrus.Fields{
		"function":          "Disconnect",
		"room_code":         room.Code,
		"conn_id":           connID,
		"was_host":          result.WasHost,
		"participant_count": result.ParticipantCount,
	}).Info("Connection left room")

	return result
}

// Room returns a copy of the room's public fields.
func (r *Registry) Room(code string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[NormalizeCode(code)]
	if !ok {
		return Room{}, fmt.Errorf("%s: %w", code, ErrRoomNotFound)
	}
	return Room{Code: room.Code, HostID: room.HostID, CreatedAt: room.CreatedAt, State: room.State}, nil
}

// ParticipantCount returns the member count of a live room.
func (r *Registry) ParticipantCount(code string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[NormalizeCode(code)]
	if !ok {
		return 0, fmt.Errorf("%s: %w", code, ErrRoomNotFound)
	}
	return room.ParticipantCount(), nil
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// RoomOf returns the code of the room connID is bound to.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.conns[connID]
	return b.code, ok
}

// SweepEmpty removes rooms with zero participants created more than maxAge before now.
func (r *Registry) SweepEmpty(now time.Time, maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for code, room := range r.rooms {
		if room.ParticipantCount() == 0 && now.Sub(room.CreatedAt) > maxAge {
			r.deleteRoomLocked(room)
			removed = append(removed, code)
		}
	}
	sort.Strings(removed)
	return removed
}

// AddFile registers a file announced by connID and returns the recipients of the
// file-available broadcast (the whole room).
func (r *Registry) AddFile(code, connID string, rec FileRecord) (FileRecord, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, memberID, err := r.memberLocked(code, connID)
	if err != nil {
		return FileRecord{}, nil, err
	}

	rec.SenderID = memberID
	rec.ReceivedChunks = 0
	rec.CreatedAt = time.Now()
	if err := room.files.add(rec); err != nil {
		return FileRecord{}, nil, err
	}
	return rec, room.connections(""), nil
}

// RecordChunk counts one uploaded chunk against its FileRecord.
func (r *Registry) RecordChunk(code, connID, fileID string, index int) (ChunkReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, memberID, err := r.memberLocked(code, connID)
	if err != nil {
		return ChunkReceipt{}, err
	}
	existing, ok := room.files.get(fileID)
	if !ok {
		return ChunkReceipt{}, fmt.Errorf("%s: %w", fileID, ErrFileNotFound)
	}
	if existing.SenderID != memberID {
		return ChunkReceipt{}, fmt.Errorf("%s: %w", fileID, ErrNotSender)
	}

	rec, counted, err := room.files.receive(fileID, index)
	if err != nil {
		return ChunkReceipt{}, err
	}
	return ChunkReceipt{Record: rec, Counted: counted, Others: room.connections(memberID)}, nil
}

// File returns the record of fileID as seen by member connID.
func (r *Registry) File(code, connID, fileID string) (FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, _, err := r.memberLocked(code, connID)
	if err != nil {
		return FileRecord{}, err
	}
	rec, ok := room.files.get(fileID)
	if !ok {
		return FileRecord{}, fmt.Errorf("%s: %w", fileID, ErrFileNotFound)
	}
	return rec, nil
}

// CheckMember returns nil when connID is a member of the live room code.
func (r *Registry) CheckMember(code, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, err := r.memberLocked(code, connID)
	return err
}

// memberLocked resolves the room and member id for connID. A missing room is reported as
// ErrRoomInvalid: the caller referenced a code it was told about earlier.
func (r *Registry) memberLocked(code, connID string) (*Room, string, error) {
	code = NormalizeCode(code)
	room, ok := r.rooms[code]
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", code, ErrRoomInvalid)
	}
	b, bound := r.conns[connID]
	if !bound || b.code != code {
		return nil, "", fmt.Errorf("%s: %w", code, ErrNotMember)
	}
	return room, b.memberID, nil
}

func (r *Registry) viewLocked(room *Room, memberID string) View {
	return View{
		Code:             room.Code,
		MemberID:         memberID,
		Token:            room.tokenOf(memberID),
		IsHost:           memberID == room.HostID,
		ParticipantCount: room.ParticipantCount(),
		Files:            room.files.list(),
	}
}

// deleteRoomLocked removes the room, its connection bindings and any grace timer.
func (r *Registry) deleteRoomLocked(room *Room) {
	for _, conn := range room.members {
		if conn != "" {
			delete(r.conns, conn)
		}
	}
	r.cancelGraceLocked(room.Code)
	room.State = HostClosed
	delete(r.rooms, room.Code)

	logrus.WithFields(logrus.Fields{
		"function":  "deleteRoom",
		"room_code": room.Code,
	}).Info("Room deleted")
}
