package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zot/room-relay/internal/chunk"
	"github.com/zot/room-relay/internal/room"
	"github.com/zot/room-relay/internal/transfer"
)

// Human-readable notices
const (
	textParticipantJoined = "A new participant joined the room."
	textParticipantLeft   = "A participant left the room."
	textHostDisconnected  = "Host temporarily disconnected. Waiting for reconnection..."
	textHostReconnected   = "Host reconnected."
	textConfirmLeave      = "Are you sure you want to leave? This will close the room for all participants."
	textInternalError     = "Internal server error"
)

// Sender delivers a message to one connection. Implementations must not block.
type Sender interface {
	Send(connID string, msg *Message) error
}

// Handler routes client events to the room registry and transfer coordinator and fans out
// the resulting notifications. Dispatch is serialized: one event is handled at a time.
type Handler struct {
	mu        sync.Mutex
	rooms     *room.Registry
	transfers *transfer.Coordinator
	sender    Sender
}

// NewHandler creates a new protocol handler and subscribes to asynchronous room closures.
func NewHandler(rooms *room.Registry, transfers *transfer.Coordinator) *Handler {
	h := &Handler{
		rooms:     rooms,
		transfers: transfers,
	}
	rooms.SetCallbacks(h.roomClosed)
	return h
}

// SetSender sets the outbound path. It must be called before the first event is handled.
func (h *Handler) SetSender(s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sender = s
}

// HandleClientMessage processes one event from connID. A panic while handling it is logged
// and reported to that connection only.
func (h *Handler) HandleClientMessage(connID string, msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleClientMessage",
				"conn_id":  connID,
				"method":   msg.Method,
				"panic":    r,
			}).Error("Recovered from panic while handling message")
			h.status(connID, msg.RequestID, StatusError, textInternalError, "internal")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function":   "HandleClientMessage",
		"conn_id":    connID,
		"method":     msg.Method,
		"request_id": msg.RequestID,
	}).Trace("Received message")

	switch msg.Method {
	case MethodCreateRoom:
		h.handleCreateRoom(connID, msg)
	case MethodJoinRoom:
		h.handleJoinRoom(connID, msg)
	case MethodValidateRoom:
		h.handleValidateRoom(connID, msg)
	case MethodLeaveRoom:
		h.handleLeaveRoom(connID, msg)
	case MethodHostLeaveRequest:
		h.handleHostLeaveRequest(connID, msg)
	case MethodHostLeaveConfirmed:
		h.handleHostLeaveConfirmed(connID, msg)
	case MethodHostLeaveCancelled:
		h.handleHostLeaveCancelled(connID, msg)
	case MethodShareFile:
		h.handleShareFile(connID, msg)
	case MethodFileChunk:
		h.handleFileChunk(connID, msg)
	case MethodRequestFileInfo:
		h.handleRequestFileInfo(connID, msg)
	case MethodRequestChunk:
		h.handleRequestChunk(connID, msg)
	default:
		h.status(connID, msg.RequestID, StatusError, fmt.Sprintf("unknown method: %s", msg.Method), "unknown-method")
	}
}

// Disconnect routes the loss of connID: a host enters its grace period, a participant is
// removed from the room.
func (h *Handler) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := h.rooms.Disconnect(connID)
	if !res.Bound || res.RoomDeleted {
		return
	}

	h.broadcast(res.Recipients, MethodParticipantCountUpdated, ParticipantCount{Count: res.ParticipantCount})
	if res.WasHost {
		h.broadcast(res.Recipients, MethodStatusMessage, StatusMessage{Message: textHostDisconnected, Type: StatusWarning})
		return
	}
	h.broadcast(res.Recipients, MethodParticipantLeft, ParticipantChange{MemberID: res.MemberID})
	h.broadcast(res.Recipients, MethodStatusMessage, StatusMessage{Message: textParticipantLeft, Type: StatusInfo})
}

// roomClosed fans out a closure raised by the registry outside of any dispatch.
func (h *Handler) roomClosed(c room.Closure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast(c.Recipients, MethodRoomClosedByHost, RoomClosed{RoomCode: c.Code, Reason: c.Reason})
}

// Room handlers

func (h *Handler) handleCreateRoom(connID string, msg *Message) {
	created, err := h.rooms.Create(connID)
	if err != nil {
		h.fail(connID, msg, "", err)
		return
	}
	h.reply(connID, msg.RequestID, MethodRoomCreated, RoomCreated{
		RoomCode:         created.Code,
		IsHost:           true,
		ParticipantCount: created.ParticipantCount,
		MemberID:         created.MemberID,
		SessionToken:     created.Token,
	})
}

func (h *Handler) handleJoinRoom(connID string, msg *Message) {
	var req JoinRoomRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}

	joined, err := h.rooms.Join(req.RoomCode, connID, req.SessionToken)
	if err != nil {
		h.fail(connID, msg, req.RoomCode, err)
		return
	}

	files := joined.View.Files
	if files == nil {
		files = []room.FileRecord{}
	}
	h.reply(connID, msg.RequestID, MethodRoomJoined, RoomJoined{
		RoomCode:         joined.View.Code,
		Files:            files,
		IsHost:           joined.View.IsHost,
		ParticipantCount: joined.View.ParticipantCount,
		MemberID:         joined.View.MemberID,
		SessionToken:     joined.View.Token,
	})
	if joined.Repeated {
		return
	}

	h.broadcast(joined.Members, MethodParticipantCountUpdated, ParticipantCount{Count: joined.View.ParticipantCount})
	switch {
	case joined.HostRejoined:
		h.broadcast(joined.Others, MethodStatusMessage, StatusMessage{Message: textHostReconnected, Type: StatusInfo})
	case joined.Announce():
		h.broadcast(joined.Others, MethodParticipantJoined, ParticipantChange{MemberID: joined.View.MemberID})
		h.broadcast(joined.Others, MethodStatusMessage, StatusMessage{Message: textParticipantJoined, Type: StatusInfo})
	}
}

func (h *Handler) handleValidateRoom(connID string, msg *Message) {
	var req RoomRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}
	code := room.NormalizeCode(req.RoomCode)
	if err := h.rooms.Validate(code); err != nil {
		h.reply(connID, msg.RequestID, MethodRoomInvalid, RoomRef{RoomCode: code})
		return
	}
	h.reply(connID, msg.RequestID, MethodRoomValid, RoomRef{RoomCode: code})
}

// handleLeaveRoom is role-aware: the host gets the confirmation prompt, anyone else leaves.
func (h *Handler) handleLeaveRoom(connID string, msg *Message) {
	var req RoomRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}

	res, err := h.rooms.Leave(req.RoomCode, connID)
	if err != nil {
		h.fail(connID, msg, req.RoomCode, err)
		return
	}
	if res.Outcome == room.LeaveConfirmRequired {
		h.confirmLeave(connID, msg.RequestID, res)
		return
	}

	h.reply(connID, msg.RequestID, MethodRoomLeft, RoomRef{RoomCode: res.Code})
	if res.RoomDeleted {
		return
	}
	h.broadcast(res.Remaining, MethodParticipantCountUpdated, ParticipantCount{Count: res.ParticipantCount})
	h.broadcast(res.Remaining, MethodParticipantLeft, ParticipantChange{MemberID: res.MemberID})
	h.broadcast(res.Remaining, MethodStatusMessage, StatusMessage{Message: textParticipantLeft, Type: StatusInfo})
}

func (h *Handler) handleHostLeaveRequest(connID string, msg *Message) {
	var req RoomRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}

	res, err := h.rooms.RequestHostLeave(req.RoomCode, connID)
	if err != nil {
		h.fail(connID, msg, req.RoomCode, err)
		return
	}
	h.confirmLeave(connID, msg.RequestID, res)
}

func (h *Handler) confirmLeave(connID string, requestID int, res room.LeaveResult) {
	h.reply(connID, requestID, MethodHostLeaveConfirmation, HostLeaveConfirmation{
		Message:          textConfirmLeave,
		ParticipantCount: res.NonHostCount,
	})
}

func (h *Handler) handleHostLeaveConfirmed(connID string, msg *Message) {
	var req RoomRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}

	closure, err := h.rooms.ConfirmHostLeave(req.RoomCode, connID)
	if err != nil {
		h.fail(connID, msg, req.RoomCode, err)
		return
	}
	h.broadcast(closure.Recipients, MethodRoomClosedByHost, RoomClosed{RoomCode: closure.Code, Reason: closure.Reason})
	h.reply(connID, msg.RequestID, MethodRoomLeft, RoomRef{RoomCode: closure.Code})
}

func (h *Handler) handleHostLeaveCancelled(connID string, msg *Message) {
	var req RoomRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}
	if err := h.rooms.CancelHostLeave(req.RoomCode, connID); err != nil {
		h.fail(connID, msg, req.RoomCode, err)
	}
}

// Transfer handlers

func (h *Handler) handleShareFile(connID string, msg *Message) {
	var req ShareFileRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}

	rec, recipients, err := h.transfers.ShareFile(req.RoomCode, connID, req.FileInfo)
	if err != nil {
		h.fail(connID, msg, req.RoomCode, err)
		return
	}
	// the sender's copy carries the request id so it doubles as the acknowledgement
	h.reply(connID, msg.RequestID, MethodFileAvailable, rec)
	others := make([]string, 0, len(recipients))
	for _, id := range recipients {
		if id != connID {
			others = append(others, id)
		}
	}
	h.broadcast(others, MethodFileAvailable, rec)
}

func (h *Handler) handleFileChunk(connID string, msg *Message) {
	var req FileChunkRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}

	stored, err := h.transfers.StoreChunk(req.RoomCode, connID, transfer.Upload{
		FileID: req.FileID,
		Index:  req.ChunkIndex,
		Data:   req.ChunkData,
		IsLast: req.IsLast,
	})
	if err != nil {
		h.fail(connID, msg, req.RoomCode, err)
		return
	}

	h.reply(connID, msg.RequestID, MethodChunkStored, ChunkRef{FileID: stored.FileID, ChunkIndex: stored.Index})
	h.broadcast(stored.Others, MethodChunkAvailable, ChunkAvailable{
		FileID:     stored.FileID,
		ChunkIndex: stored.Index,
		IsLast:     stored.IsLast,
		Progress:   stored.Progress,
	})
}

func (h *Handler) handleRequestFileInfo(connID string, msg *Message) {
	var req FileRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}

	rec, err := h.transfers.FileInfo(req.RoomCode, connID, req.FileID)
	if errors.Is(err, room.ErrFileNotFound) {
		h.reply(connID, msg.RequestID, MethodFileNotFound, FileRef{FileID: req.FileID})
		return
	} else if err != nil {
		h.fail(connID, msg, req.RoomCode, err)
		return
	}
	h.reply(connID, msg.RequestID, MethodFileInfo, FileInfo{
		FileID:      rec.ID,
		TotalChunks: rec.TotalChunks,
		Name:        rec.Name,
		Size:        rec.Size,
		MimeType:    rec.MimeType,
		Checksum:    rec.Checksum,
	})
}

func (h *Handler) handleRequestChunk(connID string, msg *Message) {
	var req ChunkRequest
	if err := msg.Decode(&req); err != nil {
		h.invalidParams(connID, msg, err)
		return
	}

	data, err := h.transfers.Chunk(req.RoomCode, connID, req.FileID, req.ChunkIndex)
	switch {
	case errors.Is(err, chunk.ErrChunkNotFound), errors.Is(err, room.ErrFileNotFound):
		h.reply(connID, msg.RequestID, MethodChunkNotFound, ChunkRef{FileID: req.FileID, ChunkIndex: req.ChunkIndex})
	case err != nil:
		h.fail(connID, msg, req.RoomCode, err)
	default:
		h.reply(connID, msg.RequestID, MethodChunkData, ChunkData{FileID: req.FileID, ChunkIndex: req.ChunkIndex, Data: data})
	}
}

// Outbound helpers

// fail maps err to the typed event the client expects, falling back to an error status.
func (h *Handler) fail(connID string, msg *Message, roomCode string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "HandleClientMessage",
		"conn_id":  connID,
		"method":   msg.Method,
		"error":    err,
	}).Debug("Request failed")

	code := room.NormalizeCode(roomCode)
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		h.reply(connID, msg.RequestID, MethodRoomNotFound, RoomRef{RoomCode: code})
	case errors.Is(err, room.ErrRoomInvalid):
		h.reply(connID, msg.RequestID, MethodRoomInvalid, RoomRef{RoomCode: code})
	default:
		h.status(connID, msg.RequestID, StatusError, err.Error(), ErrorCode(err))
	}
}

func (h *Handler) invalidParams(connID string, msg *Message, err error) {
	h.status(connID, msg.RequestID, StatusError, fmt.Sprintf("invalid params: %v", err), "invalid-params")
}

func (h *Handler) status(connID string, requestID int, kind, text, code string) {
	h.reply(connID, requestID, MethodStatusMessage, StatusMessage{Message: text, Type: kind, Code: code})
}

func (h *Handler) reply(connID string, requestID int, method string, params any) {
	msg, err := NewMessage(method, params)
	if err != nil {
		logrus.WithError(err).WithField("method", method).Error("Failed to build message")
		return
	}
	msg.RequestID = requestID
	h.send(connID, msg)
}

func (h *Handler) broadcast(connIDs []string, method string, params any) {
	if len(connIDs) == 0 {
		return
	}
	msg, err := NewMessage(method, params)
	if err != nil {
		logrus.WithError(err).WithField("method", method).Error("Failed to build message")
		return
	}
	for _, id := range connIDs {
		h.send(id, msg)
	}
}

func (h *Handler) send(connID string, msg *Message) {
	if h.sender == nil {
		return
	}
	if err := h.sender.Send(connID, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"conn_id":  connID,
			"method":   msg.Method,
			"error":    err,
		}).Warn("Dropped outbound message")
	}
}

// ErrorCode returns the machine-readable code carried by an error status message.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrNotHost):
		return "not-host"
	case errors.Is(err, room.ErrNotMember):
		return "not-member"
	case errors.Is(err, room.ErrAlreadyInRoom):
		return "already-in-room"
	case errors.Is(err, room.ErrCodeExhausted):
		return "code-exhausted"
	case errors.Is(err, room.ErrDuplicateFile):
		return "duplicate-file"
	case errors.Is(err, room.ErrNotSender):
		return "not-sender"
	case errors.Is(err, room.ErrChunkOutOfRange):
		return "chunk-out-of-range"
	case errors.Is(err, transfer.ErrChunkOutOfOrder):
		return "chunk-out-of-order"
	case errors.Is(err, transfer.ErrChunkTooLarge):
		return "chunk-too-large"
	case errors.Is(err, transfer.ErrFileTooLarge):
		return "file-too-large"
	case errors.Is(err, transfer.ErrInvalidFile):
		return "invalid-file"
	case errors.Is(err, room.ErrFileNotFound):
		return "file-not-found"
	default:
		return "error"
	}
}
