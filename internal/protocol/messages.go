package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zot/room-relay/internal/room"
	"github.com/zot/room-relay/internal/transfer"
)

// Message envelope for all WebSocket communications
type Message struct {
	RequestID int             `json:"requestid,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Decode unmarshals the params into v.
func (m *Message) Decode(v any) error {
	if len(m.Params) == 0 {
		return fmt.Errorf("%s: missing params", m.Method)
	}
	return json.Unmarshal(m.Params, v)
}

// NewMessage builds an envelope for method with params marshalled to JSON.
func NewMessage(method string, params any) (*Message, error) {
	msg := &Message{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// Client to server events
const (
	MethodCreateRoom         = "create-room"
	MethodJoinRoom           = "join-room"
	MethodValidateRoom       = "validate-room"
	MethodLeaveRoom          = "leave-room"
	MethodHostLeaveRequest   = "host-leave-request"
	MethodHostLeaveConfirmed = "host-leave-confirmed"
	MethodHostLeaveCancelled = "host-leave-cancelled"
	MethodShareFile          = "share-file"
	MethodFileChunk          = "file-chunk"
	MethodRequestFileInfo    = "request-file-info"
	MethodRequestChunk       = "request-chunk"
)

// Server to client events
const (
	MethodRoomCreated             = "room-created"
	MethodRoomJoined              = "room-joined"
	MethodRoomNotFound            = "room-not-found"
	MethodRoomValid               = "room-valid"
	MethodRoomInvalid             = "room-invalid"
	MethodRoomLeft                = "room-left"
	MethodHostLeaveConfirmation   = "host-leave-confirmation"
	MethodRoomClosedByHost        = "room-closed-by-host"
	MethodParticipantCountUpdated = "participant-count-updated"
	MethodParticipantJoined       = "participant-joined"
	MethodParticipantLeft         = "participant-left"
	MethodStatusMessage           = "status-message"
	MethodFileAvailable           = "file-available"
	MethodChunkAvailable          = "chunk-available"
	MethodChunkStored             = "chunk-stored"
	MethodFileInfo                = "file-info"
	MethodFileNotFound            = "file-not-found"
	MethodChunkData               = "chunk-data"
	MethodChunkNotFound           = "chunk-not-found"
)

// Status message types
const (
	StatusInfo    = "info"
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusError   = "error"
)

// Client Request Messages

// RoomRequest names the room an event applies to
type RoomRequest struct {
	RoomCode string `json:"roomCode"`
}

// JoinRoomRequest joins a room; a session token from an earlier room-created or room-joined
// reattaches that identity
type JoinRoomRequest struct {
	RoomCode     string `json:"roomCode"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// ShareFileRequest announces a file
type ShareFileRequest struct {
	RoomCode string            `json:"roomCode"`
	FileInfo transfer.FileInfo `json:"fileInfo"`
}

// FileChunkRequest uploads one chunk; ChunkData travels base64 encoded
type FileChunkRequest struct {
	RoomCode   string `json:"roomCode"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	ChunkData  []byte `json:"chunkData"`
	IsLast     bool   `json:"isLast"`
}

// FileRequest asks for a file's metadata
type FileRequest struct {
	RoomCode string `json:"roomCode"`
	FileID   string `json:"fileId"`
}

// ChunkRequest pulls one chunk
type ChunkRequest struct {
	RoomCode   string `json:"roomCode"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// Server Messages

// RoomCreated answers create-room. MemberID is the public identity other members see as
// senderId and memberId; SessionToken is sent only to its owner.
type RoomCreated struct {
	RoomCode         string `json:"roomCode"`
	IsHost           bool   `json:"isHost"`
	ParticipantCount int    `json:"participantCount"`
	MemberID         string `json:"memberId"`
	SessionToken     string `json:"sessionToken"`
}

// RoomJoined answers join-room with the room snapshot
type RoomJoined struct {
	RoomCode         string            `json:"roomCode"`
	Files            []room.FileRecord `json:"files"`
	IsHost           bool              `json:"isHost"`
	ParticipantCount int               `json:"participantCount"`
	MemberID         string            `json:"memberId"`
	SessionToken     string            `json:"sessionToken"`
}

// RoomRef carries just a room code (room-not-found, room-valid, room-invalid, room-left)
type RoomRef struct {
	RoomCode string `json:"roomCode"`
}

// HostLeaveConfirmation prompts the host before the room is closed
type HostLeaveConfirmation struct {
	Message          string `json:"message"`
	ParticipantCount int    `json:"participantCount"`
}

// RoomClosed tells remaining members the room is gone
type RoomClosed struct {
	RoomCode string `json:"roomCode"`
	Reason   string `json:"reason"`
}

// ParticipantCount reports the current member count
type ParticipantCount struct {
	Count int `json:"count"`
}

// ParticipantChange names the member that joined or left
type ParticipantChange struct {
	MemberID string `json:"memberId"`
}

// StatusMessage is a human-readable notice; Code is set on errors
type StatusMessage struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ChunkAvailable tells receivers a chunk can be pulled
type ChunkAvailable struct {
	FileID     string  `json:"fileId"`
	ChunkIndex int     `json:"chunkIndex"`
	IsLast     bool    `json:"isLast"`
	Progress   float64 `json:"progress"`
}

// ChunkRef identifies one chunk (chunk-stored, chunk-not-found)
type ChunkRef struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// FileInfo answers request-file-info
type FileInfo struct {
	FileID      string `json:"fileId"`
	TotalChunks int    `json:"totalChunks"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"type"`
	Checksum    string `json:"checksum,omitempty"`
}

// FileRef identifies a file (file-not-found)
type FileRef struct {
	FileID string `json:"fileId"`
}

// ChunkData answers request-chunk
type ChunkData struct {
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       []byte `json:"data"`
}

// Record converts a file-info payload back into the record a download starts from.
func (f FileInfo) Record() room.FileRecord {
	return room.FileRecord{
		ID:          f.FileID,
		Name:        f.Name,
		Size:        f.Size,
		MimeType:    f.MimeType,
		TotalChunks: f.TotalChunks,
		Checksum:    f.Checksum,
	}
}
