package room

import "errors"

var (
	// ErrRoomNotFound indicates a join or lookup against a code with no live room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomInvalid indicates a stale room reference, e.g. a room that closed after the client learned its code.
	ErrRoomInvalid = errors.New("room invalid")
	// ErrNotHost indicates a host-only operation attempted by another member.
	ErrNotHost = errors.New("only the host can do that")
	// ErrNotMember indicates the connection is not a member of the room it referenced.
	ErrNotMember = errors.New("not a member of this room")
	// ErrAlreadyInRoom indicates the connection is already bound to a different room.
	ErrAlreadyInRoom = errors.New("connection is already in another room")
	// ErrCodeExhausted indicates no unused room code was found within the configured attempts.
	ErrCodeExhausted = errors.New("could not allocate a unique room code")

	// ErrFileNotFound indicates the file id is unknown to the room.
	ErrFileNotFound = errors.New("file not found")
	// ErrDuplicateFile indicates a share-file announcement reused an existing file id.
	ErrDuplicateFile = errors.New("duplicate file id")
	// ErrNotSender indicates chunks were sent for a file announced by someone else.
	ErrNotSender = errors.New("only the sender may upload chunks for this file")
	// ErrChunkOutOfRange indicates a chunk index outside [0, totalChunks).
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrChunkOutOfOrder indicates a chunk index ahead of the next expected one.
	ErrChunkOutOfOrder = errors.New("chunk index out of order")
)
