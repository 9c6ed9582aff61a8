// Package transfer moves file content through a room: uploads are recorded against the
// room's FileRecord and buffered in the chunk store, downloads are served one chunk at a time.
package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zot/room-relay/internal/chunk"
	"github.com/zot/room-relay/internal/room"
)

// DefaultCompletedFileTTL is how long a fully uploaded file's chunks stay available.
const DefaultCompletedFileTTL = 5 * time.Minute

var (
	// ErrChunkOutOfOrder indicates a chunk index ahead of the next expected one.
	ErrChunkOutOfOrder = room.ErrChunkOutOfOrder
	// ErrChunkTooLarge indicates a chunk payload larger than the configured chunk size.
	ErrChunkTooLarge = errors.New("chunk exceeds chunk size")
	// ErrFileTooLarge indicates a declared size above the configured maximum.
	ErrFileTooLarge = errors.New("file exceeds maximum size")
	// ErrInvalidFile indicates a share-file announcement with a malformed descriptor.
	ErrInvalidFile = errors.New("invalid file descriptor")
)

// Options tunes a Coordinator. Zero values select defaults.
type Options struct {
	ChunkSize        int64
	MaxFileSize      int64 // 0 means unlimited
	CompletedFileTTL time.Duration
}

// FileInfo is what a sender announces in share-file.
type FileInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
	Checksum string `json:"checksum,omitempty"`
}

// Upload is one chunk sent by a file's sender.
type Upload struct {
	FileID string
	Index  int
	Data   []byte
	IsLast bool
}

// Stored describes an accepted chunk and who must be told about it.
type Stored struct {
	FileID   string
	Index    int
	IsLast   bool
	Progress float64
	Counted  bool
	Others   []string
}

// Coordinator implements share-file, file-chunk, request-file-info and request-chunk on top of
// the room registry and the chunk store.
type Coordinator struct {
	rooms        *room.Registry
	chunks       *chunk.Store
	chunkSize    int64
	maxFileSize  int64
	completedTTL time.Duration
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(rooms *room.Registry, chunks *chunk.Store, opts Options) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultSize
	}
	if opts.CompletedFileTTL <= 0 {
		opts.CompletedFileTTL = DefaultCompletedFileTTL
	}
	return &Coordinator{
		rooms:        rooms,
		chunks:       chunks,
		chunkSize:    opts.ChunkSize,
		maxFileSize:  opts.MaxFileSize,
		completedTTL: opts.CompletedFileTTL,
	}
}

// ChunkSize returns the size every chunk but the last is cut to.
func (c *Coordinator) ChunkSize() int64 {
	return c.chunkSize
}

// ShareFile registers info in the room. The returned recipients are every live connection
// of the room, sender included.
func (c *Coordinator) ShareFile(code, connID string, info FileInfo) (room.FileRecord, []string, error) {
	if info.Size < 0 {
		return room.FileRecord{}, nil, fmt.Errorf("negative size %d: %w", info.Size, ErrInvalidFile)
	}
	if c.maxFileSize > 0 && info.Size > c.maxFileSize {
		return room.FileRecord{}, nil, fmt.Errorf("%s > %s: %w",
			humanize.IBytes(uint64(info.Size)), humanize.IBytes(uint64(c.maxFileSize)), ErrFileTooLarge)
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	rec, recipients, err := c.rooms.AddFile(code, connID, room.FileRecord{
		ID:          info.ID,
		Name:        info.Name,
		Size:        info.Size,
		MimeType:    info.MimeType,
		Checksum:    info.Checksum,
		ChunkSize:   c.chunkSize,
		TotalChunks: chunk.TotalChunks(info.Size, c.chunkSize),
	})
	if err != nil {
		return room.FileRecord{}, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "ShareFile",
		"room_code":    room.NormalizeCode(code),
		"file_id":      rec.ID,
		"file_name":    rec.Name,
		"size":         humanize.IBytes(uint64(rec.Size)),
		"total_chunks": rec.TotalChunks,
	}).Info("File shared")

	return rec, recipients, nil
}

// StoreChunk validates and buffers one uploaded chunk. The final chunk of a file schedules
// eviction of all its chunks after the completed-file TTL.
func (c *Coordinator) StoreChunk(code, connID string, up Upload) (Stored, error) {
	if int64(len(up.Data)) > c.chunkSize {
		return Stored{}, fmt.Errorf("%d bytes: %w", len(up.Data), ErrChunkTooLarge)
	}

	receipt, err := c.rooms.RecordChunk(code, connID, up.FileID, up.Index)
	if err != nil {
		return Stored{}, err
	}
	c.chunks.Put(up.FileID, up.Index, up.Data)

	rec := receipt.Record
	stored := Stored{
		FileID:   up.FileID,
		Index:    up.Index,
		IsLast:   up.Index == rec.TotalChunks-1,
		Progress: rec.Progress(),
		Counted:  receipt.Counted,
		Others:   receipt.Others,
	}

	if stored.IsLast {
		c.chunks.ScheduleFileEviction(up.FileID, c.completedTTL)
		logrus.WithFields(logrus.Fields{
			"function":  "StoreChunk",
			"room_code": room.NormalizeCode(code),
			"file_id":   up.FileID,
			"evict_in":  c.completedTTL,
		}).Info("File upload complete")
	} else if up.IsLast {
		logrus.WithFields(logrus.Fields{
			"function":     "StoreChunk",
			"file_id":      up.FileID,
			"chunk_index":  up.Index,
			"total_chunks": rec.TotalChunks,
		}).Warn("Sender flagged a chunk as last before the final index")
	}

	return stored, nil
}

// FileInfo returns the record of fileID for a member of the room.
func (c *Coordinator) FileInfo(code, connID, fileID string) (room.FileRecord, error) {
	return c.rooms.File(code, connID, fileID)
}

// Chunk returns the payload of one chunk for a member of the room.
func (c *Coordinator) Chunk(code, connID, fileID string, index int) ([]byte, error) {
	rec, err := c.rooms.File(code, connID, fileID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= rec.TotalChunks {
		return nil, fmt.Errorf("index %d of %d: %w", index, rec.TotalChunks, chunk.ErrChunkNotFound)
	}
	return c.chunks.Get(fileID, index)
}
