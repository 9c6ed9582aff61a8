package room

import (
	"fmt"
	"time"
)

// FileRecord describes a shared file and its chunking.
type FileRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Size           int64     `json:"size"`
	MimeType       string    `json:"type"`
	SenderID       string    `json:"senderId"`
	ChunkSize      int64     `json:"chunkSize"`
	TotalChunks    int       `json:"totalChunks"`
	ReceivedChunks int       `json:"receivedChunks"`
	Checksum       string    `json:"checksum,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Complete reports whether every chunk has been received.
func (f FileRecord) Complete() bool {
	return f.ReceivedChunks >= f.TotalChunks
}

// Progress returns receivedChunks/totalChunks; an empty file is always complete.
func (f FileRecord) Progress() float64 {
	if f.TotalChunks == 0 {
		return 1
	}
	return float64(f.ReceivedChunks) / float64(f.TotalChunks)
}

// ChunkReceipt is the outcome of recording one uploaded chunk.
type ChunkReceipt struct {
	Record  FileRecord
	Counted bool     // false when the index had already been received
	Others  []string // connection ids of every member except the sender
}

// FileRegistry is the per-room table of file metadata and receipt counters.
// It is only touched while the owning Registry's lock is held.
type FileRegistry struct {
	files map[string]*FileRecord
	order []string
}

func newFileRegistry() *FileRegistry {
	return &FileRegistry{files: make(map[string]*FileRecord)}
}

func (fr *FileRegistry) add(rec FileRecord) error {
	if _, exists := fr.files[rec.ID]; exists {
		return fmt.Errorf("%s: %w", rec.ID, ErrDuplicateFile)
	}
	stored := rec
	fr.files[rec.ID] = &stored
	fr.order = append(fr.order, rec.ID)
	return nil
}

func (fr *FileRegistry) get(id string) (FileRecord, bool) {
	rec, ok := fr.files[id]
	if !ok {
		return FileRecord{}, false
	}
	return *rec, true
}

// list returns snapshots in the order files were shared.
func (fr *FileRegistry) list() []FileRecord {
	out := make([]FileRecord, 0, len(fr.order))
	for _, id := range fr.order {
		out = append(out, *fr.files[id])
	}
	return out
}

// receive validates index against the record and increments the counter for the next
// expected index. Re-sent indices are accepted but not counted again.
func (fr *FileRegistry) receive(id string, index int) (FileRecord, bool, error) {
	rec, ok := fr.files[id]
	if !ok {
		return FileRecord{}, false, fmt.Errorf("%s: %w", id, ErrFileNotFound)
	}
	if index < 0 || index >= rec.TotalChunks {
		return *rec, false, fmt.Errorf("index %d of %d: %w", index, rec.TotalChunks, ErrChunkOutOfRange)
	}
	if index > rec.ReceivedChunks {
		return *rec, false, fmt.Errorf("got index %d, expected %d: %w", index, rec.ReceivedChunks, ErrChunkOutOfOrder)
	}
	if index < rec.ReceivedChunks {
		return *rec, false, nil
	}
	rec.ReceivedChunks++
	return *rec, true, nil
}
