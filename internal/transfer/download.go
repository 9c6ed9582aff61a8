package transfer

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/zot/room-relay/internal/chunk"
	"github.com/zot/room-relay/internal/room"
)

// DefaultMaxRetries is how many times a missing chunk is re-requested before a download aborts.
const DefaultMaxRetries = 3

var (
	// ErrTransferAborted indicates a download gave up and discarded its buffers.
	ErrTransferAborted = errors.New("transfer aborted")
	// ErrUnexpectedChunk indicates a chunk arrived that was not the one in flight.
	ErrUnexpectedChunk = errors.New("unexpected chunk")
	// ErrChecksumMismatch indicates reassembled content does not match the sender's checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Checksum returns the hex xxhash64 of data, the format senders announce in share-file.
func Checksum(data []byte) string {
	return FormatChecksum(xxhash.Sum64(data))
}

// FormatChecksum renders a digest sum the way Checksum does.
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// Download is the receiving side of one file: it requests chunks one at a time from index 0,
// buffers them and reassembles in index order once all have arrived.
type Download struct {
	FileID      string
	Name        string
	Size        int64
	MimeType    string
	TotalChunks int
	Checksum    string

	received   map[int][]byte
	next       int
	inFlight   int // -1 when nothing is outstanding
	attempts   int // misses for the in-flight index
	maxRetries int
	err        error
}

// NewDownload starts a download for the file described by rec.
func NewDownload(rec room.FileRecord, maxRetries int) *Download {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Download{
		FileID:      rec.ID,
		Name:        rec.Name,
		Size:        rec.Size,
		MimeType:    rec.MimeType,
		TotalChunks: rec.TotalChunks,
		Checksum:    rec.Checksum,
		received:    make(map[int][]byte, rec.TotalChunks),
		inFlight:    -1,
		maxRetries:  maxRetries,
	}
}

// Next returns the index to request and marks it in flight. It returns false while a request
// is outstanding, after the last chunk, or once the download was aborted.
func (d *Download) Next() (int, bool) {
	if d.err != nil || d.inFlight >= 0 || d.next >= d.TotalChunks {
		return 0, false
	}
	d.inFlight = d.next
	return d.inFlight, true
}

// InFlight returns the outstanding index, if any.
func (d *Download) InFlight() (int, bool) {
	return d.inFlight, d.inFlight >= 0
}

// Receive accepts the payload of the in-flight chunk.
func (d *Download) Receive(index int, data []byte) error {
	if d.err != nil {
		return d.err
	}
	if d.inFlight < 0 || index != d.inFlight {
		return fmt.Errorf("got chunk %d, in flight %d: %w", index, d.inFlight, ErrUnexpectedChunk)
	}
	d.received[index] = data
	d.next = index + 1
	d.inFlight = -1
	d.attempts = 0
	return nil
}

// Missing records that the server reported the in-flight chunk as absent. The index is made
// requestable again until the retry budget is spent, after which the download aborts.
func (d *Download) Missing(index int) error {
	if d.err != nil {
		return d.err
	}
	if d.inFlight < 0 || index != d.inFlight {
		return fmt.Errorf("chunk %d reported missing, in flight %d: %w", index, d.inFlight, ErrUnexpectedChunk)
	}
	d.attempts++
	if d.attempts > d.maxRetries {
		return d.Abort(fmt.Errorf("chunk %d missing after %d attempts", index, d.attempts))
	}
	d.inFlight = -1
	return nil
}

// Abort discards partial buffers. Every later call reports ErrTransferAborted.
func (d *Download) Abort(cause error) error {
	if d.err == nil {
		if cause == nil {
			d.err = ErrTransferAborted
		} else {
			d.err = fmt.Errorf("%s: %w: %w", d.FileID, ErrTransferAborted, cause)
		}
		d.received = nil
		d.inFlight = -1
	}
	return d.err
}

// Err returns the abort error, if any.
func (d *Download) Err() error {
	return d.err
}

// Done reports whether every chunk has been received.
func (d *Download) Done() bool {
	return d.err == nil && d.next >= d.TotalChunks
}

// Progress returns the fraction of chunks received.
func (d *Download) Progress() float64 {
	if d.TotalChunks == 0 {
		return 1
	}
	return float64(len(d.received)) / float64(d.TotalChunks)
}

// Assemble concatenates the received chunks in index order and verifies size and checksum.
func (d *Download) Assemble() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	data, err := chunk.Assemble(d.received, d.TotalChunks)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != d.Size {
		return nil, fmt.Errorf("assembled %d bytes, expected %d: %w", len(data), d.Size, ErrChecksumMismatch)
	}
	if d.Checksum != "" {
		if sum := Checksum(data); sum != d.Checksum {
			return nil, fmt.Errorf("got %s, want %s: %w", sum, d.Checksum, ErrChecksumMismatch)
		}
	}
	return data, nil
}
