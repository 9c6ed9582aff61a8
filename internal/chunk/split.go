package chunk

import (
	"errors"
	"fmt"
)

// DefaultSize is the fixed chunk size used by the relay protocol (1 MiB).
const DefaultSize = 1024 * 1024

// ErrMissingChunk indicates reassembly was attempted without every index present.
var ErrMissingChunk = errors.New("missing chunk")

// TotalChunks returns ceil(size / chunkSize). A zero-length file has zero chunks.
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Bounds returns the [start, end) byte range of chunk index within a file of size bytes.
func Bounds(index int, size, chunkSize int64) (start, end int64) {
	start = int64(index) * chunkSize
	end = start + chunkSize
	if end > size {
		end = size
	}
	if start > size {
		start = size
	}
	return start, end
}

// Split cuts data into chunkSize pieces. The pieces share data's backing array.
func Split(data []byte, chunkSize int) [][]byte {
	total := TotalChunks(int64(len(data)), int64(chunkSize))
	chunks := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start, end := Bounds(i, int64(len(data)), int64(chunkSize))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// Assemble concatenates chunks strictly in index order 0..total-1, regardless of the order
// they were inserted into the map.
func Assemble(chunks map[int][]byte, total int) ([]byte, error) {
	size := 0
	for i := 0; i < total; i++ {
		payload, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("index %d of %d: %w", i, total, ErrMissingChunk)
		}
		size += len(payload)
	}

	out := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		out = append(out, chunks[i]...)
	}
	return out, nil
}
