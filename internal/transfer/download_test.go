package transfer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/room-relay/internal/room"
)

func record(data []byte, total int) room.FileRecord {
	return room.FileRecord{ID: "f", Name: "f.bin", Size: int64(len(data)), TotalChunks: total, Checksum: Checksum(data)}
}

func TestDownloadWindowIsOne(t *testing.T) {
	dl := NewDownload(record([]byte("abcdef"), 3), 0)

	index, ok := dl.Next()
	require.True(t, ok)
	assert.Equal(t, 0, index)

	_, ok = dl.Next()
	assert.False(t, ok, "no second request while one is in flight")

	inFlight, ok := dl.InFlight()
	assert.True(t, ok)
	assert.Equal(t, 0, inFlight)

	require.NoError(t, dl.Receive(0, []byte("ab")))
	index, ok = dl.Next()
	require.True(t, ok)
	assert.Equal(t, 1, index)
}

func TestDownloadRejectsUnexpectedChunk(t *testing.T) {
	dl := NewDownload(record([]byte("abcd"), 2), 0)

	assert.ErrorIs(t, dl.Receive(0, []byte("ab")), ErrUnexpectedChunk, "nothing requested yet")

	_, _ = dl.Next()
	assert.ErrorIs(t, dl.Receive(1, []byte("cd")), ErrUnexpectedChunk)
	assert.NoError(t, dl.Receive(0, []byte("ab")))
}

func TestDownloadZeroLength(t *testing.T) {
	dl := NewDownload(record(nil, 0), 0)

	_, ok := dl.Next()
	assert.False(t, ok)
	assert.True(t, dl.Done())
	assert.Equal(t, 1.0, dl.Progress())

	data, err := dl.Assemble()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestDownloadMissingRetriesThenAborts(t *testing.T) {
	dl := NewDownload(record([]byte("abcd"), 2), 2)

	for attempt := 0; attempt < 2; attempt++ {
		index, ok := dl.Next()
		require.True(t, ok)
		assert.Equal(t, 0, index, "missing chunk is re-requested")
		require.NoError(t, dl.Missing(index))
	}

	index, ok := dl.Next()
	require.True(t, ok)
	err := dl.Missing(index)
	assert.ErrorIs(t, err, ErrTransferAborted)
	assert.ErrorIs(t, dl.Err(), ErrTransferAborted)
	assert.False(t, dl.Done())

	_, ok = dl.Next()
	assert.False(t, ok)
	_, err = dl.Assemble()
	assert.ErrorIs(t, err, ErrTransferAborted)
}

func TestDownloadAbortDiscardsBuffers(t *testing.T) {
	dl := NewDownload(record([]byte("abcd"), 2), 0)
	_, _ = dl.Next()
	require.NoError(t, dl.Receive(0, []byte("ab")))

	lost := errors.New("connection lost")
	err := dl.Abort(lost)
	assert.ErrorIs(t, err, ErrTransferAborted)
	assert.ErrorIs(t, err, lost, "the cause stays inspectable")
	assert.Equal(t, 0.0, dl.Progress())
	assert.ErrorIs(t, dl.Receive(1, []byte("cd")), ErrTransferAborted)
}

func TestDownloadChecksumMismatch(t *testing.T) {
	rec := record([]byte("abcd"), 2)
	dl := NewDownload(rec, 0)

	_, _ = dl.Next()
	require.NoError(t, dl.Receive(0, []byte("ab")))
	_, _ = dl.Next()
	require.NoError(t, dl.Receive(1, []byte("cx")))

	_, err := dl.Assemble()
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestChecksumFormat(t *testing.T) {
	sum := Checksum([]byte("room-relay"))
	assert.Len(t, sum, 16)
	assert.Equal(t, sum, Checksum([]byte("room-relay")))
	assert.NotEqual(t, sum, Checksum([]byte("room-relaY")))
}
