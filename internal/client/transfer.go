package client

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zot/room-relay/internal/chunk"
	"github.com/zot/room-relay/internal/protocol"
	"github.com/zot/room-relay/internal/room"
	"github.com/zot/room-relay/internal/transfer"
)

// Progress receives the fraction done, from 0 to 1.
type Progress func(fraction float64)

// File is a downloaded file.
type File struct {
	protocol.FileInfo
	Data []byte
}

// Share announces data as a file in the active room and uploads it chunk by chunk. Each
// chunk waits for the server's acknowledgement before the next is sent.
func (c *Client) Share(ctx context.Context, name, mimeType string, data []byte, progress Progress) (room.FileRecord, error) {
	var rec room.FileRecord
	code, err := c.activeRoom()
	if err != nil {
		return rec, err
	}

	reply, err := c.call(ctx, protocol.MethodShareFile, protocol.ShareFileRequest{
		RoomCode: code,
		FileInfo: transfer.FileInfo{
			ID:       uuid.NewString(),
			Name:     name,
			Size:     int64(len(data)),
			MimeType: mimeType,
			Checksum: transfer.Checksum(data),
		},
	})
	if err != nil {
		return rec, err
	}
	if err := expect(reply, protocol.MethodFileAvailable, &rec); err != nil {
		return rec, err
	}
	if rec.TotalChunks == 0 {
		notify(progress, 1)
		return rec, nil
	}

	pieces := chunk.Split(data, int(rec.ChunkSize))
	if len(pieces) != rec.TotalChunks {
		return rec, fmt.Errorf("split into %d chunks, server expects %d", len(pieces), rec.TotalChunks)
	}

	start := time.Now()
	for i, piece := range pieces {
		reply, err := c.call(ctx, protocol.MethodFileChunk, protocol.FileChunkRequest{
			RoomCode:   code,
			FileID:     rec.ID,
			ChunkIndex: i,
			ChunkData:  piece,
			IsLast:     i == len(pieces)-1,
		})
		if err != nil {
			return rec, err
		}
		var ack protocol.ChunkRef
		if err := expect(reply, protocol.MethodChunkStored, &ack); err != nil {
			return rec, fmt.Errorf("chunk %d: %w", i, err)
		}
		notify(progress, float64(i+1)/float64(len(pieces)))

		if i > 0 && i%c.opts.PaceEvery == 0 {
			if err := sleep(ctx, c.opts.PaceDelay); err != nil {
				return rec, err
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Share",
		"file_id":  rec.ID,
		"name":     name,
		"size":     humanize.IBytes(uint64(len(data))),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("Upload complete")
	return rec, nil
}

// Download pulls fileID from the active room one chunk at a time and verifies the result.
// A chunk the server does not have yet is re-requested after RetryDelay, up to MaxRetries times.
func (c *Client) Download(ctx context.Context, fileID string, progress Progress) (*File, error) {
	code, err := c.activeRoom()
	if err != nil {
		return nil, err
	}

	reply, err := c.call(ctx, protocol.MethodRequestFileInfo, protocol.FileRequest{RoomCode: code, FileID: fileID})
	if err != nil {
		return nil, err
	}
	var info protocol.FileInfo
	if err := expect(reply, protocol.MethodFileInfo, &info); err != nil {
		return nil, err
	}

	dl := transfer.NewDownload(info.Record(), c.opts.MaxRetries)
	for {
		index, ok := dl.Next()
		if !ok {
			break
		}
		reply, err := c.call(ctx, protocol.MethodRequestChunk, protocol.ChunkRequest{
			RoomCode:   code,
			FileID:     fileID,
			ChunkIndex: index,
		})
		if err != nil {
			return nil, dl.Abort(err)
		}

		switch reply.Method {
		case protocol.MethodChunkData:
			var payload protocol.ChunkData
			if err := reply.Decode(&payload); err != nil {
				return nil, dl.Abort(err)
			}
			if err := dl.Receive(payload.ChunkIndex, payload.Data); err != nil {
				return nil, dl.Abort(err)
			}
			notify(progress, dl.Progress())

		case protocol.MethodChunkNotFound:
			if err := dl.Missing(index); err != nil {
				return nil, err
			}
			logrus.WithFields(logrus.Fields{
				"function":    "Download",
				"file_id":     fileID,
				"chunk_index": index,
			}).Debug("Chunk not available yet, retrying")
			if err := sleep(ctx, c.opts.RetryDelay); err != nil {
				return nil, dl.Abort(err)
			}

		default:
			return nil, dl.Abort(expect(reply, protocol.MethodChunkData, nil))
		}
	}

	data, err := dl.Assemble()
	if err != nil {
		return nil, err
	}
	notify(progress, 1)
	return &File{FileInfo: info, Data: data}, nil
}

func notify(progress Progress, fraction float64) {
	if progress != nil {
		progress(fraction)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
