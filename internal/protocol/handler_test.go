package protocol

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/room-relay/internal/chunk"
	"github.com/zot/room-relay/internal/room"
	"github.com/zot/room-relay/internal/transfer"
)

// recordingSender keeps every outbound message per connection.
type recordingSender struct {
	mu  sync.Mutex
	out map[string][]*Message
}

func newRecordingSender() *recordingSender {
	return &recordingSender{out: make(map[string][]*Message)}
}

func (s *recordingSender) Send(connID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out[connID] = append(s.out[connID], msg)
	return nil
}

// take returns and clears the messages sent to connID.
func (s *recordingSender) take(connID string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.out[connID]
	delete(s.out, connID)
	return msgs
}

func methods(msgs []*Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Method)
	}
	return out
}

func find(t *testing.T, msgs []*Message, method string, v any) {
	t.Helper()
	for _, m := range msgs {
		if m.Method == method {
			require.NoError(t, json.Unmarshal(m.Params, v))
			return
		}
	}
	t.Fatalf("no %s in %v", method, methods(msgs))
}

type gateway struct {
	h      *Handler
	sender *recordingSender
	rooms  *room.Registry
}

func newGateway(t *testing.T, grace time.Duration) *gateway {
	t.Helper()
	rooms := room.NewRegistry(grace, 0)
	chunks := chunk.NewStore(time.Minute)
	t.Cleanup(func() {
		rooms.Close()
		chunks.Close()
	})
	h := NewHandler(rooms, transfer.NewCoordinator(rooms, chunks, transfer.Options{ChunkSize: 4}))
	sender := newRecordingSender()
	h.SetSender(sender)
	return &gateway{h: h, sender: sender, rooms: rooms}
}

func (g *gateway) send(t *testing.T, connID, method string, params any) {
	t.Helper()
	msg, err := NewMessage(method, params)
	require.NoError(t, err)
	g.h.HandleClientMessage(connID, msg)
}

// createRoom has host create a room and guests join it; all outboxes are cleared.
func (g *gateway) createRoom(t *testing.T, host string, guests ...string) RoomCreated {
	t.Helper()
	g.send(t, host, MethodCreateRoom, nil)
	var created RoomCreated
	find(t, g.sender.take(host), MethodRoomCreated, &created)
	for _, guest := range guests {
		g.send(t, guest, MethodJoinRoom, JoinRoomRequest{RoomCode: created.RoomCode})
	}
	g.sender.take(host)
	for _, guest := range guests {
		g.sender.take(guest)
	}
	return created
}

func TestCreateAndJoin(t *testing.T) {
	g := newGateway(t, time.Second)

	g.send(t, "host", MethodCreateRoom, nil)
	var created RoomCreated
	find(t, g.sender.take("host"), MethodRoomCreated, &created)
	assert.True(t, created.IsHost)
	assert.Equal(t, 1, created.ParticipantCount)
	assert.NotEmpty(t, created.SessionToken)

	g.send(t, "guest", MethodJoinRoom, JoinRoomRequest{RoomCode: created.RoomCode})
	guestMsgs := g.sender.take("guest")
	var joined RoomJoined
	find(t, guestMsgs, MethodRoomJoined, &joined)
	assert.False(t, joined.IsHost)
	assert.Equal(t, 2, joined.ParticipantCount)
	assert.NotNil(t, joined.Files)
	assert.Equal(t, MethodRoomJoined, guestMsgs[0].Method, "the joiner hears about its own join first")

	hostMsgs := g.sender.take("host")
	assert.Equal(t, []string{MethodParticipantCountUpdated, MethodParticipantJoined, MethodStatusMessage}, methods(hostMsgs))
	var count ParticipantCount
	find(t, hostMsgs, MethodParticipantCountUpdated, &count)
	assert.Equal(t, 2, count.Count)
}

func TestJoinUnknownRoom(t *testing.T) {
	g := newGateway(t, time.Second)

	g.send(t, "guest", MethodJoinRoom, JoinRoomRequest{RoomCode: "abcdef"})
	var ref RoomRef
	find(t, g.sender.take("guest"), MethodRoomNotFound, &ref)
	assert.Equal(t, "ABCDEF", ref.RoomCode)
}

func TestValidateRoom(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host")

	g.send(t, "visitor", MethodValidateRoom, RoomRequest{RoomCode: created.RoomCode})
	assert.Equal(t, []string{MethodRoomValid}, methods(g.sender.take("visitor")))

	g.send(t, "visitor", MethodValidateRoom, RoomRequest{RoomCode: "000000"})
	assert.Equal(t, []string{MethodRoomInvalid}, methods(g.sender.take("visitor")))
}

func TestParticipantLeave(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host", "guest")

	g.send(t, "guest", MethodLeaveRoom, RoomRequest{RoomCode: created.RoomCode})
	assert.Equal(t, []string{MethodRoomLeft}, methods(g.sender.take("guest")))

	hostMsgs := g.sender.take("host")
	assert.Equal(t, []string{MethodParticipantCountUpdated, MethodParticipantLeft, MethodStatusMessage}, methods(hostMsgs))
	var count ParticipantCount
	find(t, hostMsgs, MethodParticipantCountUpdated, &count)
	assert.Equal(t, 1, count.Count)
}

func TestHostLeaveConfirmationFlow(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host", "g1", "g2")

	g.send(t, "host", MethodLeaveRoom, RoomRequest{RoomCode: created.RoomCode})
	var prompt HostLeaveConfirmation
	find(t, g.sender.take("host"), MethodHostLeaveConfirmation, &prompt)
	assert.Equal(t, 2, prompt.ParticipantCount)
	assert.Contains(t, prompt.Message, "close the room")
	assert.Empty(t, g.sender.take("g1"), "no broadcast before confirmation")
	assert.Empty(t, g.sender.take("g2"))

	g.send(t, "host", MethodHostLeaveCancelled, RoomRequest{RoomCode: created.RoomCode})
	assert.Empty(t, g.sender.take("g1"))
	count, err := g.rooms.ParticipantCount(created.RoomCode)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	g.send(t, "host", MethodHostLeaveRequest, RoomRequest{RoomCode: created.RoomCode})
	find(t, g.sender.take("host"), MethodHostLeaveConfirmation, &prompt)

	g.send(t, "host", MethodHostLeaveConfirmed, RoomRequest{RoomCode: created.RoomCode})
	assert.Equal(t, []string{MethodRoomLeft}, methods(g.sender.take("host")))
	for _, guest := range []string{"g1", "g2"} {
		var closed RoomClosed
		find(t, g.sender.take(guest), MethodRoomClosedByHost, &closed)
		assert.Equal(t, room.ReasonHostLeft, closed.Reason)
		assert.Equal(t, created.RoomCode, closed.RoomCode)
	}

	g.send(t, "late", MethodJoinRoom, JoinRoomRequest{RoomCode: created.RoomCode})
	assert.Equal(t, []string{MethodRoomNotFound}, methods(g.sender.take("late")))
}

func TestNonHostCannotConfirm(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host", "guest")

	g.send(t, "guest", MethodHostLeaveConfirmed, RoomRequest{RoomCode: created.RoomCode})
	var status StatusMessage
	find(t, g.sender.take("guest"), MethodStatusMessage, &status)
	assert.Equal(t, StatusError, status.Type)
	assert.Equal(t, "not-host", status.Code)
	assert.Empty(t, g.sender.take("host"))
}

func TestHostDisconnectAndRejoin(t *testing.T) {
	g := newGateway(t, 200*time.Millisecond)
	created := g.createRoom(t, "host", "guest")

	g.h.Disconnect("host")
	guestMsgs := g.sender.take("guest")
	var status StatusMessage
	find(t, guestMsgs, MethodStatusMessage, &status)
	assert.Equal(t, StatusWarning, status.Type)

	g.send(t, "host-2", MethodJoinRoom, JoinRoomRequest{RoomCode: created.RoomCode, SessionToken: created.SessionToken})
	var joined RoomJoined
	find(t, g.sender.take("host-2"), MethodRoomJoined, &joined)
	assert.True(t, joined.IsHost)
	assert.Equal(t, 2, joined.ParticipantCount)

	guestMsgs = g.sender.take("guest")
	assert.NotContains(t, methods(guestMsgs), MethodParticipantJoined)
	find(t, guestMsgs, MethodStatusMessage, &status)
	assert.Equal(t, textHostReconnected, status.Message)

	time.Sleep(350 * time.Millisecond)
	assert.NotContains(t, methods(g.sender.take("guest")), MethodRoomClosedByHost)
}

func TestBroadcastIdentityIsNotASessionToken(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host", "guest")
	require.NotEqual(t, created.MemberID, created.SessionToken)

	g.send(t, "host", MethodShareFile, ShareFileRequest{RoomCode: created.RoomCode, FileInfo: transfer.FileInfo{ID: "f1", Size: 8}})
	g.sender.take("host")
	var rec room.FileRecord
	find(t, g.sender.take("guest"), MethodFileAvailable, &rec)
	require.Equal(t, created.MemberID, rec.SenderID)

	g.send(t, "guest-2", MethodJoinRoom, JoinRoomRequest{RoomCode: created.RoomCode, SessionToken: rec.SenderID})
	var joined RoomJoined
	find(t, g.sender.take("guest-2"), MethodRoomJoined, &joined)
	assert.False(t, joined.IsHost)
	assert.NotEqual(t, created.MemberID, joined.MemberID)
	assert.NotEqual(t, created.SessionToken, joined.SessionToken)
	require.Len(t, joined.Files, 1)
	assert.NotEqual(t, created.SessionToken, joined.Files[0].SenderID)

	g.send(t, "guest-2", MethodHostLeaveConfirmed, RoomRequest{RoomCode: created.RoomCode})
	var status StatusMessage
	find(t, g.sender.take("guest-2"), MethodStatusMessage, &status)
	assert.Equal(t, "not-host", status.Code)

	count, err := g.rooms.ParticipantCount(created.RoomCode)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// The real host still holds the room.
	g.send(t, "host", MethodHostLeaveRequest, RoomRequest{RoomCode: created.RoomCode})
	assert.Contains(t, methods(g.sender.take("host")), MethodHostLeaveConfirmation)
}

func TestParticipantChangeCarriesPublicID(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host")

	g.send(t, "guest", MethodJoinRoom, JoinRoomRequest{RoomCode: created.RoomCode})
	var joined RoomJoined
	find(t, g.sender.take("guest"), MethodRoomJoined, &joined)

	var change ParticipantChange
	find(t, g.sender.take("host"), MethodParticipantJoined, &change)
	assert.Equal(t, joined.MemberID, change.MemberID)
	assert.NotEqual(t, joined.SessionToken, change.MemberID)
}

func TestHostGraceExpiryClosesRoomOnce(t *testing.T) {
	g := newGateway(t, 40*time.Millisecond)
	created := g.createRoom(t, "host", "guest")

	g.h.Disconnect("host")
	g.sender.take("guest")

	var closedMsgs []*Message
	require.Eventually(t, func() bool {
		for _, m := range g.sender.take("guest") {
			if m.Method == MethodRoomClosedByHost {
				closedMsgs = append(closedMsgs, m)
			}
		}
		return len(closedMsgs) > 0
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, g.sender.take("guest"))
	require.Len(t, closedMsgs, 1)

	var closed RoomClosed
	require.NoError(t, json.Unmarshal(closedMsgs[0].Params, &closed))
	assert.Equal(t, room.ReasonHostDisconnected, closed.Reason)
	assert.Equal(t, created.RoomCode, closed.RoomCode)
}

func TestParticipantDisconnect(t *testing.T) {
	g := newGateway(t, time.Second)
	g.createRoom(t, "host", "guest")

	g.h.Disconnect("guest")
	assert.Equal(t, []string{MethodParticipantCountUpdated, MethodParticipantLeft, MethodStatusMessage},
		methods(g.sender.take("host")))

	g.h.Disconnect("stranger")
	assert.Empty(t, g.sender.take("host"))
}

func TestShareAndPull(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host", "guest")
	data := []byte("hello world")

	g.send(t, "host", MethodShareFile, ShareFileRequest{
		RoomCode: created.RoomCode,
		FileInfo: transfer.FileInfo{ID: "f1", Name: "hello.txt", Size: int64(len(data)), MimeType: "text/plain", Checksum: transfer.Checksum(data)},
	})
	var rec room.FileRecord
	find(t, g.sender.take("guest"), MethodFileAvailable, &rec)
	assert.Equal(t, 3, rec.TotalChunks)
	assert.Equal(t, []string{MethodFileAvailable}, methods(g.sender.take("host")))

	for i, piece := range chunk.Split(data, 4) {
		g.send(t, "host", MethodFileChunk, FileChunkRequest{RoomCode: created.RoomCode, FileID: "f1", ChunkIndex: i, ChunkData: piece, IsLast: i == 2})
		var ack ChunkRef
		find(t, g.sender.take("host"), MethodChunkStored, &ack)
		assert.Equal(t, i, ack.ChunkIndex)

		var avail ChunkAvailable
		find(t, g.sender.take("guest"), MethodChunkAvailable, &avail)
		assert.Equal(t, i, avail.ChunkIndex)
		assert.Equal(t, i == 2, avail.IsLast)
	}

	g.send(t, "guest", MethodRequestFileInfo, FileRequest{RoomCode: created.RoomCode, FileID: "f1"})
	var info FileInfo
	find(t, g.sender.take("guest"), MethodFileInfo, &info)
	assert.Equal(t, 3, info.TotalChunks)
	assert.Equal(t, "text/plain", info.MimeType)

	dl := transfer.NewDownload(info.Record(), 0)
	for {
		index, ok := dl.Next()
		if !ok {
			break
		}
		g.send(t, "guest", MethodRequestChunk, ChunkRequest{RoomCode: created.RoomCode, FileID: "f1", ChunkIndex: index})
		var cd ChunkData
		find(t, g.sender.take("guest"), MethodChunkData, &cd)
		require.NoError(t, dl.Receive(cd.ChunkIndex, cd.Data))
	}
	got, err := dl.Assemble()
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMissingFileAndChunk(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host", "guest")

	g.send(t, "guest", MethodRequestFileInfo, FileRequest{RoomCode: created.RoomCode, FileID: "nope"})
	var ref FileRef
	find(t, g.sender.take("guest"), MethodFileNotFound, &ref)
	assert.Equal(t, "nope", ref.FileID)

	g.send(t, "host", MethodShareFile, ShareFileRequest{RoomCode: created.RoomCode, FileInfo: transfer.FileInfo{ID: "f1", Size: 8}})
	g.sender.take("host")
	g.sender.take("guest")

	g.send(t, "guest", MethodRequestChunk, ChunkRequest{RoomCode: created.RoomCode, FileID: "f1", ChunkIndex: 1})
	var missing ChunkRef
	find(t, g.sender.take("guest"), MethodChunkNotFound, &missing)
	assert.Equal(t, ChunkRef{FileID: "f1", ChunkIndex: 1}, missing)
}

func TestChunkOutOfOrderReported(t *testing.T) {
	g := newGateway(t, time.Second)
	created := g.createRoom(t, "host", "guest")

	g.send(t, "host", MethodShareFile, ShareFileRequest{RoomCode: created.RoomCode, FileInfo: transfer.FileInfo{ID: "f1", Size: 8}})
	g.sender.take("host")
	g.sender.take("guest")

	g.send(t, "host", MethodFileChunk, FileChunkRequest{RoomCode: created.RoomCode, FileID: "f1", ChunkIndex: 1, ChunkData: []byte("abcd")})
	var status StatusMessage
	find(t, g.sender.take("host"), MethodStatusMessage, &status)
	assert.Equal(t, "chunk-out-of-order", status.Code)
	assert.Empty(t, g.sender.take("guest"))
}

func TestStaleRoomReference(t *testing.T) {
	g := newGateway(t, time.Second)

	g.send(t, "someone", MethodShareFile, ShareFileRequest{RoomCode: "123456", FileInfo: transfer.FileInfo{ID: "f", Size: 1}})
	var ref RoomRef
	find(t, g.sender.take("someone"), MethodRoomInvalid, &ref)
	assert.Equal(t, "123456", ref.RoomCode)
}

func TestUnknownMethodAndBadParams(t *testing.T) {
	g := newGateway(t, time.Second)

	g.h.HandleClientMessage("c", &Message{Method: "dance"})
	var status StatusMessage
	find(t, g.sender.take("c"), MethodStatusMessage, &status)
	assert.Equal(t, "unknown-method", status.Code)

	g.h.HandleClientMessage("c", &Message{Method: MethodJoinRoom, RequestID: 9, Params: json.RawMessage(`[1,2]`)})
	msgs := g.sender.take("c")
	find(t, msgs, MethodStatusMessage, &status)
	assert.Equal(t, "invalid-params", status.Code)
	assert.Equal(t, 9, msgs[0].RequestID, "replies echo the request id")
}

// panicSender panics on its first delivery to simulate a bug inside a handler.
type panicSender struct {
	recordingSender
	armed bool
}

func (p *panicSender) Send(connID string, msg *Message) error {
	if p.armed {
		p.armed = false
		panic("boom")
	}
	return p.recordingSender.Send(connID, msg)
}

func TestPanicIsContained(t *testing.T) {
	g := newGateway(t, time.Second)
	ps := &panicSender{recordingSender: recordingSender{out: make(map[string][]*Message)}, armed: true}
	g.h.SetSender(ps)

	assert.NotPanics(t, func() {
		msg, _ := NewMessage(MethodCreateRoom, nil)
		g.h.HandleClientMessage("c", msg)
	})
	var status StatusMessage
	find(t, ps.take("c"), MethodStatusMessage, &status)
	assert.Equal(t, "internal", status.Code)

	msg, _ := NewMessage(MethodValidateRoom, RoomRequest{RoomCode: "000000"})
	g.h.HandleClientMessage("other", msg)
	assert.Equal(t, []string{MethodRoomInvalid}, methods(ps.take("other")), "handler keeps serving after a panic")
}
