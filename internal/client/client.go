// Package client speaks the relay's WebSocket protocol from Go: room membership, chunked
// uploads and the one-chunk-at-a-time download loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zot/room-relay/internal/protocol"
	"github.com/zot/room-relay/internal/room"
)

var (
	// ErrConnectionLost is returned for requests outstanding when the socket dropped.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNoActiveSession is returned by Reconnect and the room operations outside of a room.
	ErrNoActiveSession = errors.New("no active session")
	// ErrUnexpectedReply is returned when the server answered with an event the request does not expect.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// StatusError is an error status message sent in answer to a request.
type StatusError struct {
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Options tune uploads and downloads. Zero values take the defaults.
type Options struct {
	PaceEvery  int           // yield after every PaceEvery uploaded chunks
	PaceDelay  time.Duration // length of the upload yield
	MaxRetries int           // re-requests of a missing chunk before a download aborts
	RetryDelay time.Duration // wait before re-requesting a missing chunk
}

const (
	defaultPaceEvery  = 5
	defaultPaceDelay  = 50 * time.Millisecond
	defaultRetryDelay = 500 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.PaceEvery <= 0 {
		o.PaceEvery = defaultPaceEvery
	}
	if o.PaceDelay <= 0 {
		o.PaceDelay = defaultPaceDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	return o
}

// Client is one browser-equivalent session against a relay server.
type Client struct {
	url    string
	opts   Options
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{} // closed when the current connection's read loop exits
	nextID   int
	pending  map[int]chan *protocol.Message
	onEvent  func(*protocol.Message)
	roomCode string
	token    string
	isHost   bool
}

// New returns a client for the WebSocket endpoint at url, e.g. ws://localhost:3000/ws.
func New(url string, opts Options) *Client {
	return &Client{
		url:     url,
		opts:    opts.withDefaults(),
		dialer:  websocket.DefaultDialer,
		pending: make(map[int]chan *protocol.Message),
	}
}

// OnEvent sets the callback for server events that are not replies to a request. It runs on
// the read goroutine and must not call back into the client.
func (c *Client) OnEvent(fn func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// Connect dials the server. An existing connection is closed first.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go c.readLoop(conn, done)
	return nil
}

// Close drops the connection without leaving the room, which for a host starts the grace period.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Done is closed when the current connection is lost.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// RoomCode returns the room of the active session, or "".
func (c *Client) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}

// SessionToken returns the token that reattaches this identity after a reconnect.
func (c *Client) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// IsHost reports whether the active session owns its room.
func (c *Client) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHost
}

// CreateRoom opens a new room hosted by this client.
func (c *Client) CreateRoom(ctx context.Context) (protocol.RoomCreated, error) {
	var created protocol.RoomCreated
	reply, err := c.call(ctx, protocol.MethodCreateRoom, nil)
	if err != nil {
		return created, err
	}
	if err := expect(reply, protocol.MethodRoomCreated, &created); err != nil {
		return created, err
	}
	c.setSession(created.RoomCode, created.SessionToken, true)
	return created, nil
}

// JoinRoom joins code. Rejoining the room of the active session presents its token, which
// restores the earlier identity (and host role).
func (c *Client) JoinRoom(ctx context.Context, code string) (protocol.RoomJoined, error) {
	var joined protocol.RoomJoined
	req := protocol.JoinRoomRequest{RoomCode: code}
	c.mu.Lock()
	if room.NormalizeCode(code) == c.roomCode {
		req.SessionToken = c.token
	}
	c.mu.Unlock()

	reply, err := c.call(ctx, protocol.MethodJoinRoom, req)
	if err != nil {
		return joined, err
	}
	if err := expect(reply, protocol.MethodRoomJoined, &joined); err != nil {
		return joined, err
	}
	c.setSession(joined.RoomCode, joined.SessionToken, joined.IsHost)
	return joined, nil
}

// ValidateRoom reports whether code names a live room.
func (c *Client) ValidateRoom(ctx context.Context, code string) (bool, error) {
	reply, err := c.call(ctx, protocol.MethodValidateRoom, protocol.RoomRequest{RoomCode: code})
	if err != nil {
		return false, err
	}
	switch reply.Method {
	case protocol.MethodRoomValid:
		return true, nil
	case protocol.MethodRoomInvalid:
		return false, nil
	}
	return false, expect(reply, protocol.MethodRoomValid, nil)
}

// Leave leaves the active room. For a host it returns the confirmation prompt instead; the
// room closes only after ConfirmLeave.
func (c *Client) Leave(ctx context.Context) (*protocol.HostLeaveConfirmation, error) {
	code, err := c.activeRoom()
	if err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, protocol.MethodLeaveRoom, protocol.RoomRequest{RoomCode: code})
	if err != nil {
		return nil, err
	}
	if reply.Method == protocol.MethodHostLeaveConfirmation {
		var prompt protocol.HostLeaveConfirmation
		if err := reply.Decode(&prompt); err != nil {
			return nil, err
		}
		return &prompt, nil
	}
	if err := expect(reply, protocol.MethodRoomLeft, nil); err != nil {
		return nil, err
	}
	c.setSession("", "", false)
	return nil, nil
}

// ConfirmLeave closes the hosted room for everyone.
func (c *Client) ConfirmLeave(ctx context.Context) error {
	code, err := c.activeRoom()
	if err != nil {
		return err
	}
	reply, err := c.call(ctx, protocol.MethodHostLeaveConfirmed, protocol.RoomRequest{RoomCode: code})
	if err != nil {
		return err
	}
	if err := expect(reply, protocol.MethodRoomLeft, nil); err != nil {
		return err
	}
	c.setSession("", "", false)
	return nil
}

// CancelLeave dismisses a pending leave. The server does not answer a successful cancel.
func (c *Client) CancelLeave() error {
	code, err := c.activeRoom()
	if err != nil {
		return err
	}
	return c.notify(protocol.MethodHostLeaveCancelled, protocol.RoomRequest{RoomCode: code})
}

// Reconnect dials again and rejoins the active room with the session token.
func (c *Client) Reconnect(ctx context.Context) (protocol.RoomJoined, error) {
	code, err := c.activeRoom()
	if err != nil {
		return protocol.RoomJoined{}, err
	}
	if err := c.Connect(ctx); err != nil {
		return protocol.RoomJoined{}, err
	}
	joined, err := c.JoinRoom(ctx, code)
	if err != nil {
		return joined, err
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Reconnect",
		"room_code": code,
		"is_host":   joined.IsHost,
	}).Info("Rejoined room")
	return joined, nil
}

// Resume reattaches a session whose connection dropped. It retries Reconnect up to
// MaxRetries times with a doubling delay starting at RetryDelay, and gives up at once when
// there is no session or the room is gone.
func (c *Client) Resume(ctx context.Context) (protocol.RoomJoined, error) {
	delay := c.opts.RetryDelay
	for attempt := 1; ; attempt++ {
		joined, err := c.Reconnect(ctx)
		switch {
		case err == nil:
			return joined, nil
		case errors.Is(err, ErrNoActiveSession):
			return joined, err
		case errors.Is(err, room.ErrRoomNotFound):
			c.setSession("", "", false)
			return joined, err
		}

		logrus.WithFields(logrus.Fields{
			"function": "Resume",
			"attempt":  attempt,
		}).WithError(err).Warn("Rejoin failed")
		if attempt >= c.opts.MaxRetries {
			return joined, fmt.Errorf("gave up after %d attempts: %w", attempt, ErrConnectionLost)
		}
		if err := sleep(ctx, delay); err != nil {
			return joined, err
		}
		delay *= 2
	}
}

func (c *Client) setSession(code, token string, isHost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomCode = code
	c.token = token
	c.isHost = isHost
}

func (c *Client) activeRoom() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomCode == "" {
		return "", ErrNoActiveSession
	}
	return c.roomCode, nil
}

// call sends a request and waits for the reply carrying its request id.
func (c *Client) call(ctx context.Context, method string, params any) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(method, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.nextID++
	msg.RequestID = c.nextID
	replyCh := make(chan *protocol.Message, 1)
	c.pending[msg.RequestID] = replyCh
	conn, done := c.conn, c.done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(conn, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-done:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a request that is not answered on success.
func (c *Client) notify(method string, params any) error {
	msg, err := protocol.NewMessage(method, params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}
	return c.write(conn, msg)
}

func (c *Client) write(conn *websocket.Conn, msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	log := logrus.WithField("function", "readLoop")

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Connection lost")
			}
			return
		}

		c.mu.Lock()
		replyCh, isReply := c.pending[msg.RequestID]
		if isReply {
			delete(c.pending, msg.RequestID)
		}
		onEvent := c.onEvent
		c.mu.Unlock()

		switch {
		case msg.RequestID != 0 && isReply:
			replyCh <- &msg
		case msg.Method == protocol.MethodRoomClosedByHost:
			c.setSession("", "", false)
			fallthrough
		default:
			if onEvent != nil {
				onEvent(&msg)
			}
		}
	}
}

// expect decodes reply into v when it is the wanted event and maps the failure events to errors.
func expect(reply *protocol.Message, method string, v any) error {
	switch reply.Method {
	case method:
		if v == nil {
			return nil
		}
		return reply.Decode(v)
	case protocol.MethodStatusMessage:
		var status protocol.StatusMessage
		if err := reply.Decode(&status); err != nil {
			return err
		}
		return &StatusError{Code: status.Code, Message: status.Message}
	case protocol.MethodRoomNotFound:
		return room.ErrRoomNotFound
	case protocol.MethodRoomInvalid:
		return room.ErrRoomInvalid
	case protocol.MethodFileNotFound:
		return room.ErrFileNotFound
	}
	return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedReply, reply.Method, method)
}
