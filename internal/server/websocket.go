package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/zot/room-relay/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrSendQueueFull is returned when a slow client has not drained its queue.
var ErrSendQueueFull = errors.New("send buffer full")

// WSConnection represents a WebSocket connection
type WSConnection struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	limiter *rate.Limiter // nil when inbound rate limiting is off
	sendCh  chan *protocol.Message
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewWSConnection creates a new WebSocket connection handler with a fresh connection id
func NewWSConnection(conn *websocket.Conn, server *Server) *WSConnection {
	cfg := server.config.WebSocket
	ws := &WSConnection{
		id:      uuid.NewString(),
		conn:    conn,
		server:  server,
		sendCh:  make(chan *protocol.Message, cfg.SendQueueSize),
		closeCh: make(chan struct{}),
	}
	if cfg.MessagesPerSecond > 0 {
		burst := cfg.MessageBurst
		if burst < 1 {
			burst = 1
		}
		ws.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
	}
	return ws
}

// ID returns the connection id the room registry knows this connection by
func (ws *WSConnection) ID() string {
	return ws.id
}

// Start begins processing the WebSocket connection
func (ws *WSConnection) Start() {
	go ws.readPump()
	go ws.writePump()
}

// SendMessage queues a message to be sent to the client
func (ws *WSConnection) SendMessage(msg *protocol.Message) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return fmt.Errorf("connection %s closed", ws.id)
	}

	select {
	case ws.sendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close closes the WebSocket connection and routes the loss to the protocol handler
func (ws *WSConnection) Close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	ws.mu.Unlock()

	close(ws.closeCh)
	ws.conn.Close()
	ws.server.unregister(ws)
	ws.server.handler.Disconnect(ws.id)
}

// readPump reads messages from the WebSocket
func (ws *WSConnection) readPump() {
	defer ws.Close()

	if limit := ws.server.config.WebSocket.MaxMessageBytes; limit > 0 {
		ws.conn.SetReadLimit(limit)
	}
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := logrus.WithField("conn_id", ws.id)
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("WebSocket read error")
			}
			return
		}
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))

		if ws.limiter != nil {
			if err := ws.limiter.Wait(ws.server.ctx); err != nil {
				return
			}
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("Failed to unmarshal message")
			continue
		}

		ws.server.handler.HandleClientMessage(ws.id, &msg)
	}
}

// writePump writes messages to the WebSocket and keeps it alive with pings
func (ws *WSConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	log := logrus.WithField("conn_id", ws.id)
	for {
		select {
		case msg := <-ws.sendCh:
			data, err := json.Marshal(msg)
			if err != nil {
				log.WithError(err).Error("Failed to marshal message")
				continue
			}

			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithError(err).Debug("Failed to write message")
				return
			}
			log.WithFields(logrus.Fields{
				"method":     msg.Method,
				"request_id": msg.RequestID,
			}).Trace("WS sent")

		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ws.closeCh:
			return
		}
	}
}
