package server

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/collab"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer = 64
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultReadLimit  = 4 << 20
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("send buffer full")
)

// ConnectionConfig tunes the per-connection pumps.
type ConnectionConfig struct {
	SendBuffer int
	WriteWait  time.Duration
	PongWait   time.Duration
	// PingInterval defaults to nine tenths of PongWait.
	PingInterval time.Duration
	ReadLimit    int64
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

type connectionState int

const (
	stateConnecting connectionState = iota
	stateAuthenticating
	stateHandshaking
	stateJoined
	stateClosed
)

func (s connectionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateHandshaking:
		return "handshaking"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// lifecycle tracks one collaboration request from arrival to teardown. States
// only move forward; a failure before joined goes straight to closed.
type lifecycle struct {
	mu     sync.Mutex
	state  connectionState
	logger *zap.Logger
}

func newLifecycle(logger *zap.Logger) *lifecycle {
	return &lifecycle{state: stateConnecting, logger: logger}
}

func (l *lifecycle) advance(state connectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state <= l.state {
		return
	}
	l.logger.Debug("connection state changed",
		zap.Stringer("from", l.state),
		zap.Stringer("state", state))
	l.state = state
}

func (l *lifecycle) current() connectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// connection is one upgraded WebSocket attached to a document. Outbound
// frames go through a bounded queue drained by writePump; Send never blocks.
type connection struct {
	id     string
	conn   *websocket.Conn
	config ConnectionConfig
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	written   chan struct{}

	*lifecycle
}

func newConnection(id string, conn *websocket.Conn, config ConnectionConfig, logger *zap.Logger, tracker *lifecycle) *connection {
	tracker.advance(stateHandshaking)
	return &connection{
		id:        id,
		conn:      conn,
		config:    config,
		logger:    logger,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		written:   make(chan struct{}),
		lifecycle: tracker,
	}
}

func (c *connection) ID() string {
	return c.id
}

// Send queues message for the write pump. A full queue is a send failure.
func (c *connection) Send(message []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- message:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close stops the write pump, which closes the socket and unblocks the reader.
func (c *connection) Close() {
	c.closeOnce.Do(func() {
		c.advance(stateClosed)
		close(c.done)
	})
}

// writePump owns every write to the socket.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.written)
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.logger.Info("write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Info("ping failed", zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.WriteWait),
			)
			return
		}
	}
}

// readPump feeds inbound frames to document in receipt order until the socket
// fails or the connection is closed.
func (c *connection) readPump(document *collab.Document) {
	c.conn.SetReadLimit(c.config.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})
	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		if messageType != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary frame", zap.Int("message_type", messageType))
			continue
		}
		err = document.HandleMessage(c, frame)
		switch {
		case err == nil:
			c.advance(stateJoined)
		case errors.Is(err, collab.ErrMalformedMessage):
			c.logger.Warn("discarding malformed frame", zap.Int("bytes", len(frame)), zap.Error(err))
		default:
			c.logger.Info("connection detached", zap.Error(err))
			return
		}
	}
}

// wait blocks until the write pump has closed the socket.
func (c *connection) wait() {
	<-c.written
}
