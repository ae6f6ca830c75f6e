// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and the per-connection protocol state machine.
package server

import (
	"errors"
	"io"
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client represents a WebSocket client connection in the chat system.
// It stays unregistered until its first successful register envelope.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	router         *Router
	addr           string
	closed         bool
	session        *Session
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            *zap.Logger
}

// NewClient creates a new Client for conn. conn may be nil in tests that
// never start the pumps.
func NewClient(conn *websocket.Conn, hub *Hub, router *Router, addr string, cfg Config, log *zap.Logger) *Client {
	cfg = sanitizeConfig(cfg)
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		hub:            hub,
		router:         router,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit()),
		rateLimit:      cfg.RateLimit(),
		log:            log.With(zap.String("remote", addr)),
	}
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError reports why the read loop is about to stop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		c.log.Warn("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit takes a token for one inbound message. A message over the
// limit is discarded and the sender is told so.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("Rate limit exceeded; discarding message",
			zap.Int("burst", c.rateLimit.Burst), zap.Duration("interval", c.rateLimit.RefillInterval))
		c.hub.send(c, wire.Notice(wire.CodeRateLimited, "Too many messages; this one was dropped. Slow down."))
		return false
	}
	return true
}

// processMessage decodes one inbound envelope and acts on it. It returns
// false when the connection has to be closed.
func (c *Client) processMessage(raw []byte) bool {
	env, err := wire.Decode(raw)
	if err != nil {
		c.log.Warn("Dropping malformed envelope", zap.Error(err))
		text := "Malformed message dropped."
		if errors.Is(err, wire.ErrUnsupportedVersion) {
			text = "Unsupported protocol version; message dropped."
		}
		c.hub.send(c, wire.Notice(wire.CodeInvalidEnvelope, text))
		return true
	}
	return c.dispatch(env)
}

func (c *Client) dispatch(env wire.Envelope) bool {
	if !env.Kind.ClientOriginated() {
		c.hub.send(c, wire.Notice(wire.CodeUnsupportedKind, "Clients cannot send "+string(env.Kind)+"."))
		return true
	}

	if c.session == nil {
		if env.Kind != wire.KindRegister {
			c.hub.send(c, wire.Notice(wire.CodeNotRegistered, "Register a username first."))
			return true
		}
		_, err := c.hub.Register(c, env.Text)
		return err == nil
	}

	username := c.session.Username
	switch env.Kind {
	case wire.KindRegister:
		_, _ = c.hub.Register(c, env.Text)
	case wire.KindStartChat:
		if _, err := c.hub.StartChat(username, env.TargetUser); err != nil {
			c.log.Debug("Start chat refused", zap.String("user", username), zap.Error(err))
		}
	case wire.KindSendMessage:
		if _, err := c.router.Route(c.hub.Context(), c.session, env.TargetUser, env.Text); err != nil {
			c.log.Debug("Message not routed", zap.String("user", username), zap.Error(err))
		}
	case wire.KindStatusUpdate:
		if err := c.hub.SetStatus(username, *env.Status); err != nil {
			c.log.Debug("Status update refused", zap.String("user", username), zap.Error(err))
		}
	}
	return true
}

// readPump reads envelopes until the connection fails or has to be closed.
// Unregistering closes the send channel, which makes writePump flush what is
// queued, send a close frame and close the socket.
func (c *Client) readPump() {
	defer c.hub.Unregister(c)

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.processMessage(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the socket; both pumps notice and exit.
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("Error closing connection", zap.Error(err))
	}
}

// handleMessage writes one envelope per WebSocket message, or the close frame
// once the hub has closed the send channel.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("Error writing close message", zap.Error(err))
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}
