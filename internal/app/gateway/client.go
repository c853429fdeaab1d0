/*
Package gateway owns the lifecycle of realtime connections.

This file defines the Client struct, representing an active WebSocket connection
bound to one authenticated identity. It runs the read and write pumps, decodes
inbound events and hands them to the Hub, and queues outbound events without
blocking the sender.
*/
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"callhub/internal/app/event"
	"callhub/internal/app/user"
	"callhub/internal/pkg/errs"
	"callhub/internal/pkg/logx"
	"callhub/internal/pkg/randx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client. Session
	// descriptions are the largest payloads.
	maxMessageSize = 64 << 10

	// WsCloseCodeSessionKicked is a custom WebSocket Close Code (4000-4999 range)
	// used to signal the client that the session was replaced by a new connection.
	WsCloseCodeSessionKicked = 4001
)

var (
	// ErrClientClosed is returned by Deliver after the connection has shut down.
	ErrClientClosed = errors.New("client closed")

	// ErrSendQueueFull is returned by Deliver when the outbound queue is full.
	ErrSendQueueFull = errors.New("client send queue full")
)

// Client struct represents an active WebSocket connection and its associated user.
type Client struct {
	// id uniquely identifies this connection.
	id string

	// hub dispatches inbound events and is notified on disconnect.
	hub *Hub

	// underlying WebSocket connection object.
	conn *websocket.Conn

	// associated authenticated user.
	user user.User

	// a buffered channel used to queue messages waiting to be sent to the client.
	send chan []byte

	// closed is closed once the client starts shutting down.
	closed    chan struct{}
	closeOnce sync.Once

	// structured logger with client context.
	logger zerolog.Logger
}

func newClient(hub *Hub, wsConn *websocket.Conn, u user.User, queueSize int) *Client {
	id := randx.ConnID()

	return &Client{
		id:     id,
		hub:    hub,
		conn:   wsConn,
		user:   u,
		send:   make(chan []byte, queueSize),
		closed: make(chan struct{}),
		logger: logx.Logger().With().
			Str("component", "gateway").
			Str("client_id", u.ID).
			Str("conn_id", id).
			Logger(),
	}
}

// ID implements presence.Conn.
func (c *Client) ID() string { return c.id }

// UserID implements presence.Conn.
func (c *Client) UserID() string { return c.user.ID }

// User returns the authenticated identity of the connection.
func (c *Client) User() user.User { return c.user }

// Deliver marshals env and queues it for the write pump. It never blocks: a full
// queue drops the event.
func (c *Client) Deliver(env event.Envelope) error {
	messageBytes, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("event", env.Type).Msg("Error marshaling event for client")
		return err
	}

	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- messageBytes:
		return nil
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Str("event", env.Type).Msg("Client send channel full, dropping message")
		return ErrSendQueueFull
	}
}

// SendError sends an error event to this connection only.
func (c *Client) SendError(err error) {
	var customErr *errs.CustomError
	if !errors.As(err, &customErr) {
		customErr = errs.NewError(errs.ErrUnknown, err)
	}

	env, buildErr := event.New(event.TypeError, event.Error{
		Code:    customErr.Code,
		Message: customErr.Message,
	})
	if buildErr != nil {
		c.logger.Error().Err(buildErr).Msg("Failed to build error event")
		return
	}

	if err := c.Deliver(env); err != nil {
		c.logger.Error().Err(err).Msg("Failed to queue error event")
	}
}

// ReadPump handles reading messages from the WebSocket connection.
// It handles heartbeats (Pong), event decoding, and performs cleanup upon connection closure.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, WsCloseCodeSessionKicked) {
				c.logger.Info().Err(err).Msg("Error reading message (Client close/going away)")
			}
			break
		}

		c.processInboundMessage(messageBytes)
	}
}

// processInboundMessage decodes one frame and dispatches it. A panic while
// handling the event is recovered and logged so the connection keeps reading.
func (c *Client) processInboundMessage(messageBytes []byte) {
	var env event.Envelope
	if err := json.Unmarshal(messageBytes, &env); err != nil || env.Type == "" {
		c.logger.Warn().
			Err(err).
			Int("message_len", len(messageBytes)).
			Msg("Client sent invalid JSON")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Err(fmt.Errorf("panic: %v", rec)).
				Str("event", env.Type).
				Msg("Recovered from panic in event handler")
		}
	}()

	c.hub.dispatch(c, env)
}

// cleanupOnDisconnect handles the necessary cleanup steps when the client's ReadPump terminates.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Info().Msg("Client connection cleanup starting.")

	c.shutdown()
	c.hub.disconnect(c)

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// WritePump handles writing messages from the Client.send channel to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		// ensure the connection is closed on exit so ReadPump unblocks
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case message := <-c.send:
			if !c.writeQueuedMessage(message) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}

		case <-c.closed:
			return
		}
	}
}

// writeQueuedMessage writes one queued message to the WebSocket.
// Returns true if the WritePump loop should continue, false if it should terminate.
func (c *Client) writeQueuedMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePingMessage sends a periodic WebSocket Ping message to maintain the connection heartbeat.
// Returns false if the WritePump loop should terminate due to write failure.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// shutdown stops the write pump. Safe to call more than once.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Close sends a close frame with the given code and reason, then stops the client.
// WriteControl may run concurrently with the write pump.
func (c *Client) Close(code int, reason string) {
	closeMessage := websocket.FormatCloseMessage(code, reason)

	if err := c.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Int("close_code", code).Msg("Failed to send WS Close Message.")
	}

	c.shutdown()
}

// Kick closes the connection with code 4001, telling the client its session was
// replaced by a newer connection.
func (c *Client) Kick(reason string) {
	c.logger.Warn().
		Int("close_code", WsCloseCodeSessionKicked).
		Str("reason", reason).
		Msg("Sending WS Kick message and closing connection.")

	c.Close(WsCloseCodeSessionKicked, reason)
}
