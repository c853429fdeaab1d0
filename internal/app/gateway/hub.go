/*
Package gateway owns the lifecycle of realtime connections.

This file defines the Hub, which wires connections into the presence registry,
the chat relay, and the call signaling relay. On connect it registers the
connection (kicking any connection it replaces) and pushes the initial room
list; on disconnect it releases the connection's room subscriptions and its
presence entry.
*/
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"callhub/internal/app/chat"
	"callhub/internal/app/event"
	"callhub/internal/app/presence"
	"callhub/internal/app/signaling"
	"callhub/internal/app/user"
	"callhub/internal/pkg/errs"
	"callhub/internal/pkg/limiter"
	"callhub/internal/pkg/logx"
)

const (
	// DefaultSendQueueSize is the outbound buffer of each connection.
	DefaultSendQueueSize = 256

	// eventTimeout bounds the store work done for one inbound event.
	eventTimeout = 5 * time.Second
)

// Options tunes a Hub.
type Options struct {
	// SendQueueSize is the outbound buffer of each connection.
	SendQueueSize int

	// Events limits inbound events per identity. Nil disables limiting.
	Events *limiter.KeyedLimiter
}

// Hub coordinates all live connections.
type Hub struct {
	presence  *presence.Registry
	chat      *chat.Relay
	signaling *signaling.Relay
	events    *limiter.KeyedLimiter
	queueSize int

	// ctx is cancelled on Shutdown and parents every event context.
	ctx    context.Context
	cancel context.CancelFunc

	// mu protects clients.
	mu      sync.Mutex
	clients map[*Client]struct{}

	// wg tracks running pumps.
	wg sync.WaitGroup

	logger zerolog.Logger
}

// NewHub creates a Hub.
func NewHub(registry *presence.Registry, chatRelay *chat.Relay, signalingRelay *signaling.Relay, opts Options) *Hub {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultSendQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		presence:  registry,
		chat:      chatRelay,
		signaling: signalingRelay,
		events:    opts.Events,
		queueSize: opts.SendQueueSize,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*Client]struct{}),
		logger:    logx.Component("hub"),
	}
}

// Connect binds an upgraded websocket to u and runs it until it disconnects.
// It blocks on the read pump, so callers run it on the handler goroutine.
func (h *Hub) Connect(wsConn *websocket.Conn, u user.User) {
	client := h.attach(wsConn, u)
	if client == nil {
		return
	}

	go func() {
		defer h.wg.Done()
		client.WritePump()
	}()

	defer h.wg.Done()
	client.ReadPump()
}

// attach registers a new client for u and queues its initial room list. The
// caller must run both pumps. It returns nil after Shutdown.
func (h *Hub) attach(wsConn *websocket.Conn, u user.User) *Client {
	client := newClient(h, wsConn, u, h.queueSize)

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		wsConn.Close()
		return nil
	}
	h.clients[client] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	if prev := h.presence.Register(u.ID, client); prev != nil {
		if old, ok := prev.(*Client); ok {
			old.Kick("Session replaced by new connection. Check other tabs.")
		}
	}

	ctx, cancel := context.WithTimeout(h.ctx, eventTimeout)
	defer cancel()

	env, err := h.chat.RoomList(ctx, u.ID)
	if err != nil {
		client.logger.Error().Err(err).Msg("Failed to build initial room list")
	} else if err := client.Deliver(env); err != nil {
		client.logger.Warn().Err(err).Msg("Failed to queue initial room list")
	}

	client.logger.Info().Int("online", h.presence.Online()).Msg("WebSocket connection established and client registered")
	return client
}

// disconnect releases everything held by c. A replaced connection's presence
// entry belongs to its successor and is left alone.
func (h *Hub) disconnect(c *Client) {
	h.chat.LeaveAll(c)
	h.presence.Unregister(c.user.ID, c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// dispatch routes one inbound event.
func (h *Hub) dispatch(c *Client, env event.Envelope) {
	if h.events != nil && !h.events.Allow(c.user.ID) {
		c.logger.Warn().Str("event", env.Type).Msg("Inbound event rate limit exceeded")
		c.SendError(errs.NewError(errs.ErrRateLimitExceeded))
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, eventTimeout)
	defer cancel()

	var err error

	switch env.Type {
	case event.TypeJoinRoom:
		var p event.RoomRequest
		if err = env.Decode(&p); err == nil {
			err = h.chat.Join(ctx, c, p.RoomID)
		}

	case event.TypeLeaveRoom:
		var p event.RoomRequest
		if err = env.Decode(&p); err == nil {
			h.chat.Leave(c, p.RoomID)
		}

	case event.TypeSetTyping:
		var p event.TypingRequest
		if err = env.Decode(&p); err == nil {
			err = h.chat.SetTyping(ctx, c, c.user.Name, p.RoomID, p.Typing)
		}

	case event.TypeSendMessage:
		var p event.SendMessageRequest
		if err = env.Decode(&p); err == nil {
			err = h.chat.SendMessage(ctx, c, c.user.Name, p.RoomID, p.Content)
		}

	case event.TypeCallInitiate, event.TypeCallAccept, event.TypeCallReject,
		event.TypeCallOffer, event.TypeCallAnswer, event.TypeCallICE, event.TypeCallEnd:
		var p event.CallRequest
		if err = env.Decode(&p); err == nil {
			h.relayCall(c, env.Type, p)
		}

	default:
		c.logger.Warn().Str("event", env.Type).Msg("Client sent unsupported event type")
		return
	}

	if err == nil {
		return
	}

	var customErr *errs.CustomError
	if errors.As(err, &customErr) {
		c.SendError(customErr)
		return
	}
	c.logger.Warn().Err(err).Str("event", env.Type).Msg("Event dropped")
}

func (h *Hub) relayCall(c *Client, eventType string, req event.CallRequest) {
	switch eventType {
	case event.TypeCallInitiate:
		h.signaling.Initiate(c.user, req)
	case event.TypeCallAccept:
		h.signaling.Accept(c.user, req)
	case event.TypeCallReject:
		h.signaling.Reject(c.user, req)
	case event.TypeCallOffer:
		h.signaling.Offer(c.user, req)
	case event.TypeCallAnswer:
		h.signaling.Answer(c.user, req)
	case event.TypeCallICE:
		h.signaling.ICE(c.user, req)
	case event.TypeCallEnd:
		h.signaling.End(c.user, req)
	}
}

// Clients returns the number of attached connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every connection with "going away" and waits for the pumps to
// exit or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info().Msg("Shutting down hub...")

	h.mu.Lock()
	h.cancel()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Int("closed", len(clients)).Msg("Hub stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
