/*
Package peerclient connects a headless call peer to the signaling server.

The Signaler holds the peer's WebSocket connection: it sends events on behalf of
the call state machine and hands every inbound event to a handler. The API type
wraps the REST endpoints the peer needs (call logging and ICE configuration).
*/
package peerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"callhub/internal/app/event"
	"callhub/internal/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	// closeCodeSessionKicked is sent by the server when a newer connection
	// for the same identity replaced this one.
	closeCodeSessionKicked = 4001
)

var (
	// ErrSessionReplaced is returned by Run when the server kicked this connection.
	ErrSessionReplaced = errors.New("session replaced by a newer connection")

	// ErrUnauthorized is returned by Dial when the server refused the token.
	ErrUnauthorized = errors.New("signaling server rejected the token")
)

// WebSocketURL derives the /ws endpoint of serverURL, carrying token as a query parameter.
func WebSocketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Signaler is a WebSocket connection to the signaling server. Send is safe for
// concurrent use.
type Signaler struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	logger zerolog.Logger
}

// Dial opens the signaling connection.
func Dial(ctx context.Context, serverURL, token string) (*Signaler, error) {
	wsURL, err := WebSocketURL(serverURL, token)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	return &Signaler{
		conn:   conn,
		done:   make(chan struct{}),
		logger: logx.Component("peerclient"),
	}, nil
}

// Send writes one event to the server.
func (s *Signaler) Send(eventType string, payload any) error {
	env, err := event.New(eventType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}

	s.logger.Debug().Str("event", eventType).Msg("Event sent.")
	return nil
}

// Run reads events and passes each to handle until ctx is cancelled or the
// connection ends. Cancelling ctx closes the connection normally and returns nil.
func (s *Signaler) Run(ctx context.Context, handle func(event.Envelope)) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.keepAlive(ctx)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if websocket.IsCloseError(err, closeCodeSessionKicked) {
				return ErrSessionReplaced
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read signaling event: %w", err)
		}

		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.logger.Warn().Err(err).Int("message_len", len(data)).Msg("Server sent invalid event.")
			continue
		}
		handle(env)
	}
}

// keepAlive pings the server and closes the connection once ctx is done.
func (s *Signaler) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("Ping failed.")
				return
			}
		}
	}
}

// Close sends a normal close frame and releases the connection. Safe to call more than once.
func (s *Signaler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		if werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil {
			s.logger.Debug().Err(werr).Msg("Failed to send close frame.")
		}
		err = s.conn.Close()
	})
	return err
}
