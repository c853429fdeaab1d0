/*
Package presence maps each online identity to its single live connection.

Registration is last-writer-wins: a new connection for an identity replaces the
previous one, and the caller receives the replaced connection so it can be closed.
Unregistration only removes an entry that still points at the disconnecting
connection, so a late disconnect from a replaced connection never evicts its
successor.
*/
package presence

import (
	"sync"

	"callhub/internal/app/event"
	"callhub/internal/pkg/logx"

	"github.com/rs/zerolog"
)

// Conn is a live, identity-bound connection that events can be delivered to.
type Conn interface {
	// ID uniquely identifies this connection.
	ID() string

	// UserID is the authenticated identity the connection belongs to.
	UserID() string

	// Deliver queues env for sending without blocking. An error means the event was dropped.
	Deliver(env event.Envelope) error
}

// Registry is the process-wide presence map. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Conn
	logger  zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Conn),
		logger:  logx.Component("presence"),
	}
}

// Register makes conn the entry for identity and returns the connection it
// replaced, or nil.
func (r *Registry) Register(identity string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.entries[identity]
	r.entries[identity] = conn
	total := len(r.entries)
	r.mu.Unlock()

	if prev == conn {
		prev = nil
	}

	r.logger.Info().
		Str("client_id", identity).
		Str("conn_id", conn.ID()).
		Bool("replaced", prev != nil).
		Int("online", total).
		Msg("Connection registered.")

	return prev
}

// Unregister removes the entry for identity if it is still conn. It reports
// whether an entry was removed.
func (r *Registry) Unregister(identity string, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.entries[identity]
	removed := ok && current == conn
	if removed {
		delete(r.entries, identity)
	}
	r.mu.Unlock()

	switch {
	case removed:
		r.logger.Info().Str("client_id", identity).Str("conn_id", conn.ID()).Msg("Connection unregistered.")
	case ok:
		r.logger.Info().Str("client_id", identity).Str("stale_conn_id", conn.ID()).Msg("Ignoring unregister for STALE connection.")
	default:
		r.logger.Debug().Str("client_id", identity).Msg("Unregister for unknown identity ignored.")
	}

	return removed
}

// Lookup returns the live connection of identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.entries[identity]
	return conn, ok
}

// Deliver sends env to identity's live connection. It reports false when the
// identity is offline or the connection dropped the event.
func (r *Registry) Deliver(identity string, env event.Envelope) bool {
	conn, ok := r.Lookup(identity)
	if !ok {
		return false
	}
	if err := conn.Deliver(env); err != nil {
		r.logger.Warn().Err(err).Str("client_id", identity).Str("event", env.Type).Msg("Delivery dropped.")
		return false
	}
	return true
}

// Online returns the number of registered identities.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
