/*
Package limiter provides rate limiting keyed by an arbitrary string.

It utilizes the Token Bucket algorithm (rate.Limiter) to control the event frequency
per key. The gateway keys it by client IP for the websocket handshake and by
identity for inbound realtime events. A cleanup goroutine periodically removes
idle limiters.
*/
package limiter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"callhub/internal/pkg/errs"
	"callhub/internal/pkg/logx"
	"callhub/internal/pkg/resp"

	"golang.org/x/time/rate"
)

// cleanupInterval is how often idle limiters are swept.
const cleanupInterval = 3 * time.Minute

// KeyedLimiter implements a concurrency-safe rate limiter per key.
type KeyedLimiter struct {
	// mu is used to protect concurrent access to the limits map.
	mu *sync.RWMutex

	// limits stores the map from key to the *rate.Limiter instance.
	limits map[string]*rate.Limiter

	// r is the rate (rate.Limit) of the limiter, defining the number of events allowed per second.
	r rate.Limit

	// b is the burst size (token bucket size) of the limiter.
	b int

	// done stops the cleanup goroutine.
	done chan struct{}

	stopOnce sync.Once
}

// NewKeyedLimiter creates and returns a new KeyedLimiter instance.
// It accepts rate r and burst capacity b, and starts a background goroutine to periodically clean up idle limiters.
func NewKeyedLimiter(r rate.Limit, b int) *KeyedLimiter {
	k := &KeyedLimiter{
		mu:     &sync.RWMutex{},
		limits: make(map[string]*rate.Limiter),
		r:      r,
		b:      b,
		done:   make(chan struct{}),
	}

	go k.cleanUp()

	return k
}

// GetLimiter retrieves the rate limiter corresponding to the given key.
// If the limiter does not exist, a new one is created and stored in the map.
// It uses a Double-Checked Locking pattern to ensure concurrent-safe creation of new limiters.
func (k *KeyedLimiter) GetLimiter(key string) *rate.Limiter {
	k.mu.RLock()
	limiter, exists := k.limits[key]
	k.mu.RUnlock()

	if !exists {
		k.mu.Lock()
		limiter, exists = k.limits[key]
		if !exists {
			limiter = rate.NewLimiter(k.r, k.b)
			k.limits[key] = limiter
		}
		k.mu.Unlock()
	}

	return limiter
}

// Allow reports whether one more event for key fits in its bucket.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.GetLimiter(key).Allow()
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.limits)
}

// Stop terminates the cleanup goroutine. It is safe to call more than once.
func (k *KeyedLimiter) Stop() {
	k.stopOnce.Do(func() { close(k.done) })
}

// sweep removes limiters whose bucket is full, i.e. keys idle long enough to have refilled.
func (k *KeyedLimiter) sweep(now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	count := 0
	for key, limiter := range k.limits {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(k.limits, key)
			count++
		}
	}
	return count
}

func (k *KeyedLimiter) cleanUp() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.done:
			return
		case now := <-ticker.C:
			removed := k.sweep(now)
			logx.Debug("Rate limiter cleanup finished", "removed", removed, "active", k.Len())
		}
	}
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if ip == "" {
		ip = "unknown_ip"
	}
	return ip
}

// Middleware returns an HTTP middleware that rate limits requests per client IP.
// If a request exceeds the limit, it responds with a 429 Too Many Requests error.
func (k *KeyedLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.Allow(ClientIP(r)) {
			rateLimitErr := errs.NewError(errs.ErrRateLimitExceeded)
			resp.RespondError(w, r, rateLimitErr)
			return
		}

		next.ServeHTTP(w, r)
	})
}
