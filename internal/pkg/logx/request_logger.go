/*
Package logx provides a structured logging wrapper based on zerolog.

This file contains the HTTP request logging middleware. Client IPs are anonymized
and credentials carried in the query string are redacted before anything is written.
WebSocket upgrades are logged when the handshake arrives and again when the
connection ends, since the handler only returns on disconnect.
*/
package logx

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// anonymizeIP anonymizes the given IP address string.
// For IPv4, it zeros out the last octet; for IPv6, it zeros out the interface half.
// This preserves approximate geolocation while enhancing user privacy.
func anonymizeIP(ipStr string) string {
	host, _, err := net.SplitHostPort(ipStr)
	if err == nil {
		ipStr = host
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown_ip"
	}

	if ip.IsLoopback() {
		return "127.0.0.1"
	}

	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}

	if v6 := ip.To16(); v6 != nil {
		masked := make(net.IP, net.IPv6len)
		copy(masked, v6[:8])
		return masked.String()
	}

	return ipStr
}

// redactedParams are query parameters whose values never reach the logs.
var redactedParams = []string{"token"}

// redactURI masks credential query parameters in a request URI.
func redactURI(requestURI string) string {
	u, err := url.ParseRequestURI(requestURI)
	if err != nil || u.RawQuery == "" {
		return requestURI
	}

	q := u.Query()
	changed := false
	for _, name := range redactedParams {
		if q.Has(name) {
			q.Set(name, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return requestURI
	}

	u.RawQuery = q.Encode()
	return u.RequestURI()
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// RequestLogger returns an HTTP middleware function that logs detailed information about the HTTP request.
// It creates a new logger instance for each request and injects it into the request context.
func RequestLogger() func(next http.Handler) http.Handler {
	baseLogger := Logger()

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			requestID := middleware.GetReqID(r.Context())

			anonIP := anonymizeIP(r.RemoteAddr)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			logger := baseLogger.With().
				Str("component", "http").
				Str("request_id", requestID).
				Str("remote_ip", anonIP).
				Str("request_method", r.Method).
				Str("request_uri", redactURI(r.RequestURI)).
				Logger()

			r = r.WithContext(logger.WithContext(r.Context()))

			upgrade := isWebSocketUpgrade(r)
			if upgrade {
				logger.Info().Msg("WebSocket handshake received")
			}

			t1 := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()

			// a hijacked connection never records a status
			if upgrade && (status == 0 || status == http.StatusSwitchingProtocols) {
				logger.Info().Dur("session", time.Since(t1)).Msg("WebSocket session ended")
				return
			}

			logEvent := logger.Info()
			if status >= 500 {
				logEvent = logger.Error()
			} else if status >= 400 {
				logEvent = logger.Warn()
			}

			logEvent.
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(t1)).
				Msg("Request completed")
		}

		return http.HandlerFunc(fn)
	}
}
