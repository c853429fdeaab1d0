/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains the HandleWebSocket function, which is responsible for rate limiting,
authenticating the handshake, upgrading the HTTP connection to WebSocket, and handing
the connection to the Hub.
*/
package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"callhub/internal/pkg/errs"
	"callhub/internal/pkg/limiter"
	"callhub/internal/pkg/logx"
	"callhub/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
// A rejected handshake is answered with 401 before any upgrade happens.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader, rateLimiter *limiter.KeyedLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := limiter.ClientIP(r)

		if !rateLimiter.Allow(ip) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", ip)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		currentUser, err := deps.Authenticator.Authenticate(r)
		if err != nil {
			logx.Warn("WebSocket connection rejected: Authentication failed.", "error", err.Error())
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		deps.Hub.Connect(conn, *currentUser)
	}
}
