/*
Package main is the entry point for the CallHub signaling server.

It is responsible for loading configuration, initializing the global logging system,
opening the store, wiring the presence registry and relays into the WebSocket Hub,
setting up the HTTP server, and gracefully handling operating system interrupt
signals (SIGINT, SIGTERM) to ensure a smooth server shutdown.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"callhub/internal/app/calllog"
	"callhub/internal/app/chat"
	"callhub/internal/app/db"
	"callhub/internal/app/gateway"
	"callhub/internal/app/presence"
	"callhub/internal/app/rooms"
	"callhub/internal/app/signaling"
	"callhub/internal/app/store"
	"callhub/internal/app/user"
	"callhub/internal/configs"
	"callhub/internal/handler"
	"callhub/internal/pkg/auth/jwt"
	"callhub/internal/pkg/limiter"
	"callhub/internal/pkg/logx"
)

// Demo identities seeded into the memory store.
var demoUsers = []user.User{
	{ID: "7d0b6c0e-3f4e-4a57-9c1e-1a2b3c4d5e01", Name: "Alice"},
	{ID: "7d0b6c0e-3f4e-4a57-9c1e-1a2b3c4d5e02", Name: "Bob"},
}

const demoRoomID = "7d0b6c0e-3f4e-4a57-9c1e-1a2b3c4d5e10"

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("store_driver", cfg.StoreDriver).
		Int("send_queue_size", cfg.SendQueueSize).
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStore(ctx, cfg)
	defer closeStore()

	// Wire the realtime core
	registry := presence.NewRegistry()
	resolver := rooms.NewResolver(st)
	chatRelay := chat.NewRelay(resolver, st, st, registry, chat.Options{MaxContentBytes: cfg.MaxContentBytes})
	signalingRelay := signaling.NewRelay(registry)

	eventLimiter := limiter.NewKeyedLimiter(rate.Limit(cfg.EventRate), cfg.EventBurst)
	defer eventLimiter.Stop()

	hub := gateway.NewHub(registry, chatRelay, signalingRelay, gateway.Options{
		SendQueueSize: cfg.SendQueueSize,
		Events:        eventLimiter,
	})

	// Setup HTTP server and routes
	router := handler.Router(&handler.AppDeps{
		Config:        cfg,
		Hub:           hub,
		Authenticator: jwt.NewAuthenticator(cfg.JWTSecret, st),
		Resolver:      resolver,
		Rooms:         st,
		CallLogs:      calllog.NewService(st, st),
	})

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("CallHub Server starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 5 seconds.
	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Hub did not stop in time")
	}

	logx.Info("Server gracefully stopped.")
}

// openStore returns the configured store and its release function.
func openStore(ctx context.Context, cfg *configs.AppConfig) (store.Store, func()) {
	if cfg.StoreDriver == configs.StoreDriverMemory {
		mem := store.NewMemory()
		ids := make([]string, 0, len(demoUsers))
		for _, u := range demoUsers {
			mem.AddUser(u)
			ids = append(ids, u.ID)
		}
		mem.AddRoom(demoRoomID, ids...)

		if cfg.IsDevelopment() {
			logDemoTokens(cfg.JWTSecret)
		}
		return mem, func() {}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
	if err != nil {
		logx.Fatal(err, "Failed to open database")
	}
	return store.NewPostgres(pool), pool.Close
}

// logDemoTokens prints identity tokens for the seeded users.
func logDemoTokens(secret string) {
	for _, u := range demoUsers {
		token, err := jwt.GenerateToken(&jwt.Payload{ID: u.ID, Name: u.Name}, secret, jwt.UserIdentityExpiration)
		if err != nil {
			logx.Error(err, "Failed to sign demo token", "user", u.Name)
			continue
		}
		logx.Info("Demo identity", "user", u.Name, "id", u.ID, "token", token)
	}
}
