package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"ENVIRONMENT", "PORT", "ALLOWED_ORIGINS", "JWT_SECRET", "STORE_DRIVER", "DATABASE_URL",
		"ICE_SERVERS", "SEND_QUEUE_SIZE", "MAX_CONTENT_BYTES", "EVENT_RATE", "EVENT_BURST"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.NotEmpty(t, cfg.DatabaseDSN)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, 5000, cfg.MaxContentBytes)
	assert.Equal(t, 20.0, cfg.EventRate)
	assert.Equal(t, 40, cfg.EventBurst)
}

func TestLoadConfigProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE_DRIVER", StoreDriverMemory)
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
	assert.Empty(t, cfg.DatabaseDSN, "the memory store needs no database")

	t.Setenv("STORE_DRIVER", StoreDriverPostgres)
	t.Setenv("DATABASE_URL", "")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")

	t.Setenv("PORT", "80")
	_, err := LoadConfig()
	assert.Error(t, err)
	t.Setenv("PORT", "")

	t.Setenv("STORE_DRIVER", "sqlite")
	_, err = LoadConfig()
	assert.Error(t, err)
	t.Setenv("STORE_DRIVER", "")

	t.Setenv("SEND_QUEUE_SIZE", "0")
	_, err = LoadConfig()
	assert.Error(t, err)
	t.Setenv("SEND_QUEUE_SIZE", "")

	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("ICE_SERVERS", "stun:one:3478,turn:two:3478")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"stun:one:3478", "turn:two:3478"}, cfg.ICEServers)
}

func TestLoadPeerConfig(t *testing.T) {
	t.Setenv("PEER_TOKEN", "")
	_, err := LoadPeerConfig()
	assert.Error(t, err)

	t.Setenv("PEER_TOKEN", "tok")
	t.Setenv("PEER_SERVER_URL", "https://calls.example.com/")
	t.Setenv("PEER_CALL_TARGET", "bob")
	t.Setenv("PEER_AUTO_ANSWER", "true")
	t.Setenv("PEER_RING_TIMEOUT", "30s")
	t.Setenv("PEER_HANGUP_AFTER", "")
	t.Setenv("ICE_SERVERS", "")

	cfg, err := LoadPeerConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://calls.example.com", cfg.ServerURL)
	assert.Equal(t, "bob", cfg.CallTarget)
	assert.True(t, cfg.AutoAnswer)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Zero(t, cfg.HangupAfter)
	assert.NotEmpty(t, cfg.ICEServers)

	t.Setenv("PEER_RING_TIMEOUT", "soon")
	_, err = LoadPeerConfig()
	assert.Error(t, err)
}
