package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestDefaultConfig verifies the built-in defaults, including the seven-day
// retention window.
func TestDefaultConfig(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	cfg := NewConfig()
	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
}

// TestSetConfigSanitizes verifies that nonsense values fall back to safe
// defaults instead of propagating.
func TestSetConfigSanitizes(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	SetConfig(&Config{
		Port:           "",
		MaxMessageSize: -1,
		Retention:      -time.Hour,
		SendBufferSize: 0,
	})

	cfg := currentConfig()
	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
}

// TestNewConfigFromEnv verifies environment overrides and the untouched
// defaults for unset variables.
func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9999")
	t.Setenv("MESSAGE_RETENTION", "48h")
	t.Setenv("RATE_LIMIT_BURST", "11")

	cfg := NewConfigFromEnv()
	assert.Equal(t, ":9999", cfg.Port)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
	assert.Equal(t, 11, cfg.RateLimit.Burst)
	assert.Equal(t, "messages.db", cfg.MessageDBPath)
}

// TestNewConfigFromEnvMalformed verifies that a bad environment keeps
// defaults wholesale.
func TestNewConfigFromEnvMalformed(t *testing.T) {
	t.Setenv("MESSAGE_RETENTION", "not-a-duration")

	cfg := NewConfigFromEnv()
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
}
