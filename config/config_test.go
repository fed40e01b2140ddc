package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8080", cfg.ServerPort())
	assert.NotEmpty(t, cfg.DatabaseURL)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.TypingExpiry)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("PORT", "9090")
	t.Setenv("HEARTBEAT_TIMEOUT", "30s")
	t.Setenv("TYPING_EXPIRY", "2s")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example,http://b.example")

	cfg := Load()

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 2*time.Second, cfg.TypingExpiry)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())

	bad := Load()
	bad.JWTSecret = ""
	assert.Error(t, bad.Validate())

	bad = Load()
	bad.Environment = "staging"
	assert.Error(t, bad.Validate())

	bad = Load()
	bad.HeartbeatTimeout = 0
	assert.Error(t, bad.Validate())

	bad = Load()
	bad.TypingExpiry = -time.Second
	assert.Error(t, bad.Validate())
}

func TestString(t *testing.T) {
	cfg := Load()
	s := cfg.String()
	assert.Contains(t, s, cfg.Environment)
	assert.NotContains(t, s, cfg.JWTSecret)
}
