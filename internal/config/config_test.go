package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 5*time.Minute, cfg.Attendance.LateThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Attendance.DefaultSessionDuration)
	assert.Equal(t, 30*time.Second, cfg.Attendance.QRRotationInterval)
	assert.Equal(t, 200, cfg.Attendance.MaxPageSize)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_BACKEND", "MEMORY")
	t.Setenv("LATE_THRESHOLD", "90s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 90*time.Second, cfg.Attendance.LateThreshold)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 30, cfg.RateLimitPerMin)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "kafka")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_BACKEND")
}

func TestProductionRequiresSigningKey(t *testing.T) {
	t.Setenv("APP_ENV", EnvProduction)

	_, err := Load()
	require.Error(t, err)

	t.Setenv("JWT_SIGNING_KEY", "a-real-secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
