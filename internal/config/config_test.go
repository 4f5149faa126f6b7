package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "memory", cfg.DBBackend)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 10000, cfg.DeliveryCacheSize)

	n, err := cfg.MaxUploadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), n)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("ALLOWED_EXTENSIONS", "PNG, .Jpg")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []string{".png", ".jpg"}, cfg.Extensions())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("DB_BACKEND", "mongo")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "DB_BACKEND")
	})

	t.Run("zero delivery cache", func(t *testing.T) {
		t.Setenv("DELIVERY_CACHE_SIZE", "0")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "DELIVERY_CACHE_SIZE")
	})

	t.Run("default secret in production", func(t *testing.T) {
		t.Setenv("ENV", "production")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "JWT_SECRET")
	})

	t.Run("zero heartbeat", func(t *testing.T) {
		t.Setenv("HEARTBEAT_INTERVAL", "0s")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "HEARTBEAT_INTERVAL")
	})

	t.Run("bad upload size", func(t *testing.T) {
		t.Setenv("MAX_UPLOAD_SIZE", "lots")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "MAX_UPLOAD_SIZE")
	})
}
