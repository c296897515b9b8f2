package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_DRIVER", "AUTO_SAVE_INTERVAL_SECONDS", "CORS_ORIGINS", "REDIS_URL", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.AutoSaveInterval)
	assert.Equal(t, 30*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.RedisURL)
	assert.False(t, cfg.Debug())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("AUTO_SAVE_INTERVAL_SECONDS", "2")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "mongo", cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.AutoSaveInterval)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.True(t, cfg.Debug())
}

func TestLoadIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	t.Setenv("MESSAGE_BURST", "-5")

	cfg := Load()

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 200, cfg.MessageBurst)
}
