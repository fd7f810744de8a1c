package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:9090", cfg.Server.Address)
	assert.Equal(t, "http://localhost:9090", cfg.Server.PublicURL)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "pair_chat", cfg.Mongo.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.EqualValues(t, 10, cfg.Auth.LoginLimit)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LoginWindow)
	assert.EqualValues(t, 5<<20, cfg.Chat.MaxUploadBytes)
	assert.Equal(t, 4, cfg.Chat.PersistWorkers)
	assert.Equal(t, 100, cfg.Chat.MaxPageSize)
	assert.False(t, cfg.Chat.InMemory)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")
	t.Setenv("SERVER_ADDRESS", ":8080")
	t.Setenv("AUTH_TOKEN_TTL", "1h")
	t.Setenv("CHAT_IN_MEMORY", "true")
	t.Setenv("CHAT_PERSIST_WORKERS", "8")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.True(t, cfg.Chat.InMemory)
	assert.Equal(t, 8, cfg.Chat.PersistWorkers)
	assert.Equal(t, 3, cfg.Redis.DB)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s3cret")
	t.Setenv("SERVER_PUBLIC_URL", "not a url")
	t.Setenv("CHAT_PERSIST_WORKERS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PUBLIC_URL")
	assert.Contains(t, err.Error(), "CHAT_PERSIST_WORKERS")
}
