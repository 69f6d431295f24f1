package session

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Patronage/internal/pkg/cache"
	"github.com/ManuelReschke/Patronage/internal/pkg/env"
)

func useMiniredis(t *testing.T) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache.SetClient(client)
}

func TestNewSessionStoreDefaults(t *testing.T) {
	useMiniredis(t)
	env.Env = map[string]string{}
	defer func() { env.Env = nil }()

	store := NewSessionStore()
	require.NotNil(t, store)
	assert.Same(t, store, GetSessionStore())
	assert.Equal(t, "cookie:session_id", store.KeyLookup)
	assert.Equal(t, time.Hour, store.Expiration)
	assert.False(t, store.CookieSecure)
}

func TestNewSessionStoreFollowsWebAppSettings(t *testing.T) {
	useMiniredis(t)
	env.Env = map[string]string{
		"SESSION_COOKIE":        "creator_sid",
		"SESSION_TTL_MINUTES":   "240",
		"SESSION_COOKIE_SECURE": "true",
		"SESSION_REDIS_DB":      "not-a-number",
	}
	defer func() { env.Env = nil }()

	store := NewSessionStore()
	assert.Equal(t, "cookie:creator_sid", store.KeyLookup)
	assert.Equal(t, 4*time.Hour, store.Expiration)
	assert.True(t, store.CookieSecure)
	assert.Equal(t, 1, envInt("SESSION_REDIS_DB", 1))
}
