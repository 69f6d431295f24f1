package session

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/Patronage/internal/pkg/cache"
	"github.com/ManuelReschke/Patronage/internal/pkg/env"
)

var sessionStore *session.Store

// NewSessionStore opens the session store shared with the main web app.
// Sessions are only read here, so cookie name, Redis database and lifetime
// must match what the web app writes.
func NewSessionStore() *session.Store {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	storage := redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: envInt("SESSION_REDIS_DB", 1),
		Reset:    false,
	})

	sessionStore = session.New(session.Config{
		Storage:        storage,
		CookieHTTPOnly: true,
		CookieSecure:   env.GetEnv("SESSION_COOKIE_SECURE", "false") == "true",
		Expiration:     time.Duration(envInt("SESSION_TTL_MINUTES", 60)) * time.Minute,
		KeyLookup:      "cookie:" + env.GetEnv("SESSION_COOKIE", "session_id"),
	})

	return sessionStore
}

func GetSessionStore() *session.Store {
	return sessionStore
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(env.GetEnv(key, ""))
	if err != nil || v < 0 {
		return def
	}
	return v
}
