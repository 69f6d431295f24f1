package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/app/repository"
	"github.com/ManuelReschke/Patronage/internal/pkg/usercontext"
)

// APIKeyAuthMiddleware authenticates requests carrying a user API key header.
func APIKeyAuthMiddleware(users repository.UserRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		return authenticateAPIKey(c, users, apiKey)
	}
}

// APIAuthMiddleware accepts either an API key or a logged-in session.
// A presented key is always verified, even when a session exists.
func APIAuthMiddleware(users repository.UserRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if apiKey := extractAPIKeyFromHeader(c); apiKey != "" {
			return authenticateAPIKey(c, users, apiKey)
		}
		return RequireAPISessionAuth(c)
	}
}

func authenticateAPIKey(c *fiber.Ctx, users repository.UserRepository, apiKey string) error {
	user, settings, err := users.GetByAPIKeyHash(models.HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		log.Errorf("[Auth] API key lookup failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "API key verification failed"})
	}

	if !user.IsActive() {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "User inactive"})
	}

	// Refresh last-used timestamp best-effort.
	if err := users.TouchAPIKeyUsage(settings.ID); err != nil {
		log.Warnf("[Auth] Failed to update API key usage for user %d: %v", user.ID, err)
	}

	usercontext.SetUserContext(c, usercontext.UserContext{
		UserID:     user.ID,
		Username:   user.Name,
		Email:      user.Email,
		IsLoggedIn: true,
		IsAdmin:    user.Role == models.ROLE_ADMIN,
	})

	return c.Next()
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
