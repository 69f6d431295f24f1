package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Patronage/app/repository"
	"github.com/ManuelReschke/Patronage/internal/pkg/session"
	"github.com/ManuelReschke/Patronage/internal/pkg/usercontext"
)

var anonymous = usercontext.UserContext{IsLoggedIn: false, IsAdmin: false}

// UserContextMiddleware resolves the session cookie into a UserContext for
// every request. The email is cached in the session after the first lookup.
func UserContextMiddleware(users repository.UserRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		store := session.GetSessionStore()
		if store == nil {
			usercontext.SetUserContext(c, anonymous)
			return c.Next()
		}

		sess, err := store.Get(c)
		if err != nil {
			usercontext.SetUserContext(c, anonymous)
			return c.Next()
		}

		userID, ok := sess.Get(usercontext.KeyUserID).(uint)
		if !ok || userID == 0 {
			usercontext.SetUserContext(c, anonymous)
			return c.Next()
		}

		username, _ := sess.Get(usercontext.KeyUsername).(string)
		email, _ := sess.Get(usercontext.KeyEmail).(string)
		isAdmin, _ := sess.Get(usercontext.KeyIsAdmin).(bool)

		if email == "" && users != nil {
			user, err := users.GetByID(userID)
			if err != nil {
				log.Warnf("[Auth] Session user %d could not be loaded: %v", userID, err)
				usercontext.SetUserContext(c, anonymous)
				return c.Next()
			}
			email = user.Email
			username = user.Name
			sess.Set(usercontext.KeyEmail, email)
			sess.Set(usercontext.KeyUsername, username)
			if err := sess.Save(); err != nil {
				log.Warnf("[Auth] Failed to cache session email: %v", err)
			}
		}

		usercontext.SetUserContext(c, usercontext.UserContext{
			UserID:     userID,
			Username:   username,
			Email:      email,
			IsLoggedIn: true,
			IsAdmin:    isAdmin,
		})
		return c.Next()
	}
}
