package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/Patronage/app/controllers"
	"github.com/ManuelReschke/Patronage/app/repository"
	"github.com/ManuelReschke/Patronage/internal/pkg/metrics"
	"github.com/ManuelReschke/Patronage/internal/pkg/middleware"
	"github.com/ManuelReschke/Patronage/internal/pkg/session"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware(repository.GetGlobalFactory().GetUserRepository()))

	controllers.InitializeAccountController()

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", metrics.Handler())

	// Processor webhooks: no auth, no limiter, signature-verified in the controller
	app.Post("/webhooks/stripe", controllers.GetBillingController().HandleStripeWebhook)

	// Onboarding return lands in the browser with the session cookie
	app.Get("/connect/return", middleware.RequireAuth, controllers.GetBillingController().HandleConnectReturn)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
