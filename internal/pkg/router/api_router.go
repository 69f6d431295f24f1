package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/Patronage/app/controllers"
	"github.com/ManuelReschke/Patronage/app/repository"
	"github.com/ManuelReschke/Patronage/internal/pkg/env"
	"github.com/ManuelReschke/Patronage/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", cors.New(cors.Config{
		AllowOrigins: env.GetEnv("CORS_ALLOW_ORIGINS", "*"),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key",
	}), limiter.New(limiter.Config{
		Max:        60,
		Expiration: 1 * time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	billing := controllers.GetBillingController()
	account := controllers.GetAccountController()
	auth := middleware.APIAuthMiddleware(repository.GetGlobalFactory().GetUserRepository())

	v1 := api.Group("/v1")

	// Public
	v1.Post("/account/claim", billing.HandleClaimAccount)
	v1.Get("/creators/:id/products", account.HandleListCreatorProducts)

	// API key or session
	v1.Post("/checkout/finalize", auth, billing.HandleFinalizeCheckout)
	v1.Get("/checkout/status", auth, account.HandleCheckoutStatus)
	v1.Get("/memberships/:id", auth, account.HandleGetMembership)
	v1.Post("/memberships/:id/cancel", auth, billing.HandleCancelMembership)
	v1.Post("/memberships/:id/resume", auth, billing.HandleResumeMembership)
	v1.Post("/connect/sync", auth, billing.HandleConnectSync)
	v1.Get("/account/memberships", auth, account.HandleListMemberships)
	v1.Get("/account/orders", auth, account.HandleListOrders)
	v1.Get("/orders/:id", auth, account.HandleGetOrder)

	// Operators
	adminQueue := controllers.GetAdminQueueController()
	admin := v1.Group("/admin", auth, middleware.RequireAPIAdmin)
	admin.Get("/queue", adminQueue.HandleQueueStats)
	admin.Get("/queue/jobs/:id", adminQueue.HandleGetJob)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
