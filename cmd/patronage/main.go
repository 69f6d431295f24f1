package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/Patronage/app/controllers"
	"github.com/ManuelReschke/Patronage/app/repository"
	"github.com/ManuelReschke/Patronage/internal/pkg/billing"
	"github.com/ManuelReschke/Patronage/internal/pkg/cache"
	"github.com/ManuelReschke/Patronage/internal/pkg/database"
	"github.com/ManuelReschke/Patronage/internal/pkg/env"
	"github.com/ManuelReschke/Patronage/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Patronage/internal/pkg/mail"
	"github.com/ManuelReschke/Patronage/internal/pkg/metrics"
	"github.com/ManuelReschke/Patronage/internal/pkg/router"
	"github.com/ManuelReschke/Patronage/internal/pkg/tracing"
)

const ledgerPurgeInterval = 6 * time.Hour

func main() {
	app, shutdown := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[Server] %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("[Server] Shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[Server] Shutdown: %v", err)
	}
	shutdown()
}

// NewApplication wires configuration, storage, the billing service and the
// background workers. The returned func stops the workers and flushes traces.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	ctx := context.Background()
	stopTracing, err := tracing.Setup(ctx)
	if err != nil {
		log.Warnf("[Tracing] Setup failed, continuing without traces: %v", err)
	}

	manager := jobqueue.GetManager()
	queue := manager.GetQueue()

	opts := []billing.Option{
		billing.WithDispatcher(billing.NewQueueDispatcher(queue)),
		billing.WithWebhookSecret(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
	}
	if env.GetEnv("STRIPE_SECRET_KEY", "") != "" {
		opts = append(opts, billing.WithProcessor(billing.NewStripeProcessorFromEnv()))
	} else {
		log.Warn("[Billing] STRIPE_SECRET_KEY not set, checkout confirmation and cancellation are disabled")
	}
	svc := billing.NewServiceFromDB(database.GetDB(), opts...)

	runner := billing.NewTaskRunner(svc.Repository(), billing.MailerFunc(mail.SendMail), env.GetEnv("PUBLIC_DOMAIN", ""))
	queue.RegisterHandler(jobqueue.JobTypeBillingTask, runner.HandleJob)

	retention := ledgerRetention()
	manager.RegisterPeriodic("purge_processed_events", ledgerPurgeInterval, func(ctx context.Context) error {
		n, err := svc.PurgeProcessedEvents(ctx, retention)
		if err == nil && n > 0 {
			log.Infof("[Billing] Purged %d processed events older than %s", n, retention)
		}
		return err
	})
	users := repository.GetGlobalFactory().GetUserRepository()
	manager.RegisterPeriodic("count_ghost_users", ledgerPurgeInterval, func(ctx context.Context) error {
		n, err := users.CountGhosts()
		if err != nil {
			return err
		}
		metrics.GhostUsersUnclaimed.Set(float64(n))
		return nil
	})
	manager.Start()

	controllers.InitializeBillingController(svc)

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app)

	return app, func() {
		manager.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopTracing != nil {
			if err := stopTracing(sctx); err != nil {
				log.Warnf("[Tracing] Shutdown: %v", err)
			}
		}
	}
}

// ledgerRetention must stay longer than the processor's redelivery window.
func ledgerRetention() time.Duration {
	days := 30
	if v, err := strconv.Atoi(env.GetEnv("LEDGER_RETENTION_DAYS", "")); err == nil && v > 0 {
		days = v
	}
	return time.Duration(days) * 24 * time.Hour
}
