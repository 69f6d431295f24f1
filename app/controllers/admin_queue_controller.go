package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Patronage/app/repository"
	"github.com/ManuelReschke/Patronage/internal/pkg/jobqueue"
)

// ============================================================================
// ADMIN QUEUE CONTROLLER
// ============================================================================

// QueueInspector is the read side of the job queue.
type QueueInspector interface {
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
	GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error)
}

// AdminQueueController lets operators watch side-effect delivery.
type AdminQueueController struct {
	queue QueueInspector
	users repository.UserRepository
}

// NewAdminQueueController creates a new admin queue controller
func NewAdminQueueController(queue QueueInspector, users repository.UserRepository) *AdminQueueController {
	return &AdminQueueController{queue: queue, users: users}
}

// HandleQueueStats reports queue depth, job outcomes and unclaimed ghosts.
func (aqc *AdminQueueController) HandleQueueStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	stats, err := aqc.queue.GetJobStats(ctx)
	if err != nil {
		return respondBillingError(c, err)
	}
	pending, err := aqc.queue.GetQueueSize(ctx)
	if err != nil {
		return respondBillingError(c, err)
	}
	processing, err := aqc.queue.GetProcessingSize(ctx)
	if err != nil {
		return respondBillingError(c, err)
	}
	ghosts, err := aqc.users.CountGhosts()
	if err != nil {
		return respondBillingError(c, err)
	}

	return c.JSON(fiber.Map{
		"queue": fiber.Map{
			"pending":    pending,
			"processing": processing,
			"stats":      stats,
		},
		"ghost_users": ghosts,
	})
}

// HandleGetJob returns one job, e.g. to see why a notification failed.
func (aqc *AdminQueueController) HandleGetJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Job id is required")
	}
	job, err := aqc.queue.GetJob(c.UserContext(), id)
	if errors.Is(err, redis.Nil) {
		return respondError(c, fiber.StatusNotFound, "not_found", "Job not found")
	}
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(job)
}

// ============================================================================
// GLOBAL ADMIN QUEUE CONTROLLER INSTANCE - Singleton Pattern
// ============================================================================

var adminQueueController *AdminQueueController

// InitializeAdminQueueController initializes the global admin queue controller
func InitializeAdminQueueController() {
	adminQueueController = NewAdminQueueController(
		jobqueue.GetManager().GetQueue(),
		repository.GetGlobalFactory().GetUserRepository(),
	)
}

// GetAdminQueueController returns the global admin queue controller instance
func GetAdminQueueController() *AdminQueueController {
	if adminQueueController == nil {
		InitializeAdminQueueController()
	}
	return adminQueueController
}
