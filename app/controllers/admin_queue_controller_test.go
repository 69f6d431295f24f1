package controllers

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/app/repository"
	"github.com/ManuelReschke/Patronage/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Patronage/internal/pkg/testutil"
)

func TestAdminQueueEndpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	queue := jobqueue.NewQueueWithClient(client, 1)

	db := testutil.NewTestDB(t)
	ghost, err := models.NewGhostUser("guest@example.com")
	require.NoError(t, err)
	require.NoError(t, db.Create(ghost).Error)

	job, err := queue.EnqueueJob(context.Background(), jobqueue.JobTypeBillingTask, map[string]interface{}{"kind": "eligibility"})
	require.NoError(t, err)

	aqc := NewAdminQueueController(queue, repository.NewUserRepository(db))
	app := fiber.New()
	app.Get("/admin/queue", aqc.HandleQueueStats)
	app.Get("/admin/queue/jobs/:id", aqc.HandleGetJob)

	resp, err := app.Test(httptest.NewRequest("GET", "/admin/queue", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["ghost_users"])
	assert.Equal(t, float64(1), body["queue"].(map[string]interface{})["pending"])

	resp, err = app.Test(httptest.NewRequest("GET", "/admin/queue/jobs/"+job.ID, nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, string(jobqueue.JobTypeBillingTask), decodeBody(t, resp)["type"])

	resp, err = app.Test(httptest.NewRequest("GET", "/admin/queue/jobs/missing", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
