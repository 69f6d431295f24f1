package billing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/Patronage/app/models"
)

func TestMarkIfNewConcurrentDeliveries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var firsts int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			isNew, err := env.svc.MarkIfNew(ctx, "evt_same", EventCheckoutCompleted)
			if err != nil {
				return err
			}
			if isNew {
				atomic.AddInt32(&firsts, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), firsts)
	assert.Equal(t, int64(1), env.count(t, &models.ProcessedEvent{}, "event_id = ?", "evt_same"))
}

func TestMarkIfNewRejectsEmptyID(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.MarkIfNew(context.Background(), "  ", "x")
	assert.Error(t, err)
}

func TestReleaseEventAllowsReapply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	isNew, err := env.svc.MarkIfNew(ctx, "evt_1", "x")
	require.NoError(t, err)
	require.True(t, isNew)

	require.NoError(t, env.svc.ReleaseEvent(ctx, "evt_1"))

	isNew, err = env.svc.MarkIfNew(ctx, "evt_1", "x")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestPurgeProcessedEvents(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, env.db.Create(&models.ProcessedEvent{EventID: "evt_old", EventType: "x", CreatedAt: now.Add(-40 * 24 * time.Hour)}).Error)
	require.NoError(t, env.db.Create(&models.ProcessedEvent{EventID: "evt_new", EventType: "x", CreatedAt: now.Add(-time.Hour)}).Error)

	purged, err := env.svc.PurgeProcessedEvents(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, int64(1), env.count(t, &models.ProcessedEvent{}, "event_id = ?", "evt_new"))

	_, err = env.svc.PurgeProcessedEvents(ctx, 0)
	assert.Error(t, err)
}
