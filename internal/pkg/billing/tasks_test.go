package billing

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/internal/pkg/jobqueue"
)

func TestTaskPayloadRoundTrip(t *testing.T) {
	task := Task{Kind: TaskSaleNotification, OrderID: 42, ReferenceKey: "order:42"}

	decoded, err := TaskFromMap(task.ToMap())
	require.NoError(t, err)
	assert.Equal(t, task, *decoded)

	_, err = TaskFromMap(map[string]interface{}{"order_id": 1})
	assert.Error(t, err)
}

func TestQueueDispatcherEnqueuesBillingJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := jobqueue.NewQueueWithClient(client, 1)
	d := NewQueueDispatcher(q)

	require.NoError(t, d.Dispatch(context.Background(), Task{Kind: TaskEligibility, UserID: 3}))

	size, err := q.GetQueueSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestTaskRunnerErrors(t *testing.T) {
	env := newTestEnv(t)
	runner := NewTaskRunner(env.svc.Repository(), nil, "")
	ctx := context.Background()

	err := runner.Run(ctx, Task{Kind: "mystery"})
	assert.ErrorIs(t, err, jobqueue.ErrPermanent)

	err = runner.Run(ctx, Task{Kind: TaskSaleNotification, OrderID: 999})
	assert.ErrorIs(t, err, jobqueue.ErrPermanent)

	err = runner.HandleJob(ctx, &jobqueue.Job{Type: jobqueue.JobTypeBillingTask, Payload: map[string]interface{}{}})
	assert.ErrorIs(t, err, jobqueue.ErrPermanent)
}

func TestOrderNotificationsSkipMissingBuyer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.createUser(t, "creator", "creator@example.com")
	product := env.createProduct(t, creator.ID, models.ProductKindOneTime, 100)
	order := &models.Order{CreatorID: creator.ID, ProductID: product.ID, Kind: models.OrderKindPurchase, AmountCents: 100, Currency: "usd", Status: models.OrderStatusPaid}
	require.NoError(t, env.db.Create(order).Error)

	mailer := &recordingMailer{}
	runner := NewTaskRunner(env.svc.Repository(), mailer, "")
	require.NoError(t, runner.Run(ctx, Task{Kind: TaskPurchaseReceipt, OrderID: order.ID}))
	require.NoError(t, runner.Run(ctx, Task{Kind: TaskSaleNotification, OrderID: order.ID}))

	assert.Len(t, mailer.sent, 1)
	assert.Equal(t, "1.00 USD", formatAmount(100, "usd"))
}
