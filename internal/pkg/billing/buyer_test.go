package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/Patronage/app/models"
)

func TestResolveBuyerIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.ResolveBuyer(ctx, "Guest@Example.com", "")
	require.NoError(t, err)
	require.NotZero(t, first)

	second, err := env.svc.ResolveBuyer(ctx, "guest@example.com ", "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), env.count(t, &models.User{}, "email = ?", "guest@example.com"))

	var u models.User
	require.NoError(t, env.db.First(&u, first).Error)
	assert.True(t, u.IsGhost)
	assert.False(t, u.HasUsableCredential())

	claims := env.dispatcher.ofKind(TaskAccountClaim)
	require.Len(t, claims, 1)
	assert.Equal(t, first, claims[0].UserID)
}

func TestResolveBuyerConcurrentGuests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids := make([]uint, 10)
	var g errgroup.Group
	for i := range ids {
		i := i
		g.Go(func() error {
			id, err := env.svc.ResolveBuyer(ctx, "race@example.com", "cus_race")
			ids[i] = id
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int64(1), env.count(t, &models.User{}, "email = ?", "race@example.com"))
	assert.Len(t, env.dispatcher.ofKind(TaskAccountClaim), 1)
}

func TestResolveBuyerWithoutIdentity(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.ResolveBuyer(context.Background(), "", "")
	require.NoError(t, err)
	assert.Zero(t, id)

	id, err = env.svc.ResolveBuyer(context.Background(), "", "cus_unknown")
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Equal(t, int64(0), env.count(t, &models.User{}, ""))
}

func TestResolveBuyerCustomerRef(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.createUser(t, "alice", "alice@example.com")
	bob := env.createUser(t, "bob", "bob@example.com")

	id, err := env.svc.ResolveBuyer(ctx, "alice@example.com", "cus_alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, id)

	// Found by customer ref alone.
	id, err = env.svc.ResolveBuyer(ctx, "", "cus_alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, id)

	// A different ref never replaces the stored one.
	_, err = env.svc.ResolveBuyer(ctx, "alice@example.com", "cus_other")
	require.NoError(t, err)

	// Alice's ref cannot be taken over by Bob.
	id, err = env.svc.ResolveBuyer(ctx, "bob@example.com", "cus_alice")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, id)

	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, alice.ID).Error)
	require.NotNil(t, reloaded.StripeCustomerID)
	assert.Equal(t, "cus_alice", *reloaded.StripeCustomerID)

	require.NoError(t, env.db.First(&reloaded, bob.ID).Error)
	assert.Nil(t, reloaded.StripeCustomerID)

	assert.Empty(t, env.dispatcher.ofKind(TaskAccountClaim))
}

func TestResolveBuyerRestoresDeletedUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gone := env.createUser(t, "gone", "gone@example.com")
	require.NoError(t, env.db.Delete(gone).Error)

	id, err := env.svc.ResolveBuyer(ctx, "gone@example.com", "cus_gone")
	require.NoError(t, err)
	assert.Equal(t, gone.ID, id)

	var restored models.User
	require.NoError(t, env.db.First(&restored, gone.ID).Error)
	assert.False(t, restored.IsGhost)
	require.NotNil(t, restored.StripeCustomerID)
	assert.Equal(t, "cus_gone", *restored.StripeCustomerID)
	assert.Equal(t, int64(1), env.db.Unscoped().Where("email = ?", "gone@example.com").Find(&[]models.User{}).RowsAffected)
	assert.Empty(t, env.dispatcher.ofKind(TaskAccountClaim))
}
