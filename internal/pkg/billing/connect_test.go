package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Patronage/app/models"
)

func TestConnectedAtIsSetOnce(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	creator := env.createUser(t, "creator", "creator@example.com")

	acct, err := env.svc.SyncAccountState(ctx, creator.ID, AccountSnapshot{Ref: "acct_1"})
	require.NoError(t, err)
	assert.Nil(t, acct.ConnectedAt)

	acct, err = env.svc.SyncAccountState(ctx, creator.ID, AccountSnapshot{Ref: "acct_1", DetailsSubmitted: true})
	require.NoError(t, err)
	require.NotNil(t, acct.ConnectedAt)
	first := *acct.ConnectedAt

	now = now.Add(48 * time.Hour)
	acct, err = env.svc.SyncAccountState(ctx, creator.ID, AccountSnapshot{Ref: "acct_1", DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true})
	require.NoError(t, err)
	require.NotNil(t, acct.ConnectedAt)
	assert.True(t, acct.ConnectedAt.Equal(first))
	assert.True(t, acct.PayoutsEnabled)

	acct, err = env.svc.SyncAccountState(ctx, creator.ID, AccountSnapshot{Ref: "acct_1"})
	require.NoError(t, err)
	require.NotNil(t, acct.ConnectedAt, "connected_at is never cleared")
	assert.False(t, acct.DetailsSubmitted)

	assert.Equal(t, int64(1), env.count(t, &models.ConnectAccount{}, ""))
	assert.Len(t, env.dispatcher.ofKind(TaskEligibility), 4)
}

func TestAccountUpdatedForUnknownAccountIsNoop(t *testing.T) {
	env := newTestEnv(t)

	outcome, err := env.svc.ProcessEvent(context.Background(), AccountUpdated{
		eventHeader: eventHeader{ID: "evt_acct_unknown", Type: EventAccountUpdated},
		Account:     AccountSnapshot{Ref: "acct_elsewhere", DetailsSubmitted: true},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, int64(0), env.count(t, &models.ConnectAccount{}, ""))
}

func TestAccountUpdatedSyncsMappedCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.createUser(t, "creator", "creator@example.com")
	_, err := env.svc.SyncAccountState(ctx, creator.ID, AccountSnapshot{Ref: "acct_2"})
	require.NoError(t, err)

	_, err = env.svc.ProcessEvent(ctx, AccountUpdated{
		eventHeader: eventHeader{ID: "evt_acct_2", Type: EventAccountUpdated},
		Account:     AccountSnapshot{Ref: "acct_2", DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true},
	})
	require.NoError(t, err)

	var acct models.ConnectAccount
	require.NoError(t, env.db.Where("creator_id = ?", creator.ID).First(&acct).Error)
	assert.True(t, acct.ChargesEnabled)
	assert.NotNil(t, acct.ConnectedAt)

	runner := NewTaskRunner(env.svc.Repository(), nil, "")
	for _, task := range env.dispatcher.ofKind(TaskEligibility) {
		require.NoError(t, runner.Run(ctx, task))
	}
	var reloaded models.User
	require.NoError(t, env.db.First(&reloaded, creator.ID).Error)
	assert.True(t, reloaded.PayoutsEligible)
}

func TestLinkAccountChecksOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.createUser(t, "creator", "creator@example.com")
	other := env.createUser(t, "other", "other@example.com")

	env.processor.accounts["acct_owned"] = AccountSnapshot{
		Ref:              "acct_owned",
		DetailsSubmitted: true,
		Metadata:         map[string]string{MetaCreatorID: fmt.Sprint(creator.ID)},
	}

	_, err := env.svc.LinkAccount(ctx, Caller{UserID: other.ID}, "acct_owned")
	assert.ErrorIs(t, err, ErrOwnershipMismatch)

	acct, err := env.svc.LinkAccount(ctx, Caller{UserID: creator.ID}, "acct_owned")
	require.NoError(t, err)
	assert.Equal(t, creator.ID, acct.CreatorID)
	assert.True(t, acct.DetailsSubmitted)
}

func TestSyncCreatorAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.createUser(t, "creator", "creator@example.com")

	_, err := env.svc.SyncCreatorAccount(ctx, Caller{UserID: creator.ID})
	assert.ErrorIs(t, err, ErrNoConnectAccount)

	_, err = env.svc.SyncAccountState(ctx, creator.ID, AccountSnapshot{Ref: "acct_3"})
	require.NoError(t, err)
	env.processor.accounts["acct_3"] = AccountSnapshot{Ref: "acct_3", DetailsSubmitted: true, PayoutsEnabled: true}

	acct, err := env.svc.SyncCreatorAccount(ctx, Caller{UserID: creator.ID})
	require.NoError(t, err)
	assert.True(t, acct.PayoutsEnabled)
	assert.NotNil(t, acct.ConnectedAt)
}

func TestSyncAccountStateRejectsRefOfAnotherCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.createUser(t, "owner", "owner@example.com")
	intruder := env.createUser(t, "intruder", "intruder@example.com")

	_, err := env.svc.SyncAccountState(ctx, owner.ID, AccountSnapshot{Ref: "acct_shared", DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true})
	require.NoError(t, err)

	_, err = env.svc.SyncAccountState(ctx, intruder.ID, AccountSnapshot{Ref: "acct_shared"})
	assert.ErrorIs(t, err, ErrOwnershipMismatch)

	var stored models.ConnectAccount
	require.NoError(t, env.db.Where("account_ref = ?", "acct_shared").First(&stored).Error)
	assert.Equal(t, owner.ID, stored.CreatorID)
	assert.True(t, stored.CanReceivePayouts())
	assert.Equal(t, int64(0), env.count(t, &models.ConnectAccount{}, "creator_id = ?", intruder.ID))
}

func TestSyncAccountStateRelinksCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.createUser(t, "creator", "creator@example.com")

	first, err := env.svc.SyncAccountState(ctx, creator.ID, AccountSnapshot{Ref: "acct_old", DetailsSubmitted: true})
	require.NoError(t, err)

	second, err := env.svc.SyncAccountState(ctx, creator.ID, AccountSnapshot{Ref: "acct_new", ChargesEnabled: true, PayoutsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "acct_new", second.AccountRef)
	assert.True(t, second.CanReceivePayouts())
	assert.Equal(t, int64(1), env.count(t, &models.ConnectAccount{}, ""))
}
