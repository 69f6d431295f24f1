package billing

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func TestClassifyStripeError(t *testing.T) {
	missing := &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing, Msg: "No such checkout.session"}
	err := classifyStripeError("get_checkout_session", missing, ErrSessionNotFound)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NotErrorIs(t, err, ErrProcessorUnavailable)

	rateLimited := &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Msg: "slow down"}
	assert.ErrorIs(t, classifyStripeError("get_subscription", rateLimited, ErrSubscriptionNotFound), ErrProcessorUnavailable)

	assert.ErrorIs(t, classifyStripeError("get_account", errors.New("dial tcp: timeout"), ErrAccountNotFound), ErrProcessorUnavailable)
}

func TestCheckoutFromStripe(t *testing.T) {
	fetched := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &stripe.CheckoutSession{
		ID:              "cs_1",
		Mode:            stripe.CheckoutSessionModeSubscription,
		PaymentStatus:   stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal:     500,
		Currency:        stripe.CurrencyUSD,
		CustomerEmail:   "typed@example.com",
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{Email: "Buyer@Example.com"},
		Customer:        &stripe.Customer{ID: "cus_1"},
		Metadata:        map[string]string{MetaProductID: "3"},
		Subscription: &stripe.Subscription{
			ID:     "sub_1",
			Status: stripe.SubscriptionStatusActive,
			Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
				{CurrentPeriodEnd: 1740000000},
				{CurrentPeriodEnd: 1745000000},
			}},
		},
	}

	snap := checkoutFromStripe(sess, fetched)
	assert.Equal(t, "cs_1", snap.SessionRef)
	assert.Equal(t, ModeSubscription, snap.Mode)
	assert.True(t, snap.IsPaid())
	assert.Equal(t, "Buyer@Example.com", snap.Email)
	assert.Equal(t, "cus_1", snap.CustomerRef)
	assert.Equal(t, "sub_1", snap.SubscriptionRef)
	require.NotNil(t, snap.Subscription)
	assert.Equal(t, fetched, snap.Subscription.ObservedAt)
	assert.True(t, snap.Subscription.Pulled)
	require.NotNil(t, snap.Subscription.CurrentPeriodEnd)
	assert.Equal(t, int64(1745000000), snap.Subscription.CurrentPeriodEnd.Unix())

	// Unexpanded subscriptions only carry the reference.
	sess.Subscription = &stripe.Subscription{ID: "sub_2"}
	snap = checkoutFromStripe(sess, fetched)
	assert.Equal(t, "sub_2", snap.SubscriptionRef)
	assert.Nil(t, snap.Subscription)
}

func TestSubscriptionFromStripe(t *testing.T) {
	sub := subscriptionFromStripe(&stripe.Subscription{
		ID:                "sub_9",
		Status:            stripe.SubscriptionStatusCanceled,
		CancelAtPeriodEnd: true,
		CanceledAt:        1741000000,
		Customer:          &stripe.Customer{ID: "cus_9"},
	}, time.Unix(1742000000, 0).UTC())

	assert.Equal(t, "canceled", sub.Status)
	assert.Equal(t, "cus_9", sub.CustomerRef)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, int64(1741000000), sub.CanceledAt.Unix())
	assert.Nil(t, sub.CurrentPeriodEnd)
	assert.Nil(t, unixPtr(0))
}
