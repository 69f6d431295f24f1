package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ManuelReschke/Patronage/internal/pkg/env"
	"github.com/ManuelReschke/Patronage/internal/pkg/metrics"
)

// Processor is the pull side of the payment processor. Implementations wrap
// not-found responses in ErrSessionNotFound, ErrSubscriptionNotFound or
// ErrAccountNotFound and everything else in ErrProcessorUnavailable.
type Processor interface {
	GetCheckoutSession(ctx context.Context, sessionRef string) (*CheckoutSnapshot, error)
	GetSubscription(ctx context.Context, subscriptionRef string) (*SubscriptionSnapshot, error)
	GetAccount(ctx context.Context, accountRef string) (*AccountSnapshot, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionRef string, cancel bool) (*SubscriptionSnapshot, error)
}

// StripeProcessor implements Processor against the Stripe API.
type StripeProcessor struct {
	api     *client.API
	timeout time.Duration
	now     func() time.Time
}

// NewStripeProcessor creates a processor with its own API client.
func NewStripeProcessor(secretKey string, timeout time.Duration) *StripeProcessor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	retries := int64(2)
	cfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: &retries,
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
	return &StripeProcessor{
		api:     client.New(secretKey, backends),
		timeout: timeout,
		now:     time.Now,
	}
}

// NewStripeProcessorFromEnv builds the processor from STRIPE_SECRET_KEY and
// STRIPE_TIMEOUT_SECONDS.
func NewStripeProcessorFromEnv() *StripeProcessor {
	timeout := 15 * time.Second
	if v, err := strconv.Atoi(env.GetEnv("STRIPE_TIMEOUT_SECONDS", "")); err == nil && v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	return NewStripeProcessor(strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")), timeout)
}

func (p *StripeProcessor) GetCheckoutSession(ctx context.Context, sessionRef string) (*CheckoutSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	params.AddExpand("subscription")

	start := time.Now()
	sess, err := p.api.CheckoutSessions.Get(sessionRef, params)
	metrics.ProcessorLatency.WithLabelValues("get_checkout_session").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyStripeError("get_checkout_session", err, ErrSessionNotFound)
	}
	return checkoutFromStripe(sess, p.now().UTC()), nil
}

func (p *StripeProcessor) GetSubscription(ctx context.Context, subscriptionRef string) (*SubscriptionSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := p.api.Subscriptions.Get(subscriptionRef, params)
	metrics.ProcessorLatency.WithLabelValues("get_subscription").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyStripeError("get_subscription", err, ErrSubscriptionNotFound)
	}
	return subscriptionFromStripe(sub, p.now().UTC()), nil
}

func (p *StripeProcessor) GetAccount(ctx context.Context, accountRef string) (*AccountSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.AccountParams{}
	params.Context = ctx

	start := time.Now()
	acct, err := p.api.Accounts.GetByID(accountRef, params)
	metrics.ProcessorLatency.WithLabelValues("get_account").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyStripeError("get_account", err, ErrAccountNotFound)
	}
	return &AccountSnapshot{
		Ref:              acct.ID,
		DetailsSubmitted: acct.DetailsSubmitted,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		Metadata:         acct.Metadata,
	}, nil
}

func (p *StripeProcessor) SetCancelAtPeriodEnd(ctx context.Context, subscriptionRef string, cancel bool) (*SubscriptionSnapshot, error) {
	ctx, stop := context.WithTimeout(ctx, p.timeout)
	defer stop()

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	params.Context = ctx

	start := time.Now()
	sub, err := p.api.Subscriptions.Update(subscriptionRef, params)
	metrics.ProcessorLatency.WithLabelValues("update_subscription").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyStripeError("update_subscription", err, ErrSubscriptionNotFound)
	}
	return subscriptionFromStripe(sub, p.now().UTC()), nil
}

func classifyStripeError(op string, err error, notFound error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", notFound, serr.Msg)
		}
	}
	metrics.ProcessorFailuresTotal.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %v", ErrProcessorUnavailable, op, err)
}

func checkoutFromStripe(s *stripe.CheckoutSession, fetchedAt time.Time) *CheckoutSnapshot {
	out := &CheckoutSnapshot{
		SessionRef:    s.ID,
		Mode:          string(s.Mode),
		PaymentStatus: string(s.PaymentStatus),
		AmountCents:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      s.Metadata,
		Email:         s.CustomerEmail,
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.Email = s.CustomerDetails.Email
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentRef = s.PaymentIntent.ID
	}
	if s.Subscription != nil {
		out.SubscriptionRef = s.Subscription.ID
		// An unexpanded subscription carries only its ID.
		if s.Subscription.Status != "" {
			out.Subscription = subscriptionFromStripe(s.Subscription, fetchedAt)
		}
	}
	return out
}

func subscriptionFromStripe(s *stripe.Subscription, fetchedAt time.Time) *SubscriptionSnapshot {
	out := &SubscriptionSnapshot{
		Ref:               s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(s.CanceledAt),
		Metadata:          s.Metadata,
		ObservedAt:        fetchedAt,
		Pulled:            true,
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Items != nil {
		var latest int64
		for _, item := range s.Items.Data {
			if item != nil && item.CurrentPeriodEnd > latest {
				latest = item.CurrentPeriodEnd
			}
		}
		out.CurrentPeriodEnd = unixPtr(latest)
	}
	return out
}

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
