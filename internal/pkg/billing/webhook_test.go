package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Patronage/app/models"
)

const testWebhookSecret = "whsec_test_secret"

func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEventPayload(eventID, sessionRef string, p *models.Product, email string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": "checkout.session.completed",
  "created": %d,
  "data": {
    "object": {
      "id": %q,
      "object": "checkout.session",
      "mode": "payment",
      "payment_status": "paid",
      "payment_intent": "pi_123",
      "customer": null,
      "customer_details": {"email": %q},
      "amount_total": %d,
      "currency": "usd",
      "metadata": {"product_id": "%d", "creator_id": "%d"}
    }
  }
}`, eventID, time.Now().Unix(), sessionRef, email, p.PriceCents, p.ID, p.CreatorID))
}

func TestVerifyWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_sig","object":"event","type":"ping","data":{"object":{}}}`)
	now := time.Now()

	evt, err := VerifyWebhook(payload, signPayload(payload, testWebhookSecret, now), testWebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_sig", evt.ID)

	tests := []struct {
		name   string
		header string
		secret string
	}{
		{"wrong secret", signPayload(payload, "whsec_other", now), testWebhookSecret},
		{"too old", signPayload(payload, testWebhookSecret, now.Add(-time.Hour)), testWebhookSecret},
		{"garbage header", "nonsense", testWebhookSecret},
		{"missing header", "", testWebhookSecret},
		{"missing secret", signPayload(payload, testWebhookSecret, now), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyWebhook(payload, tt.header, tt.secret)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err = VerifyWebhook(tampered, signPayload(payload, testWebhookSecret, now), testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestHandleWebhookDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	creator := env.createUser(t, "creator", "creator@example.com")
	product := env.createProduct(t, creator.ID, models.ProductKindOneTime, 1000)
	payload := checkoutEventPayload("evt_http_1", "cs_http_1", product, "guest@example.com")

	outcome, err := env.svc.HandleWebhook(ctx, payload, signPayload(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	outcome, err = env.svc.HandleWebhook(ctx, payload, signPayload(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, int64(1), env.count(t, &models.Order{}, "checkout_session_ref = ?", "cs_http_1"))

	_, err = env.svc.HandleWebhook(ctx, payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestHandleWebhookIgnoresSignedUndecodablePayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, payload := range [][]byte{
		[]byte(`{"id":`),
		[]byte(`{"id":"evt_no_object","object":"event","type":"customer.subscription.updated","data":{}}`),
	} {
		outcome, err := env.svc.HandleWebhook(ctx, payload, signPayload(payload, testWebhookSecret, time.Now()))
		require.NoError(t, err, string(payload))
		assert.Equal(t, OutcomeIgnored, outcome)
	}
	assert.Equal(t, int64(0), env.count(t, &models.ProcessedEvent{}, ""))

	// Unsigned garbage is still rejected.
	_, err := env.svc.HandleWebhook(ctx, []byte(`{"id":`), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

type failingRepository struct {
	Repository
}

func (failingRepository) CreateOrderIfNotExists(ctx context.Context, order *models.Order) (bool, error) {
	return false, errors.New("database is gone")
}

func TestProcessEventReleasesLedgerOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creator := env.createUser(t, "creator", "creator@example.com")
	product := env.createProduct(t, creator.ID, models.ProductKindOneTime, 1000)

	broken := NewService(failingRepository{Repository: env.svc.Repository()}, WithDispatcher(env.dispatcher))
	event := CheckoutCompleted{
		eventHeader: eventHeader{ID: "evt_fail", Type: EventCheckoutCompleted},
		Session:     paidSession("cs_fail", product, "buyer@example.com"),
	}

	_, err := broken.ProcessEvent(ctx, event)
	require.Error(t, err)
	assert.Equal(t, int64(0), env.count(t, &models.ProcessedEvent{}, "event_id = ?", "evt_fail"))

	// The retry goes through on a healthy store.
	outcome, err := env.svc.ProcessEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, int64(1), env.count(t, &models.Order{}, "checkout_session_ref = ?", "cs_fail"))
}

func TestDispatchFailureDoesNotFailReconciliation(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.err = errors.New("redis down")
	creator := env.createUser(t, "creator", "creator@example.com")
	product := env.createProduct(t, creator.ID, models.ProductKindOneTime, 1000)

	outcome, err := env.svc.ProcessEvent(context.Background(), CheckoutCompleted{
		eventHeader: eventHeader{ID: "evt_nodispatch", Type: EventCheckoutCompleted},
		Session:     paidSession("cs_nodispatch", product, "buyer@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, int64(1), env.count(t, &models.Order{}, "checkout_session_ref = ?", "cs_nodispatch"))
}

func TestIgnoredEventsSkipLedger(t *testing.T) {
	env := newTestEnv(t)

	outcome, err := env.svc.ProcessEvent(context.Background(), Ignored{eventHeader{ID: "evt_ping", Type: "customer.created"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, int64(0), env.count(t, &models.ProcessedEvent{}, ""))
}
