package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureTolerance is how old a signed delivery may be.
const SignatureTolerance = 5 * time.Minute

// VerifyWebhook checks the Stripe-Signature header against the raw payload
// and returns the decoded envelope. The payload must be the exact bytes
// received; any re-encoding breaks the signature.
func VerifyWebhook(payload []byte, signatureHeader, webhookSecret string) (stripe.Event, error) {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing signature or secret", ErrInvalidSignature)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		Tolerance:                SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return evt, nil
}
