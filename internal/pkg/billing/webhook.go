package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ManuelReschke/Patronage/internal/pkg/metrics"
)

// HandleWebhook verifies, deduplicates and applies one webhook delivery.
// A returned error means the delivery should be retried, except for
// ErrInvalidSignature. A signed delivery that cannot be decoded is ignored,
// since redelivery carries the same bytes.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookOutcome, error) {
	evt, err := VerifyWebhook(payload, signatureHeader, s.webhookSecret)
	if errors.Is(err, ErrInvalidPayload) {
		return s.ignoreUndecodable("unknown", err), nil
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return "", err
	}
	event, err := ParseEvent(evt)
	if err != nil {
		return s.ignoreUndecodable(string(evt.Type), err), nil
	}
	return s.ProcessEvent(ctx, event)
}

func (s *Service) ignoreUndecodable(eventType string, err error) WebhookOutcome {
	metrics.WebhookEventsTotal.WithLabelValues(eventType, "invalid").Inc()
	log.Warnf("[Webhook] Signed %s delivery cannot be decoded, ignoring: %v", eventType, err)
	return OutcomeIgnored
}

// ProcessEvent applies a verified event at most once.
func (s *Service) ProcessEvent(ctx context.Context, event Event) (WebhookOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "billing.ProcessEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.EventID()),
		attribute.String("event.type", event.EventType()),
	)

	if _, ok := event.(Ignored); ok {
		metrics.WebhookEventsTotal.WithLabelValues(event.EventType(), string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	isNew, err := s.MarkIfNew(ctx, event.EventID(), event.EventType())
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("record event %s: %w", event.EventID(), err)
	}
	if !isNew {
		metrics.DedupHitsTotal.Inc()
		metrics.WebhookEventsTotal.WithLabelValues(event.EventType(), string(OutcomeDuplicate)).Inc()
		log.Debugf("[Webhook] Event %s already applied", event.EventID())
		return OutcomeDuplicate, nil
	}

	out := &outbox{}
	outcome := OutcomeProcessed
	if err := s.dispatch(ctx, event, out); err != nil {
		if !errors.Is(err, ErrUnreconcilable) {
			if rerr := s.ReleaseEvent(ctx, event.EventID()); rerr != nil {
				log.Errorf("[Webhook] Failed to release event %s after error: %v", event.EventID(), rerr)
			}
			metrics.WebhookEventsTotal.WithLabelValues(event.EventType(), "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Errorf("[Webhook] Event %s (%s) failed: %v", event.EventID(), event.EventType(), err)
			return "", err
		}
		log.Warnf("[Webhook] Event %s (%s) cannot be applied: %v", event.EventID(), event.EventType(), err)
		outcome = OutcomeIgnored
	}

	s.flush(ctx, out)
	metrics.WebhookEventsTotal.WithLabelValues(event.EventType(), string(outcome)).Inc()
	log.Infof("[Webhook] Event %s (%s) %s", event.EventID(), event.EventType(), outcome)
	return outcome, nil
}

func (s *Service) dispatch(ctx context.Context, event Event, out *outbox) error {
	switch e := event.(type) {
	case CheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, e, out)
	case SubscriptionChanged:
		_, err := s.applySubscription(ctx, e.Phase, e.Subscription, subscriptionHint{}, out)
		return err
	case InvoicePaid:
		return s.handleInvoicePaid(ctx, e, out)
	case AccountUpdated:
		return s.handleAccountUpdated(ctx, e.Account, out)
	case Ignored:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnhandledEvent, event)
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, e CheckoutCompleted, out *outbox) error {
	sess := e.Session
	if !sess.IsPaid() {
		// Delayed payment methods complete later via async_payment_succeeded.
		log.Infof("[Webhook] Session %s completed with payment %s, waiting", sess.SessionRef, sess.PaymentStatus)
		return nil
	}

	switch sess.Mode {
	case ModePayment:
		_, _, err := s.reconcilePaidCheckout(ctx, sess, out)
		return err
	case ModeSubscription:
		if sess.SubscriptionRef == "" {
			return fmt.Errorf("%w: subscription session %s without subscription", ErrUnreconcilable, sess.SessionRef)
		}
		if s.processor == nil {
			return fmt.Errorf("%w: no processor configured", ErrProcessorUnavailable)
		}
		sub, err := s.processor.GetSubscription(ctx, sess.SubscriptionRef)
		if err != nil {
			return err
		}
		_, err = s.applySubscription(ctx, PhaseCreated, *sub, subscriptionHint{Metadata: sess.Metadata, Email: sess.Email}, out)
		return err
	default:
		log.Debugf("[Webhook] Session %s has mode %q, nothing to reconcile", sess.SessionRef, sess.Mode)
		return nil
	}
}

// handleInvoicePaid re-fetches the subscription; the invoice does not carry
// the new period end.
func (s *Service) handleInvoicePaid(ctx context.Context, e InvoicePaid, out *outbox) error {
	if e.SubscriptionRef == "" {
		return nil
	}
	if s.processor == nil {
		return fmt.Errorf("%w: no processor configured", ErrProcessorUnavailable)
	}
	sub, err := s.processor.GetSubscription(ctx, e.SubscriptionRef)
	if err != nil {
		return err
	}
	_, err = s.applySubscription(ctx, PhaseUpdated, *sub, subscriptionHint{Email: e.Email}, out)
	return err
}
