package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/app/models"
)

// Finalize confirms a checkout on behalf of the client success page. It
// pulls the session from the processor and runs the same reconciliation as
// the webhook, so whichever arrives first does the work.
func (s *Service) Finalize(ctx context.Context, caller Caller, req FinalizeRequest) (*FinalizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "billing.Finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkout.session", req.SessionRef),
		attribute.Int64("caller.id", int64(caller.UserID)),
	)

	if caller.UserID == 0 {
		return nil, ErrForbidden
	}

	out := &outbox{}
	res, err := s.finalize(ctx, caller, req, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.flush(ctx, out)
	return res, nil
}

func (s *Service) finalize(ctx context.Context, caller Caller, req FinalizeRequest, out *outbox) (*FinalizeResult, error) {
	sessionRef := strings.TrimSpace(req.SessionRef)
	if sessionRef == "" {
		if req.ProductID == 0 {
			return nil, fmt.Errorf("%w: session_id or product_id is required", ErrInvalidRequest)
		}
		return s.finalizeFree(ctx, caller, req, out)
	}

	if s.processor == nil {
		return nil, fmt.Errorf("%w: no processor configured", ErrProcessorUnavailable)
	}
	sess, err := s.processor.GetCheckoutSession(ctx, sessionRef)
	if err != nil {
		return nil, err
	}
	md := ParseCheckoutMetadata(sess.Metadata)

	action, err := actionForSession(req.Action, sess.Mode, md.Kind)
	if err != nil {
		return nil, err
	}
	if req.ProductID != 0 && md.ProductID != 0 && req.ProductID != md.ProductID {
		return nil, fmt.Errorf("%w: session is for product %d", ErrInvalidRequest, md.ProductID)
	}
	if err := authorizeSession(caller, sess, md); err != nil {
		log.Warnf("[Billing] User %d tried to finalize session %s: %v", caller.UserID, sessionRef, err)
		return nil, err
	}
	if !sess.IsPaid() {
		return nil, ErrPaymentIncomplete
	}

	// The caller is the buyer from here on; the session's own identity was
	// only needed for the ownership check.
	sess.Metadata = mergeMetadata(sess.Metadata, map[string]string{
		MetaBuyerID: strconv.FormatUint(uint64(caller.UserID), 10),
	})
	if sess.CustomerRef != "" {
		if user, err := s.repo.FindUserByID(ctx, caller.UserID); err == nil {
			if user.StripeCustomerID == nil || *user.StripeCustomerID != sess.CustomerRef {
				s.attachCustomerRef(ctx, user, sess.CustomerRef)
			}
		}
	}

	if action == ActionMembership {
		sub := sess.Subscription
		if sub == nil {
			if sess.SubscriptionRef == "" {
				return nil, fmt.Errorf("%w: session %s has no subscription", ErrSubscriptionNotFound, sessionRef)
			}
			if sub, err = s.processor.GetSubscription(ctx, sess.SubscriptionRef); err != nil {
				return nil, err
			}
		}
		membershipID, err := s.applySubscription(ctx, PhaseCreated, *sub, subscriptionHint{Metadata: sess.Metadata, Email: sess.Email}, out)
		if err != nil {
			return nil, err
		}
		if membershipID == 0 {
			return nil, fmt.Errorf("%w: subscription %s carries no product", ErrUnreconcilable, sub.Ref)
		}
		m, err := s.repo.FindMembership(ctx, membershipID)
		if err != nil {
			return nil, fmt.Errorf("reload membership: %w", err)
		}
		return &FinalizeResult{
			Type:               ActionMembership,
			CreatorDisplayName: s.creatorName(ctx, m.CreatorID),
			MembershipID:       &membershipID,
		}, nil
	}

	orderID, _, err := s.reconcilePaidCheckout(ctx, *sess, out)
	if err != nil {
		return nil, err
	}
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("reload order: %w", err)
	}
	return &FinalizeResult{
		Type:               action,
		CreatorDisplayName: s.creatorName(ctx, order.CreatorID),
		OrderID:            &orderID,
	}, nil
}

// finalizeFree acquires a zero-priced product without a processor session.
func (s *Service) finalizeFree(ctx context.Context, caller Caller, req FinalizeRequest, out *outbox) (*FinalizeResult, error) {
	product, err := s.repo.FindProduct(ctx, req.ProductID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	if !product.IsActive {
		return nil, ErrProductNotFound
	}
	if !product.IsFree() {
		return nil, ErrNotFree
	}

	if product.Kind == models.ProductKindMembership {
		if req.Action != "" && req.Action != ActionMembership {
			return nil, ErrModeMismatch
		}
		membershipID, err := s.activateFreeMembership(ctx, caller, product, out)
		if err != nil {
			return nil, err
		}
		return &FinalizeResult{
			Type:               ActionMembership,
			CreatorDisplayName: s.creatorName(ctx, product.CreatorID),
			MembershipID:       &membershipID,
		}, nil
	}

	action := ActionPurchase
	kind := models.OrderKindPurchase
	if product.Kind == models.ProductKindRequest {
		action = ActionRequest
		kind = models.OrderKindRequest
	}
	if req.Action == ActionMembership {
		return nil, ErrModeMismatch
	}

	snap := CheckoutSnapshot{
		SessionRef:    FreeSessionRef(caller.UserID, product.ID),
		Mode:          ModePayment,
		PaymentStatus: PaymentStatusNoPaymentRequired,
		AmountCents:   0,
		Currency:      product.Currency,
		Metadata: map[string]string{
			MetaBuyerID:   strconv.FormatUint(uint64(caller.UserID), 10),
			MetaCreatorID: strconv.FormatUint(uint64(product.CreatorID), 10),
			MetaProductID: strconv.FormatUint(uint64(product.ID), 10),
			MetaKind:      kind,
		},
	}
	orderID, _, err := s.reconcilePaidCheckout(ctx, snap, out)
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{
		Type:               action,
		CreatorDisplayName: s.creatorName(ctx, product.CreatorID),
		OrderID:            &orderID,
	}, nil
}

// actionForSession checks the requested action against the session mode.
// An empty action is derived from the session.
func actionForSession(requested Action, mode, kind string) (Action, error) {
	var derived Action
	switch mode {
	case ModeSubscription:
		derived = ActionMembership
	case ModePayment:
		derived = ActionPurchase
		if kind == models.OrderKindRequest {
			derived = ActionRequest
		}
	default:
		return "", fmt.Errorf("%w: unsupported checkout mode %q", ErrModeMismatch, mode)
	}

	if requested == "" {
		return derived, nil
	}
	if (requested == ActionMembership) != (derived == ActionMembership) {
		return "", fmt.Errorf("%w: %s session finalized as %s", ErrModeMismatch, mode, requested)
	}
	return requested, nil
}

// authorizeSession verifies the caller is the session's buyer: by the
// buyer ID stamped at checkout creation, else by the checkout email.
func authorizeSession(caller Caller, sess *CheckoutSnapshot, md CheckoutMetadata) error {
	if md.BuyerID != 0 {
		if md.BuyerID != caller.UserID {
			return ErrOwnershipMismatch
		}
		return nil
	}
	email := normalizeEmail(sess.Email)
	if email == "" || email != normalizeEmail(caller.Email) {
		return ErrOwnershipMismatch
	}
	return nil
}

func (s *Service) creatorName(ctx context.Context, creatorID uint) string {
	user, err := s.repo.FindUserByID(ctx, creatorID)
	if err != nil {
		log.Warnf("[Billing] Cannot load creator %d: %v", creatorID, err)
		return ""
	}
	return user.Name
}
