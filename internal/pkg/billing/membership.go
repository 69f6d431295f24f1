package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/internal/pkg/metrics"
)

// subscriptionHint is identity the subscription object itself may lack,
// taken from the checkout session that created it.
type subscriptionHint struct {
	Metadata map[string]string
	Email    string
}

// membershipStatus maps a processor subscription status onto the local set.
// Statuses the local set does not name collapse onto the nearest one.
func membershipStatus(status string) (string, bool) {
	status = strings.ToLower(strings.TrimSpace(status))
	if models.IsKnownMembershipStatus(status) {
		return status, true
	}
	switch status {
	case "unpaid", "paused":
		return models.MembershipStatusPastDue, true
	case "incomplete_expired":
		return models.MembershipStatusCanceled, true
	default:
		return "", false
	}
}

func isEntitledStatus(status string) bool {
	m := models.Membership{Status: status}
	return m.IsEntitled()
}

// ApplySubscription projects a subscription snapshot onto its membership and
// returns the membership ID, or 0 when the snapshot carries no identity.
func (s *Service) ApplySubscription(ctx context.Context, phase SubscriptionPhase, sub SubscriptionSnapshot) (uint, error) {
	out := &outbox{}
	id, err := s.applySubscription(ctx, phase, sub, subscriptionHint{}, out)
	if err != nil {
		return 0, err
	}
	s.flush(ctx, out)
	return id, nil
}

func (s *Service) applySubscription(ctx context.Context, phase SubscriptionPhase, sub SubscriptionSnapshot, hint subscriptionHint, out *outbox) (uint, error) {
	ref := strings.TrimSpace(sub.Ref)
	if ref == "" {
		return 0, fmt.Errorf("%w: subscription ref is required", ErrUnreconcilable)
	}
	status, ok := membershipStatus(sub.Status)
	if !ok {
		return 0, fmt.Errorf("%w: unknown subscription status %q", ErrUnreconcilable, sub.Status)
	}
	if phase == PhaseDeleted {
		status = models.MembershipStatusCanceled
	}

	observedAt := sub.ObservedAt.UTC()
	if observedAt.IsZero() {
		observedAt = s.clock()
	}
	update := MembershipUpdate{
		Status:            status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CanceledAt:        sub.CanceledAt,
		ObservedAt:        observedAt,
		Ordered:           !sub.Pulled && !sub.ObservedAt.IsZero(),
	}
	if status == models.MembershipStatusCanceled && update.CanceledAt == nil {
		update.CanceledAt = &observedAt
	}

	id, err := s.applyToKnownSubscription(ctx, ref, update)
	if err != nil || id != 0 {
		if id != 0 && phase == PhaseCreated {
			s.queueMembershipSale(out, id, ref)
		}
		return id, err
	}

	// First notification for this subscription: identity comes from metadata.
	md := ParseCheckoutMetadata(mergeMetadata(sub.Metadata, hint.Metadata))
	if md.ProductID == 0 {
		log.Warnf("[Billing] Subscription %s carries no product, skipping", ref)
		return 0, nil
	}
	buyerID := md.BuyerID
	if buyerID == 0 {
		buyerID, err = s.resolveBuyer(ctx, hint.Email, sub.CustomerRef, out)
		if err != nil {
			return 0, err
		}
	}
	if buyerID == 0 {
		log.Warnf("[Billing] Subscription %s has no resolvable buyer, skipping", ref)
		return 0, nil
	}
	creatorID, productID, err := s.resolveProduct(ctx, md)
	if err != nil {
		return 0, err
	}

	m := &models.Membership{
		BuyerID:           buyerID,
		CreatorID:         creatorID,
		ProductID:         productID,
		SubscriptionRef:   &ref,
		Status:            status,
		CancelAtPeriodEnd: update.CancelAtPeriodEnd,
		CurrentPeriodEnd:  update.CurrentPeriodEnd,
	}
	if update.Ordered {
		m.ProcessorUpdatedAt = &observedAt
	}
	if status == models.MembershipStatusCanceled {
		m.CanceledAt = update.CanceledAt
	}

	created, err := s.repo.CreateMembershipIfNotExists(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("insert membership: %w", err)
	}
	if created {
		metrics.MembershipTransitionsTotal.WithLabelValues(status).Inc()
		log.Infof("[Billing] Membership %d created for subscription %s (%s)", m.ID, ref, status)
		if phase == PhaseCreated {
			s.queueMembershipSale(out, m.ID, ref)
		}
		return m.ID, nil
	}

	// The triple or the ref already exists. Both lookups again, because a
	// concurrent first notification may have just inserted the ref.
	if id, err := s.applyToKnownSubscription(ctx, ref, update); err != nil || id != 0 {
		if id != 0 && phase == PhaseCreated {
			s.queueMembershipSale(out, id, ref)
		}
		return id, err
	}

	existing, err := s.repo.FindMembershipByTriple(ctx, buyerID, creatorID, productID)
	if err != nil {
		return 0, fmt.Errorf("find membership by triple: %w", err)
	}
	// A resubscription replaces the ref; a late event of the superseded
	// subscription must not end the new one.
	if existing.SubscriptionRef != nil && *existing.SubscriptionRef != ref &&
		existing.IsEntitled() && !isEntitledStatus(status) {
		log.Warnf("[Billing] Subscription %s is superseded by %s on membership %d, skipping", ref, *existing.SubscriptionRef, existing.ID)
		return existing.ID, nil
	}

	rows, err := s.repo.UpdateMembershipByTriple(ctx, buyerID, creatorID, productID, ref, update)
	if err != nil {
		return 0, fmt.Errorf("update membership by triple: %w", err)
	}
	if rows == 0 {
		metrics.StaleSubscriptionEventsTotal.Inc()
		log.Debugf("[Billing] Stale snapshot for subscription %s on membership %d", ref, existing.ID)
	} else {
		metrics.MembershipTransitionsTotal.WithLabelValues(status).Inc()
		log.Infof("[Billing] Membership %d now follows subscription %s (%s)", existing.ID, ref, status)
	}
	if phase == PhaseCreated {
		s.queueMembershipSale(out, existing.ID, ref)
	}
	return existing.ID, nil
}

// applyToKnownSubscription updates the membership keyed by ref. It returns
// 0 when no membership carries the ref yet.
func (s *Service) applyToKnownSubscription(ctx context.Context, ref string, update MembershipUpdate) (uint, error) {
	rows, err := s.repo.UpdateMembershipBySubscriptionRef(ctx, ref, update)
	if err != nil {
		return 0, fmt.Errorf("update membership by subscription: %w", err)
	}
	existing, err := s.repo.FindMembershipBySubscriptionRef(ctx, ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find membership by subscription: %w", err)
	}
	if rows > 0 {
		metrics.MembershipTransitionsTotal.WithLabelValues(update.Status).Inc()
		log.Infof("[Billing] Membership %d updated from subscription %s (%s)", existing.ID, ref, update.Status)
	} else if existing.Status == models.MembershipStatusCanceled && update.Status != models.MembershipStatusCanceled {
		metrics.StaleSubscriptionEventsTotal.Inc()
		log.Debugf("[Billing] Subscription %s already ended, ignoring %s snapshot", ref, update.Status)
	} else if update.Ordered && existing.ProcessorUpdatedAt != nil && existing.ProcessorUpdatedAt.After(update.ObservedAt) {
		metrics.StaleSubscriptionEventsTotal.Inc()
		log.Debugf("[Billing] Stale snapshot for subscription %s ignored", ref)
	}
	return existing.ID, nil
}

func (s *Service) queueMembershipSale(out *outbox, membershipID uint, ref string) {
	out.add(Task{Kind: TaskMembershipSale, MembershipID: membershipID, ReferenceKey: "subscription:" + ref})
}

// activateFreeMembership grants a zero-priced membership without the
// processor. The period is synthesized as one month from now.
func (s *Service) activateFreeMembership(ctx context.Context, caller Caller, product *models.Product, out *outbox) (uint, error) {
	now := s.clock()
	periodEnd := now.AddDate(0, 1, 0)

	m := &models.Membership{
		BuyerID:          caller.UserID,
		CreatorID:        product.CreatorID,
		ProductID:        product.ID,
		Status:           models.MembershipStatusActive,
		CurrentPeriodEnd: &periodEnd,
	}
	created, err := s.repo.CreateMembershipIfNotExists(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("insert free membership: %w", err)
	}
	if created {
		metrics.MembershipTransitionsTotal.WithLabelValues(models.MembershipStatusActive).Inc()
		log.Infof("[Billing] Free membership %d activated for user %d on product %d", m.ID, caller.UserID, product.ID)
		out.add(Task{Kind: TaskMembershipSale, MembershipID: m.ID, ReferenceKey: fmt.Sprintf("free:%d", m.ID)})
		return m.ID, nil
	}

	existing, err := s.repo.FindMembershipByTriple(ctx, caller.UserID, product.CreatorID, product.ID)
	if err != nil {
		return 0, fmt.Errorf("find membership by triple: %w", err)
	}
	if existing.SubscriptionRef != nil {
		// Paid membership from before the product became free.
		return existing.ID, nil
	}
	if existing.IsEntitled() && existing.CurrentPeriodEnd != nil && existing.CurrentPeriodEnd.After(now) {
		return existing.ID, nil
	}
	if _, err := s.repo.RenewFreeMembership(ctx, existing.ID, periodEnd); err != nil {
		return 0, fmt.Errorf("renew free membership: %w", err)
	}
	log.Infof("[Billing] Free membership %d renewed until %s", existing.ID, periodEnd.Format("2006-01-02"))
	return existing.ID, nil
}

// CancelMembership asks the processor to end the membership at the period
// end. The local row changes only after the processor confirmed.
func (s *Service) CancelMembership(ctx context.Context, caller Caller, membershipID uint) (*models.Membership, error) {
	return s.setCancelIntent(ctx, caller, membershipID, true)
}

// ResumeMembership withdraws a pending cancellation.
func (s *Service) ResumeMembership(ctx context.Context, caller Caller, membershipID uint) (*models.Membership, error) {
	return s.setCancelIntent(ctx, caller, membershipID, false)
}

func (s *Service) setCancelIntent(ctx context.Context, caller Caller, membershipID uint, cancel bool) (*models.Membership, error) {
	ctx, span := s.tracer.Start(ctx, "billing.SetCancelIntent")
	defer span.End()

	m, err := s.repo.FindMembership(ctx, membershipID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	if caller.UserID == 0 || m.BuyerID != caller.UserID {
		return nil, ErrForbidden
	}
	if m.Status == models.MembershipStatusCanceled {
		return nil, ErrMembershipEnded
	}
	if m.CancelAtPeriodEnd == cancel {
		return m, nil
	}

	if m.SubscriptionRef == nil {
		if _, err := s.repo.SetMembershipCancelAtPeriodEnd(ctx, m.ID, cancel); err != nil {
			return nil, fmt.Errorf("update free membership: %w", err)
		}
		return s.repo.FindMembership(ctx, m.ID)
	}

	if s.processor == nil {
		return nil, fmt.Errorf("%w: no processor configured", ErrProcessorUnavailable)
	}
	sub, err := s.processor.SetCancelAtPeriodEnd(ctx, *m.SubscriptionRef, cancel)
	if err != nil {
		span.RecordError(err)
		log.Warnf("[Billing] Processor rejected cancel_at_period_end=%t for membership %d: %v", cancel, m.ID, err)
		return nil, err
	}

	out := &outbox{}
	if _, err := s.applySubscription(ctx, PhaseUpdated, *sub, subscriptionHint{}, out); err != nil {
		return nil, err
	}
	s.flush(ctx, out)
	return s.repo.FindMembership(ctx, m.ID)
}
