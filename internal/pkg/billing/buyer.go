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

// ResolveBuyer maps a processor identity to a local user ID, creating a
// ghost account for unknown emails. It returns 0 when neither identifier is
// present or the customer ref alone matches nobody.
func (s *Service) ResolveBuyer(ctx context.Context, email, customerRef string) (uint, error) {
	out := &outbox{}
	id, err := s.resolveBuyer(ctx, email, customerRef, out)
	if err != nil {
		return 0, err
	}
	s.flush(ctx, out)
	return id, nil
}

func (s *Service) resolveBuyer(ctx context.Context, email, customerRef string, out *outbox) (uint, error) {
	email = normalizeEmail(email)
	customerRef = strings.TrimSpace(customerRef)

	if email == "" {
		if customerRef == "" {
			return 0, nil
		}
		user, err := s.repo.FindUserByCustomerRef(ctx, customerRef)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("find user by customer: %w", err)
		}
		return user.ID, nil
	}

	user, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("find user by email: %w", err)
	}

	if user == nil {
		ghost, gerr := models.NewGhostUser(email)
		if gerr != nil {
			return 0, gerr
		}
		created, cerr := s.repo.CreateUserIfNotExists(ctx, ghost)
		if cerr != nil {
			return 0, fmt.Errorf("create ghost user: %w", cerr)
		}
		// Re-read by email: a concurrent resolver may have won the insert.
		user, err = s.repo.FindUserByEmail(ctx, email)
		if errors.Is(err, gorm.ErrRecordNotFound) && !created {
			// The email belongs to a deleted account; the purchase reactivates it.
			user, err = s.repo.RestoreUserByEmail(ctx, email)
			if err == nil {
				log.Warnf("[Billing] Restored deleted user %d for a purchase by its email", user.ID)
			}
		}
		if err != nil {
			return 0, fmt.Errorf("reload user by email: %w", err)
		}
		if created {
			metrics.GhostUsersCreatedTotal.Inc()
			log.Infof("[Billing] Created ghost user %d for guest checkout", user.ID)
			out.add(Task{Kind: TaskAccountClaim, UserID: user.ID, ReferenceKey: fmt.Sprintf("user:%d", user.ID)})
		}
	}

	if customerRef != "" && (user.StripeCustomerID == nil || *user.StripeCustomerID != customerRef) {
		s.attachCustomerRef(ctx, user, customerRef)
	}
	return user.ID, nil
}

// attachCustomerRef links a processor customer to the user unless the user
// is already linked to a different customer or the customer belongs to
// someone else. Neither case fails resolution.
func (s *Service) attachCustomerRef(ctx context.Context, user *models.User, customerRef string) {
	attached, err := s.repo.AttachCustomerRef(ctx, user.ID, customerRef)
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		log.Warnf("[Billing] Customer %s already linked to another user, not attaching to user %d", customerRef, user.ID)
	case err != nil:
		log.Warnf("[Billing] Failed to attach customer %s to user %d: %v", customerRef, user.ID, err)
	case !attached:
		log.Warnf("[Billing] User %d is linked to a different customer, keeping it (saw %s)", user.ID, customerRef)
	default:
		ref := customerRef
		user.StripeCustomerID = &ref
	}
}
