package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Patronage/app/models"
)

const MinPasswordLength = 8

// ClaimAccount promotes a ghost user to a regular account using the latest
// claim token and the password the buyer chose.
func (s *Service) ClaimAccount(ctx context.Context, rawToken, password string) (*models.User, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrClaimTokenInvalid
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, MinPasswordLength)
	}
	hash, err := models.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.ConsumeClaimToken(ctx, models.HashClaimToken(rawToken), hash, s.clock())
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] User %d claimed their account", user.ID)
	return user, nil
}
