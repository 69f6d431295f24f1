package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/app/models"
)

// SyncAccountState stores the capability flags of a creator's payout
// account. connected_at is stamped the first time details are submitted and
// kept from then on.
func (s *Service) SyncAccountState(ctx context.Context, creatorID uint, snap AccountSnapshot) (*models.ConnectAccount, error) {
	out := &outbox{}
	account, err := s.syncAccountState(ctx, creatorID, snap, out)
	if err != nil {
		return nil, err
	}
	s.flush(ctx, out)
	return account, nil
}

func (s *Service) syncAccountState(ctx context.Context, creatorID uint, snap AccountSnapshot, out *outbox) (*models.ConnectAccount, error) {
	ref := strings.TrimSpace(snap.Ref)
	if creatorID == 0 || ref == "" {
		return nil, fmt.Errorf("%w: creator and account ref are required", ErrInvalidRequest)
	}

	account := &models.ConnectAccount{
		CreatorID:        creatorID,
		AccountRef:       ref,
		DetailsSubmitted: snap.DetailsSubmitted,
		ChargesEnabled:   snap.ChargesEnabled,
		PayoutsEnabled:   snap.PayoutsEnabled,
	}
	if snap.DetailsSubmitted {
		now := s.clock()
		account.ConnectedAt = &now
	}

	if err := s.repo.UpsertConnectAccount(ctx, account); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: account %s is linked to another creator", ErrOwnershipMismatch, ref)
		}
		return nil, fmt.Errorf("upsert connect account: %w", err)
	}

	log.Infof("[Billing] Connect account %s synced for creator %d (details=%t charges=%t payouts=%t)",
		ref, creatorID, account.DetailsSubmitted, account.ChargesEnabled, account.PayoutsEnabled)
	out.add(Task{Kind: TaskEligibility, UserID: creatorID, ReferenceKey: fmt.Sprintf("creator:%d", creatorID)})
	return account, nil
}

// handleAccountUpdated applies an account notification. Accounts without a
// local mapping do not belong to this application and are skipped.
func (s *Service) handleAccountUpdated(ctx context.Context, snap AccountSnapshot, out *outbox) error {
	mapped, err := s.repo.FindConnectAccountByRef(ctx, snap.Ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Debugf("[Billing] Account %s is not mapped to a creator, skipping", snap.Ref)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find connect account: %w", err)
	}
	_, err = s.syncAccountState(ctx, mapped.CreatorID, snap, out)
	return err
}

// SyncCreatorAccount refreshes the caller's stored account from the processor.
func (s *Service) SyncCreatorAccount(ctx context.Context, caller Caller) (*models.ConnectAccount, error) {
	if caller.UserID == 0 {
		return nil, ErrForbidden
	}
	mapped, err := s.repo.FindConnectAccountByCreator(ctx, caller.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoConnectAccount
	}
	if err != nil {
		return nil, fmt.Errorf("find connect account: %w", err)
	}
	snap, err := s.fetchAccount(ctx, mapped.AccountRef)
	if err != nil {
		return nil, err
	}
	return s.SyncAccountState(ctx, caller.UserID, *snap)
}

// LinkAccount handles the onboarding return: the account must have been
// created for the caller, which the processor records in its metadata.
func (s *Service) LinkAccount(ctx context.Context, caller Caller, accountRef string) (*models.ConnectAccount, error) {
	accountRef = strings.TrimSpace(accountRef)
	if caller.UserID == 0 {
		return nil, ErrForbidden
	}
	if accountRef == "" {
		return s.SyncCreatorAccount(ctx, caller)
	}
	snap, err := s.fetchAccount(ctx, accountRef)
	if err != nil {
		return nil, err
	}
	if owner := parseID(snap.Metadata[MetaCreatorID]); owner != caller.UserID {
		log.Warnf("[Billing] User %d tried to link account %s owned by creator %d", caller.UserID, accountRef, owner)
		return nil, ErrOwnershipMismatch
	}
	return s.SyncAccountState(ctx, caller.UserID, *snap)
}

func (s *Service) fetchAccount(ctx context.Context, accountRef string) (*AccountSnapshot, error) {
	if s.processor == nil {
		return nil, fmt.Errorf("%w: no processor configured", ErrProcessorUnavailable)
	}
	return s.processor.GetAccount(ctx, accountRef)
}

// recomputeEligibility derives the creator's payout eligibility from the
// stored account capabilities.
func recomputeEligibility(ctx context.Context, repo Repository, creatorID uint) error {
	account, err := repo.FindConnectAccountByCreator(ctx, creatorID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	eligible := account.CanReceivePayouts()
	if err := repo.SetPayoutsEligible(ctx, creatorID, eligible); err != nil {
		return err
	}
	log.Debugf("[Billing] Creator %d payouts eligible: %t", creatorID, eligible)
	return nil
}
