package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/Patronage/app/models"
)

// MarkIfNew records eventID in the dedup ledger. It returns true exactly
// once per ID, for the caller that must apply the event.
func (s *Service) MarkIfNew(ctx context.Context, eventID, eventType string) (bool, error) {
	id := strings.TrimSpace(eventID)
	if id == "" {
		return false, errors.New("event id is required")
	}
	return s.repo.InsertProcessedEvent(ctx, &models.ProcessedEvent{
		EventID:   id,
		EventType: eventType,
		CreatedAt: s.clock(),
	})
}

// ReleaseEvent removes a ledger entry whose processing failed so that the
// processor's retry is applied instead of skipped.
func (s *Service) ReleaseEvent(ctx context.Context, eventID string) error {
	return s.repo.DeleteProcessedEvent(ctx, eventID)
}

// PurgeProcessedEvents drops ledger entries older than retention. Retention
// must exceed the processor's retry window or old events could be reapplied.
func (s *Service) PurgeProcessedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.New("retention must be positive")
	}
	return s.repo.PurgeProcessedEvents(ctx, s.clock().Add(-retention))
}
