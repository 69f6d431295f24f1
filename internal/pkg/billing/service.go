package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/internal/pkg/metrics"
)

const tracerName = "github.com/ManuelReschke/Patronage/internal/pkg/billing"

// Service reconciles processor events and client confirmations into local
// orders, memberships and creator payout state.
type Service struct {
	repo          Repository
	processor     Processor
	dispatcher    Dispatcher
	webhookSecret string
	now           func() time.Time
	tracer        trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithProcessor sets the payment processor used for pull-path lookups and
// outbound updates.
func WithProcessor(p Processor) Option {
	return func(s *Service) { s.processor = p }
}

// WithDispatcher sets where post-commit side effects are sent.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithWebhookSecret sets the signing secret for inbound webhooks.
func WithWebhookSecret(secret string) Option {
	return func(s *Service) { s.webhookSecret = secret }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		dispatcher: discardDispatcher{},
		now:        time.Now,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, opts ...Option) *Service {
	return NewService(NewRepository(db), opts...)
}

// Repository exposes the underlying repository to task runners.
func (s *Service) Repository() Repository {
	return s.repo
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// flush hands collected side effects to the dispatcher. It runs only after
// the reconciliation writes have committed and never reports failure.
func (s *Service) flush(ctx context.Context, out *outbox) {
	if out == nil {
		return
	}
	for _, task := range out.tasks {
		if err := s.dispatcher.Dispatch(ctx, task); err != nil {
			metrics.TaskDispatchFailures.WithLabelValues(string(task.Kind)).Inc()
			log.Warnf("[Billing] Failed to dispatch %s task (user=%d ref=%s): %v", task.Kind, task.UserID, task.ReferenceKey, err)
		}
	}
	out.tasks = nil
}
