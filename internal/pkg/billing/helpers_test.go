package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/internal/pkg/testutil"
)

type fakeProcessor struct {
	mu            sync.Mutex
	sessions      map[string]CheckoutSnapshot
	subscriptions map[string]SubscriptionSnapshot
	accounts      map[string]AccountSnapshot
	updateErr     error
	calls         int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		sessions:      map[string]CheckoutSnapshot{},
		subscriptions: map[string]SubscriptionSnapshot{},
		accounts:      map[string]AccountSnapshot{},
	}
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProcessor) GetCheckoutSession(ctx context.Context, ref string) (*CheckoutSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	s, ok := f.sessions[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	}
	if s.Subscription != nil {
		sub := *s.Subscription
		sub.Pulled = true
		s.Subscription = &sub
	}
	return &s, nil
}

func (f *fakeProcessor) GetSubscription(ctx context.Context, ref string) (*SubscriptionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	s, ok := f.subscriptions[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, ref)
	}
	s.ObservedAt = time.Now().UTC()
	s.Pulled = true
	return &s, nil
}

func (f *fakeProcessor) GetAccount(ctx context.Context, ref string) (*AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	a, ok := f.accounts[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ref)
	}
	return &a, nil
}

func (f *fakeProcessor) SetCancelAtPeriodEnd(ctx context.Context, ref string, cancel bool) (*SubscriptionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	s, ok := f.subscriptions[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, ref)
	}
	s.CancelAtPeriodEnd = cancel
	f.subscriptions[ref] = s
	s.ObservedAt = time.Now().UTC()
	s.Pulled = true
	return &s, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) ofKind(kind TaskKind) []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Task
	for _, t := range d.tasks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (d *recordingDispatcher) all() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Task(nil), d.tasks...)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *recordingMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to+"|"+subject)
	return nil
}

type testEnv struct {
	db         *gorm.DB
	svc        *Service
	processor  *fakeProcessor
	dispatcher *recordingDispatcher
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	db := testutil.NewTestDB(t)
	env := &testEnv{
		db:         db,
		processor:  newFakeProcessor(),
		dispatcher: &recordingDispatcher{},
	}
	all := append([]Option{
		WithProcessor(env.processor),
		WithDispatcher(env.dispatcher),
		WithWebhookSecret(testWebhookSecret),
	}, opts...)
	env.svc = NewServiceFromDB(db, all...)
	return env
}

func (e *testEnv) createUser(t *testing.T, name, email string) *models.User {
	t.Helper()
	hash, err := models.HashPassword("secret123")
	require.NoError(t, err)
	u := &models.User{Name: name, Email: email, Password: hash, Role: models.ROLE_USER, Status: models.STATUS_ACTIVE}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) createProduct(t *testing.T, creatorID uint, kind string, priceCents int64) *models.Product {
	t.Helper()
	p := &models.Product{CreatorID: creatorID, Title: "Product", Kind: kind, PriceCents: priceCents, Currency: "usd", IsActive: true}
	require.NoError(t, e.db.Create(p).Error)
	return p
}

func (e *testEnv) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := e.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func productMetadata(p *models.Product) map[string]string {
	return map[string]string{
		MetaProductID: fmt.Sprint(p.ID),
		MetaCreatorID: fmt.Sprint(p.CreatorID),
	}
}

func ts(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}
