package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Patronage/internal/pkg/metrics"
)

// TaskKind names a post-commit side effect.
type TaskKind string

const (
	TaskSaleNotification TaskKind = "sale_notification"
	TaskPurchaseReceipt  TaskKind = "purchase_receipt"
	TaskMembershipSale   TaskKind = "membership_sale"
	TaskAccountClaim     TaskKind = "account_claim"
	TaskEligibility      TaskKind = "eligibility_recompute"
)

// Task is a side effect produced by reconciliation. Tasks are dispatched
// only after the reconciliation writes committed.
type Task struct {
	Kind         TaskKind `json:"kind"`
	UserID       uint     `json:"user_id,omitempty"`
	OrderID      uint     `json:"order_id,omitempty"`
	MembershipID uint     `json:"membership_id,omitempty"`
	ReferenceKey string   `json:"reference_key,omitempty"`
}

// ToMap converts the task to a job payload
func (t Task) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"kind":          string(t.Kind),
		"user_id":       t.UserID,
		"order_id":      t.OrderID,
		"membership_id": t.MembershipID,
		"reference_key": t.ReferenceKey,
	}
}

// TaskFromMap creates a task from a job payload
func TaskFromMap(data map[string]interface{}) (*Task, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(jsonData, &task); err != nil {
		return nil, err
	}
	if task.Kind == "" {
		return nil, errors.New("task kind is required")
	}
	return &task, nil
}

type outbox struct {
	tasks []Task
}

func (o *outbox) add(t Task) {
	o.tasks = append(o.tasks, t)
}

// Dispatcher hands a task to whatever delivers it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

type discardDispatcher struct{}

func (discardDispatcher) Dispatch(ctx context.Context, task Task) error {
	log.Debugf("[Billing] No dispatcher configured, dropping %s task", task.Kind)
	return nil
}

// Enqueuer is the part of the job queue the dispatcher needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// QueueDispatcher enqueues tasks on the Redis job queue.
type QueueDispatcher struct {
	queue Enqueuer
}

// NewQueueDispatcher creates a dispatcher on the given queue.
func NewQueueDispatcher(q Enqueuer) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, task Task) error {
	_, err := d.queue.EnqueueJob(ctx, jobqueue.JobTypeBillingTask, task.ToMap())
	return err
}

// Mailer sends a single HTML email.
type Mailer interface {
	Send(to, subject, body string) error
}

// MailerFunc adapts a plain function, such as mail.SendMail, to Mailer.
type MailerFunc func(to, subject, body string) error

func (f MailerFunc) Send(to, subject, body string) error {
	return f(to, subject, body)
}

// TaskRunner executes tasks. The notifications table is the delivery log:
// a task whose notification row already exists sends nothing.
type TaskRunner struct {
	repo    Repository
	mailer  Mailer
	baseURL string
	now     func() time.Time
}

// NewTaskRunner creates a runner. baseURL is the public origin used in links.
func NewTaskRunner(repo Repository, mailer Mailer, baseURL string) *TaskRunner {
	return &TaskRunner{
		repo:    repo,
		mailer:  mailer,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// HandleJob is the job queue handler for JobTypeBillingTask.
func (r *TaskRunner) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	task, err := TaskFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
	}
	return r.Run(ctx, *task)
}

// Run executes a single task.
func (r *TaskRunner) Run(ctx context.Context, task Task) error {
	var err error
	switch task.Kind {
	case TaskSaleNotification:
		err = r.runOrderNotification(ctx, task, true)
	case TaskPurchaseReceipt:
		err = r.runOrderNotification(ctx, task, false)
	case TaskMembershipSale:
		err = r.runMembershipSale(ctx, task)
	case TaskAccountClaim:
		err = r.runAccountClaim(ctx, task)
	case TaskEligibility:
		err = recomputeEligibility(ctx, r.repo, task.UserID)
	default:
		err = fmt.Errorf("%w: unknown task kind %q", jobqueue.ErrPermanent, task.Kind)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.TasksRunTotal.WithLabelValues(string(task.Kind), result).Inc()
	return err
}

func (r *TaskRunner) runOrderNotification(ctx context.Context, task Task, toCreator bool) error {
	order, err := r.repo.FindOrder(ctx, task.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: order %d not found", jobqueue.ErrPermanent, task.OrderID)
		}
		return err
	}

	n := &models.Notification{ReferenceKey: fmt.Sprintf("order:%d", order.ID)}
	var subject string
	if toCreator {
		n.UserID = order.CreatorID
		n.Type = models.NotificationTypeSale
		n.Content = fmt.Sprintf("New sale: order #%d (%s)", order.ID, formatAmount(order.AmountCents, order.Currency))
		subject = "You made a sale"
	} else {
		if order.BuyerID == nil {
			return nil
		}
		n.UserID = *order.BuyerID
		n.Type = models.NotificationTypePurchase
		n.Content = fmt.Sprintf("Your order #%d is confirmed (%s)", order.ID, formatAmount(order.AmountCents, order.Currency))
		subject = "Your purchase is confirmed"
	}

	return r.notify(ctx, n, subject)
}

func (r *TaskRunner) runMembershipSale(ctx context.Context, task Task) error {
	m, err := r.repo.FindMembership(ctx, task.MembershipID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: membership %d not found", jobqueue.ErrPermanent, task.MembershipID)
		}
		return err
	}
	key := task.ReferenceKey
	if key == "" {
		key = fmt.Sprintf("membership:%d", m.ID)
	}
	n := &models.Notification{
		UserID:       m.CreatorID,
		Type:         models.NotificationTypeMembershipSale,
		ReferenceKey: key,
		Content:      fmt.Sprintf("New member on product #%d", m.ProductID),
	}
	return r.notify(ctx, n, "You have a new member")
}

// notify records the notification and mails the user the first time only.
// Mail failures are logged; the in-app notification already exists.
func (r *TaskRunner) notify(ctx context.Context, n *models.Notification, subject string) error {
	created, err := r.repo.CreateNotificationIfNotExists(ctx, n)
	if err != nil {
		return err
	}
	if !created {
		log.Debugf("[Billing] Notification %s/%s for user %d already sent", n.Type, n.ReferenceKey, n.UserID)
		return nil
	}
	if r.mailer == nil {
		return nil
	}
	user, err := r.repo.FindUserByID(ctx, n.UserID)
	if err != nil {
		log.Warnf("[Billing] Notification %d: cannot load user %d for mail: %v", n.ID, n.UserID, err)
		return nil
	}
	if err := r.mailer.Send(user.Email, subject, "<p>"+n.Content+"</p>"); err != nil {
		log.Warnf("[Billing] Notification %d: mail to user %d failed: %v", n.ID, n.UserID, err)
	}
	return nil
}

// runAccountClaim issues a fresh claim token (invalidating older ones) and
// mails the link. A mail failure is returned so the retry issues a new
// token; the old one is superseded either way.
func (r *TaskRunner) runAccountClaim(ctx context.Context, task Task) error {
	user, err := r.repo.FindUserByID(ctx, task.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: user %d not found", jobqueue.ErrPermanent, task.UserID)
		}
		return err
	}
	if !user.IsGhost {
		return nil
	}

	token, raw, err := models.NewClaimToken(user.ID, r.now().UTC())
	if err != nil {
		return err
	}
	if err := r.repo.IssueClaimToken(ctx, token); err != nil {
		return err
	}

	if _, err := r.repo.CreateNotificationIfNotExists(ctx, &models.Notification{
		UserID:       user.ID,
		Type:         models.NotificationTypeAccountClaim,
		ReferenceKey: fmt.Sprintf("claim:%d", token.ID),
		Content:      "Set a password to access your purchases",
	}); err != nil {
		log.Warnf("[Billing] Claim notification for user %d failed: %v", user.ID, err)
	}

	if r.mailer == nil {
		return nil
	}
	link := fmt.Sprintf("%s/account/claim?token=%s", r.baseURL, raw)
	body := fmt.Sprintf(`<p>Thanks for your purchase.</p><p><a href="%s">Set a password</a> to access it any time. The link is valid for 7 days.</p>`, link)
	return r.mailer.Send(user.Email, "Access your purchases", body)
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, strings.ToUpper(currency))
}
