package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/Patronage/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the atomic DB operations the reconciliation core is
// built from. Writes are single insert-or-ignore statements or conditional
// updates; where a check spans two unique keys it runs in one transaction
// and the unique indexes settle races.
type Repository interface {
	InsertProcessedEvent(ctx context.Context, event *models.ProcessedEvent) (bool, error)
	DeleteProcessedEvent(ctx context.Context, eventID string) error
	PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error)

	FindUserByID(ctx context.Context, id uint) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByCustomerRef(ctx context.Context, customerRef string) (*models.User, error)
	CreateUserIfNotExists(ctx context.Context, user *models.User) (bool, error)
	RestoreUserByEmail(ctx context.Context, email string) (*models.User, error)
	AttachCustomerRef(ctx context.Context, userID uint, customerRef string) (bool, error)
	SetPayoutsEligible(ctx context.Context, userID uint, eligible bool) error

	FindProduct(ctx context.Context, id uint) (*models.Product, error)

	FindOrder(ctx context.Context, id uint) (*models.Order, error)
	FindOrderBySessionRef(ctx context.Context, sessionRef string) (*models.Order, error)
	MarkOrderPaid(ctx context.Context, orderID uint, sessionRef, paymentRef string, paidAt time.Time) (bool, error)
	CreateOrderIfNotExists(ctx context.Context, order *models.Order) (bool, error)

	FindMembership(ctx context.Context, id uint) (*models.Membership, error)
	FindMembershipBySubscriptionRef(ctx context.Context, ref string) (*models.Membership, error)
	FindMembershipByTriple(ctx context.Context, buyerID, creatorID, productID uint) (*models.Membership, error)
	UpdateMembershipBySubscriptionRef(ctx context.Context, ref string, u MembershipUpdate) (int64, error)
	UpdateMembershipByTriple(ctx context.Context, buyerID, creatorID, productID uint, ref string, u MembershipUpdate) (int64, error)
	CreateMembershipIfNotExists(ctx context.Context, m *models.Membership) (bool, error)
	RenewFreeMembership(ctx context.Context, id uint, periodEnd time.Time) (int64, error)
	SetMembershipCancelAtPeriodEnd(ctx context.Context, id uint, cancel bool) (int64, error)

	FindConnectAccountByCreator(ctx context.Context, creatorID uint) (*models.ConnectAccount, error)
	FindConnectAccountByRef(ctx context.Context, accountRef string) (*models.ConnectAccount, error)
	UpsertConnectAccount(ctx context.Context, account *models.ConnectAccount) error

	CreateNotificationIfNotExists(ctx context.Context, n *models.Notification) (bool, error)

	IssueClaimToken(ctx context.Context, token *models.ClaimToken) error
	ConsumeClaimToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (*models.User, error)
}

// MembershipUpdate is the processor-authoritative part of a membership row.
type MembershipUpdate struct {
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	CanceledAt        *time.Time
	ObservedAt        time.Time
	// Ordered is set when ObservedAt is a processor event time.
	Ordered bool
}

func (u MembershipUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{
		"status":               u.Status,
		"cancel_at_period_end": u.CancelAtPeriodEnd,
	}
	if u.Ordered {
		cols["processor_updated_at"] = u.ObservedAt
	}
	// A snapshot without a period end keeps the stored one.
	if u.CurrentPeriodEnd != nil {
		cols["current_period_end"] = *u.CurrentPeriodEnd
	}
	// canceled_at is written once and never cleared.
	if u.Status == models.MembershipStatusCanceled && u.CanceledAt != nil {
		cols["canceled_at"] = gorm.Expr("COALESCE(canceled_at, ?)", *u.CanceledAt)
	}
	return cols
}

// fence limits a membership update to rows the snapshot may still move.
// A canceled subscription ref is final. Event-stamped snapshots must not be
// older than the last event applied for the same ref; pulled snapshots are
// current state and skip that check.
func (u MembershipUpdate) fence(q *gorm.DB, ref string) *gorm.DB {
	if u.Status == models.MembershipStatusCanceled {
		return q
	}
	q = q.Where("subscription_ref IS NULL OR subscription_ref <> ? OR status <> ?", ref, models.MembershipStatusCanceled)
	if u.Ordered {
		q = q.Where("subscription_ref IS NULL OR subscription_ref <> ? OR processor_updated_at IS NULL OR processor_updated_at <= ?", ref, u.ObservedAt)
	}
	return q
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) InsertProcessedEvent(ctx context.Context, event *models.ProcessedEvent) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) DeleteProcessedEvent(ctx context.Context, eventID string) error {
	return r.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&models.ProcessedEvent{}).Error
}

func (r *gormRepository) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&models.ProcessedEvent{})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) FindUserByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindUserByCustomerRef(ctx context.Context, customerRef string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerRef).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) CreateUserIfNotExists(ctx context.Context, user *models.User) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(user)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// RestoreUserByEmail clears the soft delete of the user holding email. The
// email stays unique across deleted rows, so a ghost cannot take it over.
func (r *gormRepository) RestoreUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Unscoped().Where("email = ?", normalizeEmail(email)).First(&u).Error; err != nil {
		return nil, err
	}
	if u.DeletedAt.Valid {
		if err := r.db.WithContext(ctx).Unscoped().Model(&u).Update("deleted_at", nil).Error; err != nil {
			return nil, err
		}
		u.DeletedAt = gorm.DeletedAt{}
	}
	return &u, nil
}

func (r *gormRepository) AttachCustomerRef(ctx context.Context, userID uint, customerRef string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND (stripe_customer_id IS NULL OR stripe_customer_id = '' OR stripe_customer_id = ?)", userID, customerRef).
		Update("stripe_customer_id", customerRef)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) SetPayoutsEligible(ctx context.Context, userID uint, eligible bool) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("payouts_eligible", eligible).Error
}

func (r *gormRepository) FindProduct(ctx context.Context, id uint) (*models.Product, error) {
	var p models.Product
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindOrder(ctx context.Context, id uint) (*models.Order, error) {
	var o models.Order
	if err := r.db.WithContext(ctx).First(&o, id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *gormRepository) FindOrderBySessionRef(ctx context.Context, sessionRef string) (*models.Order, error) {
	var o models.Order
	if err := r.db.WithContext(ctx).Where("checkout_session_ref = ?", sessionRef).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *gormRepository) MarkOrderPaid(ctx context.Context, orderID uint, sessionRef, paymentRef string, paidAt time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":               models.OrderStatusPaid,
		"checkout_session_ref": sessionRef,
		"paid_at":              paidAt,
	}
	if paymentRef != "" {
		updates["payment_intent_ref"] = paymentRef
	}
	tx := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status IN ?", orderID, []string{models.OrderStatusPending, models.OrderStatusCreated}).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) CreateOrderIfNotExists(ctx context.Context, order *models.Order) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "checkout_session_ref"}},
		DoNothing: true,
	}).Create(order)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) FindMembership(ctx context.Context, id uint) (*models.Membership, error) {
	var m models.Membership
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) FindMembershipBySubscriptionRef(ctx context.Context, ref string) (*models.Membership, error) {
	var m models.Membership
	if err := r.db.WithContext(ctx).Where("subscription_ref = ?", ref).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) FindMembershipByTriple(ctx context.Context, buyerID, creatorID, productID uint) (*models.Membership, error) {
	var m models.Membership
	err := r.db.WithContext(ctx).
		Where("buyer_id = ? AND creator_id = ? AND product_id = ?", buyerID, creatorID, productID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) UpdateMembershipBySubscriptionRef(ctx context.Context, ref string, u MembershipUpdate) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Membership{}).Where("subscription_ref = ?", ref)
	tx := u.fence(q, ref).Updates(u.columns())
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) UpdateMembershipByTriple(ctx context.Context, buyerID, creatorID, productID uint, ref string, u MembershipUpdate) (int64, error) {
	cols := u.columns()
	cols["subscription_ref"] = ref
	q := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("buyer_id = ? AND creator_id = ? AND product_id = ?", buyerID, creatorID, productID)
	tx := u.fence(q, ref).Updates(cols)
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) CreateMembershipIfNotExists(ctx context.Context, m *models.Membership) (bool, error) {
	// No conflict target: both the (buyer, creator, product) triple and the
	// subscription ref are unique and either may collide.
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) RenewFreeMembership(ctx context.Context, id uint, periodEnd time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("id = ? AND subscription_ref IS NULL", id).
		Updates(map[string]interface{}{
			"status":               models.MembershipStatusActive,
			"cancel_at_period_end": false,
			"current_period_end":   periodEnd,
		})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) SetMembershipCancelAtPeriodEnd(ctx context.Context, id uint, cancel bool) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("id = ?", id).
		Update("cancel_at_period_end", cancel)
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) FindConnectAccountByCreator(ctx context.Context, creatorID uint) (*models.ConnectAccount, error) {
	var a models.ConnectAccount
	if err := r.db.WithContext(ctx).Where("creator_id = ?", creatorID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) FindConnectAccountByRef(ctx context.Context, accountRef string) (*models.ConnectAccount, error) {
	var a models.ConnectAccount
	if err := r.db.WithContext(ctx).Where("account_ref = ?", accountRef).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// errConnectAccountRace marks an insert that lost to a concurrent one.
var errConnectAccountRace = errors.New("connect account inserted concurrently")

// UpsertConnectAccount stores the creator's payout account. An account ref
// held by another creator fails with gorm.ErrDuplicatedKey and leaves that
// row untouched. connected_at is written once.
func (r *gormRepository) UpsertConnectAccount(ctx context.Context, account *models.ConnectAccount) error {
	err := r.upsertConnectAccount(ctx, account)
	if errors.Is(err, errConnectAccountRace) {
		// The winner's row is visible now; the second pass updates it or
		// reports the ref as taken.
		err = r.upsertConnectAccount(ctx, account)
		if errors.Is(err, errConnectAccountRace) {
			return gorm.ErrDuplicatedKey
		}
	}
	return err
}

func (r *gormRepository) upsertConnectAccount(ctx context.Context, account *models.ConnectAccount) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner models.ConnectAccount
		err := tx.Where("account_ref = ?", account.AccountRef).First(&owner).Error
		if err == nil && owner.CreatorID != account.CreatorID {
			return gorm.ErrDuplicatedKey
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var stored models.ConnectAccount
		err = tx.Where("creator_id = ?", account.CreatorID).First(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(account).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errConnectAccountRace
				}
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}

		connectedAt := stored.ConnectedAt
		if connectedAt == nil {
			connectedAt = account.ConnectedAt
		}
		if err := tx.Model(&stored).Updates(map[string]interface{}{
			"account_ref":       account.AccountRef,
			"details_submitted": account.DetailsSubmitted,
			"charges_enabled":   account.ChargesEnabled,
			"payouts_enabled":   account.PayoutsEnabled,
			"connected_at":      connectedAt,
		}).Error; err != nil {
			return err
		}
		return tx.First(account, stored.ID).Error
	})
}

func (r *gormRepository) CreateNotificationIfNotExists(ctx context.Context, n *models.Notification) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "type"}, {Name: "reference_key"}},
		DoNothing: true,
	}).Create(n)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) IssueClaimToken(ctx context.Context, token *models.ClaimToken) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&models.ClaimToken{}).
			Where("user_id = ? AND consumed_at IS NULL", token.UserID).
			Update("consumed_at", now).Error; err != nil {
			return err
		}
		return tx.Create(token).Error
	})
}

func (r *gormRepository) ConsumeClaimToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var token models.ClaimToken
		if err := tx.Where("token_hash = ?", tokenHash).First(&token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrClaimTokenInvalid
			}
			return err
		}

		// Consuming is the compare-and-set: only one caller can flip it.
		res := tx.Model(&models.ClaimToken{}).
			Where("id = ? AND consumed_at IS NULL AND expires_at > ?", token.ID, now).
			Update("consumed_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimTokenInvalid
		}

		res = tx.Model(&models.User{}).
			Where("id = ? AND is_ghost = ?", token.UserID, true).
			Updates(map[string]interface{}{"password": passwordHash, "is_ghost": false})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimTokenInvalid
		}
		return tx.First(&user, token.UserID).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
