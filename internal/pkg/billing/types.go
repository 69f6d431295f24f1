package billing

import (
	"strconv"
	"strings"
	"time"
)

// Caller is the authenticated identity on whose behalf a pull-path
// operation runs. Handlers resolve it once and pass it down explicitly.
type Caller struct {
	UserID uint
	Email  string
}

// Action is what the client believes it bought.
type Action string

const (
	ActionPurchase   Action = "purchase"
	ActionRequest    Action = "request"
	ActionMembership Action = "membership"
)

// Checkout modes and payment states as reported by the processor.
const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"

	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// Metadata keys attached to checkout sessions and subscriptions at creation.
const (
	MetaOrderID   = "order_id"
	MetaBuyerID   = "buyer_id"
	MetaCreatorID = "creator_id"
	MetaProductID = "product_id"
	MetaKind      = "kind"
	MetaRequestID = "request_id"
)

// CheckoutMetadata is the typed view of the identity a checkout carries.
type CheckoutMetadata struct {
	OrderID   uint
	BuyerID   uint
	CreatorID uint
	ProductID uint
	Kind      string
	RequestID string
}

// ParseCheckoutMetadata reads known keys; malformed IDs are treated as absent.
func ParseCheckoutMetadata(md map[string]string) CheckoutMetadata {
	return CheckoutMetadata{
		OrderID:   parseID(md[MetaOrderID]),
		BuyerID:   parseID(md[MetaBuyerID]),
		CreatorID: parseID(md[MetaCreatorID]),
		ProductID: parseID(md[MetaProductID]),
		Kind:      strings.ToLower(strings.TrimSpace(md[MetaKind])),
		RequestID: strings.TrimSpace(md[MetaRequestID]),
	}
}

func parseID(v string) uint {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}

// mergeMetadata returns a copy of base with override's non-empty values on top.
func mergeMetadata(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

// CheckoutSnapshot is the processor-neutral view of a checkout session.
type CheckoutSnapshot struct {
	SessionRef       string
	Mode             string
	PaymentStatus    string
	PaymentIntentRef string
	SubscriptionRef  string
	CustomerRef      string
	Email            string
	AmountCents      int64
	Currency         string
	Metadata         map[string]string

	// Subscription is set when the processor returned it expanded.
	Subscription *SubscriptionSnapshot
}

// IsPaid reports whether money has moved (or none was required).
func (c CheckoutSnapshot) IsPaid() bool {
	return c.PaymentStatus == PaymentStatusPaid || c.PaymentStatus == PaymentStatusNoPaymentRequired
}

// SubscriptionSnapshot is the processor-neutral view of a subscription.
type SubscriptionSnapshot struct {
	Ref               string
	Status            string
	CustomerRef       string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	CanceledAt        *time.Time
	Metadata          map[string]string

	// ObservedAt is the event creation time for pushed events and the
	// local fetch time for pulled ones.
	ObservedAt time.Time
	// Pulled marks a snapshot fetched from the processor. Its ObservedAt
	// comes from the local clock and never orders it against events.
	Pulled bool
}

// AccountSnapshot is the processor-neutral view of a creator payout account.
type AccountSnapshot struct {
	Ref              string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
	Metadata         map[string]string
}

// FinalizeRequest is what the client success page posts after checkout.
type FinalizeRequest struct {
	SessionRef string `json:"session_id" validate:"omitempty,max=255"`
	ProductID  uint   `json:"product_id"`
	Action     Action `json:"action" validate:"omitempty,oneof=purchase request membership"`
}

// FinalizeResult is the normalized envelope returned to the success page.
type FinalizeResult struct {
	Type               Action `json:"type"`
	CreatorDisplayName string `json:"creatorDisplayName"`
	OrderID            *uint  `json:"orderID"`
	MembershipID       *uint  `json:"membershipID,omitempty"`
}

// WebhookOutcome tells the HTTP layer how a delivered event was handled.
type WebhookOutcome string

const (
	OutcomeProcessed WebhookOutcome = "processed"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeIgnored   WebhookOutcome = "ignored"
)
