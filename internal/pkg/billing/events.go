package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// Event is the closed set of processor notifications the engine knows.
// Dispatch must match every implementation; anything unrecognized arrives
// as Ignored.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type eventHeader struct {
	ID      string
	Type    string
	Created time.Time
}

func (h eventHeader) EventID() string   { return h.ID }
func (h eventHeader) EventType() string { return h.Type }
func (eventHeader) isEvent()            {}

// CheckoutCompleted reports a finished checkout session.
type CheckoutCompleted struct {
	eventHeader
	Session CheckoutSnapshot
}

// SubscriptionPhase is the lifecycle notification that carried a snapshot.
type SubscriptionPhase string

const (
	PhaseCreated SubscriptionPhase = "created"
	PhaseUpdated SubscriptionPhase = "updated"
	PhaseDeleted SubscriptionPhase = "deleted"
)

// SubscriptionChanged carries a subscription snapshot.
type SubscriptionChanged struct {
	eventHeader
	Phase        SubscriptionPhase
	Subscription SubscriptionSnapshot
}

// InvoicePaid reports a paid invoice. Its payload is not enough to update a
// membership; the subscription is re-fetched.
type InvoicePaid struct {
	eventHeader
	SubscriptionRef string
	CustomerRef     string
	Email           string
}

// AccountUpdated carries a connected account snapshot.
type AccountUpdated struct {
	eventHeader
	Account AccountSnapshot
}

// Ignored is any event kind the engine does not act on.
type Ignored struct {
	eventHeader
}

// Processor event type names.
const (
	EventCheckoutCompleted          = "checkout.session.completed"
	EventCheckoutAsyncPaymentPassed = "checkout.session.async_payment_succeeded"
	EventSubscriptionCreated        = "customer.subscription.created"
	EventSubscriptionUpdated        = "customer.subscription.updated"
	EventSubscriptionDeleted        = "customer.subscription.deleted"
	EventInvoicePaid                = "invoice.paid"
	EventInvoicePaymentSucceeded    = "invoice.payment_succeeded"
	EventAccountUpdated             = "account.updated"
)

// ParseEvent maps a verified processor event onto the Event union.
func ParseEvent(evt stripe.Event) (Event, error) {
	h := eventHeader{ID: evt.ID, Type: string(evt.Type), Created: time.Unix(evt.Created, 0).UTC()}
	if h.ID == "" {
		return nil, fmt.Errorf("%w: event id missing", ErrInvalidPayload)
	}

	var raw json.RawMessage
	if evt.Data != nil {
		raw = evt.Data.Raw
	}

	switch h.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentPassed:
		var s webhookCheckoutSession
		if err := decodeObject(raw, &s); err != nil {
			return nil, err
		}
		return CheckoutCompleted{eventHeader: h, Session: s.snapshot()}, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s webhookSubscription
		if err := decodeObject(raw, &s); err != nil {
			return nil, err
		}
		phase := PhaseUpdated
		switch h.Type {
		case EventSubscriptionCreated:
			phase = PhaseCreated
		case EventSubscriptionDeleted:
			phase = PhaseDeleted
		}
		return SubscriptionChanged{eventHeader: h, Phase: phase, Subscription: s.snapshot(h.Created)}, nil

	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		var inv webhookInvoice
		if err := decodeObject(raw, &inv); err != nil {
			return nil, err
		}
		return InvoicePaid{
			eventHeader:     h,
			SubscriptionRef: inv.subscriptionRef(),
			CustomerRef:     string(inv.Customer),
			Email:           inv.CustomerEmail,
		}, nil

	case EventAccountUpdated:
		var a webhookAccount
		if err := decodeObject(raw, &a); err != nil {
			return nil, err
		}
		return AccountUpdated{eventHeader: h, Account: AccountSnapshot{
			Ref:              a.ID,
			DetailsSubmitted: a.DetailsSubmitted,
			ChargesEnabled:   a.ChargesEnabled,
			PayoutsEnabled:   a.PayoutsEnabled,
			Metadata:         a.Metadata,
		}}, nil

	default:
		return Ignored{eventHeader: h}, nil
	}
}

func decodeObject(raw json.RawMessage, v interface{ validate() error }) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty data object", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v.validate()
}

// expandableID decodes a field the processor sends either as an ID string
// or as an expanded object with an "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type webhookCheckoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	PaymentStatus   string            `json:"payment_status"`
	PaymentIntent   expandableID      `json:"payment_intent"`
	Subscription    expandableID      `json:"subscription"`
	Customer        expandableID      `json:"customer"`
	CustomerEmail   string            `json:"customer_email"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (s *webhookCheckoutSession) validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: checkout session without id", ErrInvalidPayload)
	}
	return nil
}

func (s *webhookCheckoutSession) snapshot() CheckoutSnapshot {
	email := s.CustomerEmail
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		email = s.CustomerDetails.Email
	}
	return CheckoutSnapshot{
		SessionRef:       s.ID,
		Mode:             s.Mode,
		PaymentStatus:    s.PaymentStatus,
		PaymentIntentRef: string(s.PaymentIntent),
		SubscriptionRef:  string(s.Subscription),
		CustomerRef:      string(s.Customer),
		Email:            email,
		AmountCents:      s.AmountTotal,
		Currency:         s.Currency,
		Metadata:         s.Metadata,
	}
}

type webhookSubscription struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Customer          expandableID      `json:"customer"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             *struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s *webhookSubscription) validate() error {
	if s.ID == "" || s.Status == "" {
		return fmt.Errorf("%w: subscription without id or status", ErrInvalidPayload)
	}
	return nil
}

func (s *webhookSubscription) snapshot(observedAt time.Time) SubscriptionSnapshot {
	// Newer API versions report the period end per item only.
	periodEnd := s.CurrentPeriodEnd
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	return SubscriptionSnapshot{
		Ref:               s.ID,
		Status:            s.Status,
		CustomerRef:       string(s.Customer),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CurrentPeriodEnd:  unixPtr(periodEnd),
		CanceledAt:        unixPtr(s.CanceledAt),
		Metadata:          s.Metadata,
		ObservedAt:        observedAt,
	}
}

type webhookInvoice struct {
	ID            string       `json:"id"`
	Subscription  expandableID `json:"subscription"`
	Customer      expandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i *webhookInvoice) validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: invoice without id", ErrInvalidPayload)
	}
	return nil
}

func (i *webhookInvoice) subscriptionRef() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

type webhookAccount struct {
	ID               string            `json:"id"`
	DetailsSubmitted bool              `json:"details_submitted"`
	ChargesEnabled   bool              `json:"charges_enabled"`
	PayoutsEnabled   bool              `json:"payouts_enabled"`
	Metadata         map[string]string `json:"metadata"`
}

func (a *webhookAccount) validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: account without id", ErrInvalidPayload)
	}
	return nil
}
