package billing

import "errors"

var (
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrInvalidPayload       = errors.New("invalid webhook payload")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrModeMismatch         = errors.New("checkout mode does not match requested action")
	ErrOwnershipMismatch    = errors.New("checkout belongs to another buyer")
	ErrSessionNotFound      = errors.New("checkout session not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAccountNotFound      = errors.New("connected account not found")
	ErrPaymentIncomplete    = errors.New("payment not completed")
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	ErrNotFree              = errors.New("product is not free")
	ErrProductNotFound      = errors.New("product not found")
	ErrMembershipNotFound   = errors.New("membership not found")
	ErrMembershipEnded      = errors.New("membership already canceled")
	ErrForbidden            = errors.New("forbidden")
	ErrNoConnectAccount     = errors.New("creator has no connected account")
	ErrClaimTokenInvalid    = errors.New("claim token invalid or expired")

	// ErrUnreconcilable marks a verified event that can never be applied,
	// such as a checkout without a product. Retrying it cannot help.
	ErrUnreconcilable = errors.New("event cannot be reconciled")

	// ErrUnhandledEvent is returned when a parsed event kind has no handler.
	ErrUnhandledEvent = errors.New("unhandled event kind")
)
