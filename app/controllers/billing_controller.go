package controllers

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/internal/pkg/billing"
	"github.com/ManuelReschke/Patronage/internal/pkg/env"
)

// ============================================================================
// BILLING CONTROLLER
// ============================================================================

// BillingController exposes the reconciliation engine over HTTP. Every
// handler resolves the caller once and hands it to the service explicitly.
type BillingController struct {
	svc *billing.Service
}

// NewBillingController creates a billing controller around a service
func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{svc: svc}
}

type claimRequest struct {
	Token    string `json:"token" validate:"required,max=128"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// HandleStripeWebhook consumes one processor delivery. Only signature
// failures are 400; a 500 asks the processor to redeliver.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns.
	payload := append([]byte(nil), c.Body()...)

	outcome, err := bc.svc.HandleWebhook(c.UserContext(), payload, c.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			log.Warnf("[Webhook] Rejected delivery from %s: %v", c.IP(), err)
			return respondBillingError(c, err)
		}
		log.Errorf("[Webhook] Delivery failed, processor will retry: %v", err)
		return respondError(c, fiber.StatusInternalServerError, "processing_failed", "Event could not be processed")
	}

	return c.JSON(fiber.Map{"received": true, "outcome": outcome})
}

// HandleFinalizeCheckout confirms a checkout from the success page.
func (bc *BillingController) HandleFinalizeCheckout(c *fiber.Ctx) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return unauthorized(c)
	}

	var req billing.FinalizeRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Request body could not be parsed")
	}
	req.SessionRef = strings.TrimSpace(req.SessionRef)
	req.Action = billing.Action(strings.ToLower(strings.TrimSpace(string(req.Action))))
	if err := validate.Struct(req); err != nil {
		return respondError(c, fiber.StatusUnprocessableEntity, "validation_failed", validationMessage(err))
	}

	res, err := bc.svc.Finalize(c.UserContext(), caller, req)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(res)
}

// HandleCancelMembership schedules cancellation at period end.
func (bc *BillingController) HandleCancelMembership(c *fiber.Ctx) error {
	return bc.setCancelIntent(c, true)
}

// HandleResumeMembership withdraws a scheduled cancellation.
func (bc *BillingController) HandleResumeMembership(c *fiber.Ctx) error {
	return bc.setCancelIntent(c, false)
}

func (bc *BillingController) setCancelIntent(c *fiber.Ctx, cancel bool) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Invalid membership id")
	}

	var err error
	var membership *models.Membership
	if cancel {
		membership, err = bc.svc.CancelMembership(c.UserContext(), caller, id)
	} else {
		membership, err = bc.svc.ResumeMembership(c.UserContext(), caller, id)
	}
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{"membership": membership})
}

// HandleConnectSync refreshes the caller's payout account from the processor.
func (bc *BillingController) HandleConnectSync(c *fiber.Ctx) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return unauthorized(c)
	}

	account, err := bc.svc.SyncCreatorAccount(c.UserContext(), caller)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{
		"account":             account,
		"can_receive_payouts": account.CanReceivePayouts(),
	})
}

// HandleConnectReturn is where the processor's onboarding flow sends the
// creator back. It links the account and redirects to the dashboard.
func (bc *BillingController) HandleConnectReturn(c *fiber.Ctx) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	status := "connected"
	if _, err := bc.svc.LinkAccount(c.UserContext(), caller, c.Query("account")); err != nil {
		log.Warnf("[Billing] Connect return for user %d failed: %v", caller.UserID, err)
		status = "error"
	}
	return c.Redirect(connectReturnURL(status), fiber.StatusSeeOther)
}

func connectReturnURL(status string) string {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	return base + "/creator/payouts?" + url.Values{"connect": []string{status}}.Encode()
}

// HandleClaimAccount lets a guest buyer set a password on their ghost account.
func (bc *BillingController) HandleClaimAccount(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Request body could not be parsed")
	}
	req.Token = strings.TrimSpace(req.Token)
	if err := validate.Struct(req); err != nil {
		return respondError(c, fiber.StatusUnprocessableEntity, "validation_failed", validationMessage(err))
	}

	user, err := bc.svc.ClaimAccount(c.UserContext(), req.Token, req.Password)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{"claimed": true, "user_id": user.ID, "email": user.Email})
}

// ============================================================================
// GLOBAL BILLING CONTROLLER INSTANCE
// ============================================================================

var billingController *BillingController

// InitializeBillingController installs the global billing controller
func InitializeBillingController(svc *billing.Service) {
	billingController = NewBillingController(svc)
}

// GetBillingController returns the global billing controller instance
func GetBillingController() *BillingController {
	if billingController == nil {
		panic("Billing controller not initialized. Call InitializeBillingController first.")
	}
	return billingController
}
