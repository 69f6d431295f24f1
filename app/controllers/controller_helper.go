package controllers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/internal/pkg/billing"
	"github.com/ManuelReschke/Patronage/internal/pkg/usercontext"
)

var validate = validator.New()

// callerFromContext turns the authenticated request identity into the
// explicit caller every billing operation takes.
func callerFromContext(c *fiber.Ctx) (billing.Caller, bool) {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn || userCtx.UserID == 0 {
		return billing.Caller{}, false
	}
	return billing.Caller{UserID: userCtx.UserID, Email: userCtx.Email}, true
}

func respondError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

func unauthorized(c *fiber.Ctx) error {
	return respondError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var billingErrorMappings = []errorMapping{
	{billing.ErrInvalidSignature, fiber.StatusBadRequest, "invalid_signature"},
	{billing.ErrInvalidPayload, fiber.StatusBadRequest, "invalid_payload"},
	{billing.ErrClaimTokenInvalid, fiber.StatusBadRequest, "claim_token_invalid"},
	{billing.ErrInvalidRequest, fiber.StatusUnprocessableEntity, "validation_failed"},
	{billing.ErrForbidden, fiber.StatusForbidden, "forbidden"},
	{billing.ErrOwnershipMismatch, fiber.StatusForbidden, "ownership_mismatch"},
	{billing.ErrSessionNotFound, fiber.StatusNotFound, "not_found"},
	{billing.ErrSubscriptionNotFound, fiber.StatusNotFound, "not_found"},
	{billing.ErrAccountNotFound, fiber.StatusNotFound, "not_found"},
	{billing.ErrProductNotFound, fiber.StatusNotFound, "not_found"},
	{billing.ErrMembershipNotFound, fiber.StatusNotFound, "not_found"},
	{billing.ErrNoConnectAccount, fiber.StatusNotFound, "no_connect_account"},
	{gorm.ErrRecordNotFound, fiber.StatusNotFound, "not_found"},
	{billing.ErrModeMismatch, fiber.StatusConflict, "mode_mismatch"},
	{billing.ErrPaymentIncomplete, fiber.StatusConflict, "payment_incomplete"},
	{billing.ErrMembershipEnded, fiber.StatusConflict, "membership_ended"},
	{billing.ErrNotFree, fiber.StatusConflict, "not_free"},
	{gorm.ErrDuplicatedKey, fiber.StatusConflict, "already_recorded"},
	{billing.ErrProcessorUnavailable, fiber.StatusBadGateway, "processor_unavailable"},
}

// respondBillingError maps a billing failure onto the JSON error envelope.
func respondBillingError(c *fiber.Ctx, err error) error {
	for _, m := range billingErrorMappings {
		if errors.Is(err, m.err) {
			return respondError(c, m.status, m.code, err.Error())
		}
	}
	log.Errorf("[Billing] %s %s failed: %v", c.Method(), c.Path(), err)
	return respondError(c, fiber.StatusInternalServerError, "internal_server_error", "Request could not be processed")
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func parseIDParam(c *fiber.Ctx, name string) (uint, bool) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, false
	}
	return uint(id), true
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
