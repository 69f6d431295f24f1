package controllers

import (
	"fmt"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Patronage/internal/pkg/billing"
)

func TestFormatTimePtr(t *testing.T) {
	assert.Nil(t, formatTimePtr(nil))

	now := time.Date(2024, 5, 1, 12, 34, 56, 0, time.Local)
	formatted := formatTimePtr(&now)
	assert.IsType(t, "", formatted)

	expected := now.UTC().Format(time.RFC3339)
	assert.Equal(t, expected, formatted)
}

func TestValidationMessage(t *testing.T) {
	err := validate.Struct(claimRequest{Token: "", Password: "short"})
	require.Error(t, err)
	msg := validationMessage(err)
	assert.Contains(t, msg, "token failed on required")
	assert.Contains(t, msg, "password failed on min")
}

func TestBillingErrorMappingsCoverWrappedErrors(t *testing.T) {
	cases := map[error]int{
		billing.ErrInvalidSignature:     fiber.StatusBadRequest,
		billing.ErrOwnershipMismatch:    fiber.StatusForbidden,
		billing.ErrMembershipNotFound:   fiber.StatusNotFound,
		billing.ErrPaymentIncomplete:    fiber.StatusConflict,
		billing.ErrProcessorUnavailable: fiber.StatusBadGateway,
		billing.ErrInvalidRequest:       fiber.StatusUnprocessableEntity,
	}
	for sentinel, status := range cases {
		wrapped := fmt.Errorf("outer: %w", sentinel)
		found := false
		for _, m := range billingErrorMappings {
			if m.err == sentinel {
				found = true
				assert.Equal(t, status, m.status, sentinel.Error())
				assert.ErrorIs(t, wrapped, m.err)
				break
			}
		}
		assert.True(t, found, sentinel.Error())
	}
}
