package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/app/repository"
)

// AccountController serves read-only views of what a caller has bought.
type AccountController struct {
	repos *repository.Repositories
}

// NewAccountController creates an account controller with repositories
func NewAccountController(repos *repository.Repositories) *AccountController {
	return &AccountController{repos: repos}
}

// HandleListMemberships lists the caller's memberships.
func (ac *AccountController) HandleListMemberships(c *fiber.Ctx) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	list, err := ac.repos.Membership.ListByBuyer(caller.UserID)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{"memberships": list})
}

// HandleGetMembership returns one membership owned by the caller.
func (ac *AccountController) HandleGetMembership(c *fiber.Ctx) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Invalid membership id")
	}
	m, err := ac.repos.Membership.GetByID(id)
	if err != nil {
		return respondBillingError(c, err)
	}
	if m.BuyerID != caller.UserID {
		// Same answer as a missing row so ids cannot be probed.
		return respondError(c, fiber.StatusNotFound, "not_found", "Membership not found")
	}
	return c.JSON(fiber.Map{"membership": m, "entitled": m.IsEntitled()})
}

// HandleListOrders lists the caller's orders, newest first.
func (ac *AccountController) HandleListOrders(c *fiber.Ctx) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	list, err := ac.repos.Order.ListByBuyer(caller.UserID, (page-1)*limit, limit)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{"orders": list, "page": page, "limit": limit})
}

// HandleGetOrder returns an order visible to its buyer or its creator.
func (ac *AccountController) HandleGetOrder(c *fiber.Ctx) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Invalid order id")
	}
	order, err := ac.repos.Order.GetByID(id)
	if err != nil {
		return respondBillingError(c, err)
	}
	if !canViewOrder(order, caller.UserID) {
		return respondError(c, fiber.StatusNotFound, "not_found", "Order not found")
	}
	return c.JSON(ac.orderView(order))
}

// HandleCheckoutStatus lets the success page poll whether a checkout has
// been recorded yet without triggering reconciliation.
func (ac *AccountController) HandleCheckoutStatus(c *fiber.Ctx) error {
	caller, ok := callerFromContext(c)
	if !ok {
		return unauthorized(c)
	}
	ref := strings.TrimSpace(c.Query("session_id"))
	if ref == "" {
		return respondError(c, fiber.StatusUnprocessableEntity, "validation_failed", "session_id is required")
	}
	order, err := ac.repos.Order.GetByCheckoutSessionRef(ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(fiber.Map{"recorded": false})
		}
		return respondBillingError(c, err)
	}
	if !canViewOrder(order, caller.UserID) {
		return c.JSON(fiber.Map{"recorded": false})
	}
	return c.JSON(fiber.Map{"recorded": true, "order": ac.orderView(order)})
}

// HandleListCreatorProducts lists a creator's active products.
func (ac *AccountController) HandleListCreatorProducts(c *fiber.Ctx) error {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "invalid_request", "Invalid creator id")
	}
	products, err := ac.repos.Product.ListByCreator(id)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.JSON(fiber.Map{"products": products})
}

func canViewOrder(order *models.Order, userID uint) bool {
	if order.CreatorID == userID {
		return true
	}
	return order.BuyerID != nil && *order.BuyerID == userID
}

func (ac *AccountController) orderView(order *models.Order) fiber.Map {
	view := fiber.Map{
		"id":           order.ID,
		"kind":         order.Kind,
		"status":       order.Status,
		"amount_cents": order.AmountCents,
		"currency":     order.Currency,
		"creator_id":   order.CreatorID,
		"product_id":   order.ProductID,
		"paid_at":      formatTimePtr(order.PaidAt),
		"created_at":   formatTimePtr(&order.CreatedAt),
	}
	if product, err := ac.repos.Product.GetByID(order.ProductID); err == nil {
		view["product_title"] = product.Title
		view["creator_name"] = product.Creator.Name
	}
	return view
}

var accountController *AccountController

// InitializeAccountController initializes the global account controller
func InitializeAccountController() {
	accountController = NewAccountController(repository.GetGlobalRepositories())
}

// GetAccountController returns the global account controller instance
func GetAccountController() *AccountController {
	if accountController == nil {
		InitializeAccountController()
	}
	return accountController
}
