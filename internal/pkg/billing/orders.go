package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Patronage/app/models"
	"github.com/ManuelReschke/Patronage/internal/pkg/metrics"
)

// freeSessionNamespace seeds the synthesized session refs of free orders.
var freeSessionNamespace = uuid.MustParse("6f1b7a52-3c1e-4d0f-9a8e-2f5d1c7b9e40")

// FreeSessionRef is the synthesized checkout session ref for a free
// acquisition. It is stable per buyer and product, so concurrent free
// checkouts converge on one order.
func FreeSessionRef(buyerID, productID uint) string {
	return "free_" + uuid.NewSHA1(freeSessionNamespace, []byte(fmt.Sprintf("%d:%d", buyerID, productID))).String()
}

// ReconcilePaidCheckout turns a paid checkout into exactly one paid order
// and returns its ID. It is safe to call any number of times, concurrently,
// from the webhook and the finalize path.
func (s *Service) ReconcilePaidCheckout(ctx context.Context, in CheckoutSnapshot) (uint, error) {
	out := &outbox{}
	id, _, err := s.reconcilePaidCheckout(ctx, in, out)
	if err != nil {
		return 0, err
	}
	s.flush(ctx, out)
	return id, nil
}

func (s *Service) reconcilePaidCheckout(ctx context.Context, in CheckoutSnapshot, out *outbox) (uint, bool, error) {
	sessionRef := strings.TrimSpace(in.SessionRef)
	if sessionRef == "" {
		return 0, false, fmt.Errorf("%w: checkout session ref is required", ErrUnreconcilable)
	}
	md := ParseCheckoutMetadata(in.Metadata)
	paidAt := s.clock()

	// 1. A pending order created before checkout moves to paid.
	if md.OrderID != 0 {
		marked, err := s.repo.MarkOrderPaid(ctx, md.OrderID, sessionRef, in.PaymentIntentRef, paidAt)
		switch {
		case errors.Is(err, gorm.ErrDuplicatedKey):
			// Another order already owns this session ref; step 2 finds it.
		case err != nil:
			return 0, false, fmt.Errorf("mark order %d paid: %w", md.OrderID, err)
		case marked:
			metrics.OrdersReconciledTotal.WithLabelValues("marked").Inc()
			log.Infof("[Billing] Order %d paid via session %s", md.OrderID, sessionRef)
			s.queueOrderNotifications(out, md.OrderID)
			return md.OrderID, true, nil
		}
	}

	// 2. Idempotent re-entry.
	existing, err := s.repo.FindOrderBySessionRef(ctx, sessionRef)
	if err == nil {
		metrics.OrdersReconciledTotal.WithLabelValues("existing").Inc()
		return existing.ID, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, fmt.Errorf("find order by session: %w", err)
	}

	// 3. First signal for this session: insert-or-ignore, then read back.
	creatorID, productID, err := s.resolveProduct(ctx, md)
	if err != nil {
		return 0, false, err
	}

	buyerID := md.BuyerID
	if buyerID == 0 {
		buyerID, err = s.resolveBuyer(ctx, in.Email, in.CustomerRef, out)
		if err != nil {
			return 0, false, err
		}
	}

	kind := models.OrderKindPurchase
	if md.Kind == models.OrderKindRequest {
		kind = models.OrderKindRequest
	}
	currency := strings.ToLower(in.Currency)
	if currency == "" {
		currency = "usd"
	}

	order := &models.Order{
		CreatorID:          creatorID,
		ProductID:          productID,
		Kind:               kind,
		AmountCents:        in.AmountCents,
		Currency:           currency,
		CheckoutSessionRef: &sessionRef,
		Status:             models.OrderStatusPaid,
		PaidAt:             &paidAt,
	}
	if buyerID != 0 {
		order.BuyerID = &buyerID
	}
	if in.PaymentIntentRef != "" {
		ref := in.PaymentIntentRef
		order.PaymentIntentRef = &ref
	}

	created, err := s.repo.CreateOrderIfNotExists(ctx, order)
	if err != nil {
		return 0, false, fmt.Errorf("insert order: %w", err)
	}
	stored, err := s.repo.FindOrderBySessionRef(ctx, sessionRef)
	if err != nil {
		return 0, false, fmt.Errorf("reload order by session: %w", err)
	}

	if created {
		path := "inserted"
		if in.AmountCents == 0 {
			path = "free"
		}
		metrics.OrdersReconciledTotal.WithLabelValues(path).Inc()
		log.Infof("[Billing] Order %d created for session %s (creator=%d product=%d)", stored.ID, sessionRef, creatorID, productID)
		s.queueOrderNotifications(out, stored.ID)
	} else {
		metrics.OrdersReconciledTotal.WithLabelValues("existing").Inc()
	}
	return stored.ID, created, nil
}

// resolveProduct returns the creator and product a checkout is for. The
// product row is authoritative for the creator when metadata omits it.
func (s *Service) resolveProduct(ctx context.Context, md CheckoutMetadata) (uint, uint, error) {
	if md.ProductID == 0 {
		return 0, 0, fmt.Errorf("%w: checkout carries no product", ErrUnreconcilable)
	}
	if md.CreatorID != 0 {
		return md.CreatorID, md.ProductID, nil
	}
	product, err := s.repo.FindProduct(ctx, md.ProductID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, fmt.Errorf("%w: product %d does not exist", ErrUnreconcilable, md.ProductID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("find product: %w", err)
	}
	return product.CreatorID, product.ID, nil
}

func (s *Service) queueOrderNotifications(out *outbox, orderID uint) {
	key := fmt.Sprintf("order:%d", orderID)
	out.add(Task{Kind: TaskSaleNotification, OrderID: orderID, ReferenceKey: key})
	out.add(Task{Kind: TaskPurchaseReceipt, OrderID: orderID, ReferenceKey: key})
}
