package jobs

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"villagecal/pkg/models"
	"villagecal/pkg/queue"
)

// OrderConfirmationHandler mails the post-checkout receipt.
type OrderConfirmationHandler struct {
	DB     *gorm.DB
	Mailer Mailer
}

func (h *OrderConfirmationHandler) Queue() string { return models.QueueOrderConfirmation }

func (h *OrderConfirmationHandler) Execute(ctx context.Context, jc *queue.JobContext) queue.Result {
	order, res, ok := loadOrder(ctx, h.DB, jc.Payload)
	if !ok {
		return res
	}

	subject := fmt.Sprintf("Your calendar order %s is confirmed", shortID(order.ID.String()))
	body := fmt.Sprintf(
		"Thanks for your order!\n\nOrder: %s\nTotal: $%d.%02d\n\nWe'll email again when it ships.\n",
		order.ID, order.TotalCents/100, order.TotalCents%100)

	if err := h.Mailer.Send(ctx, order.Email, subject, body); err != nil {
		return queue.Retryable("mail_unavailable", err)
	}
	return queue.Success()
}

// ShippingNoticeHandler mails the tracking number once fulfillment
// marks the order shipped.
type ShippingNoticeHandler struct {
	DB     *gorm.DB
	Mailer Mailer
}

func (h *ShippingNoticeHandler) Queue() string { return models.QueueShippingNotice }

func (h *ShippingNoticeHandler) Execute(ctx context.Context, jc *queue.JobContext) queue.Result {
	order, res, ok := loadOrder(ctx, h.DB, jc.Payload)
	if !ok {
		return res
	}

	if order.Status != models.OrderStatusShipped || order.TrackingCode == "" {
		// The fulfillment webhook enqueues before committing in rare
		// races; give the row time to land.
		return queue.Retryable("order_not_shipped", fmt.Errorf("order %s not shipped yet", order.ID))
	}

	subject := fmt.Sprintf("Your calendar order %s has shipped", shortID(order.ID.String()))
	body := fmt.Sprintf("Good news - your calendar is on its way.\n\nTracking: %s\n", order.TrackingCode)

	if err := h.Mailer.Send(ctx, order.Email, subject, body); err != nil {
		return queue.Retryable("mail_unavailable", err)
	}
	return queue.Success()
}

func loadOrder(ctx context.Context, db *gorm.DB, payload []byte) (*models.Order, queue.Result, bool) {
	var p models.EmailJobPayload
	if err := queue.DecodeStrict(payload, &p); err != nil {
		return nil, queue.Terminal("invalid_payload", err), false
	}

	var order models.Order
	err := db.WithContext(ctx).First(&order, "id = ?", p.OrderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, queue.Terminal("order_not_found", err), false
		}
		return nil, queue.Retryable("storage_unavailable", err), false
	}

	// The payload recipient overrides the order email when set (resend
	// to a corrected address).
	if p.Recipient != "" {
		order.Email = p.Recipient
	}
	return &order, queue.Result{}, true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
