package services

import (
	"context"
	"errors"
	"time"
)

const (
	notificationOrderConfirmation  = "order.confirmation"
	notificationOrderStatusUpdate  = "order.status_update"
	notificationPaymentConfirmed   = "payment.confirmation"
	notificationRefundConfirmation = "refund.confirmation"
)

// NotificationPublisher delivers notification messages to the outbound queue.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, message NotificationMessage) (string, error)
}

// NotificationMessage is the payload delivered to the notification workers via Pub/Sub.
type NotificationMessage struct {
	Kind           string    `json:"kind"`
	OrderID        string    `json:"orderId"`
	OrderNumber    string    `json:"orderNumber"`
	UserID         string    `json:"userId"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	Total          int64     `json:"total"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// NotificationDispatcherDeps enumerates collaborators for the dispatcher.
type NotificationDispatcherDeps struct {
	Publisher NotificationPublisher
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	publisher NotificationPublisher
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewNotificationDispatcher wires dependencies into a NotificationDispatcher.
// Every dispatch is fire-and-forget: publish failures are logged and swallowed
// so notification trouble can never fail an order flow.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("notification dispatcher: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &notificationDispatcher{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (d *notificationDispatcher) OrderConfirmation(ctx context.Context, order Order) {
	d.publish(ctx, NotificationMessage{
		Kind:        notificationOrderConfirmation,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Total:       order.Totals.Total,
		OccurredAt:  d.clock(),
	})
}

func (d *notificationDispatcher) OrderStatusUpdate(ctx context.Context, order Order, previous OrderStatus) {
	d.publish(ctx, NotificationMessage{
		Kind:           notificationOrderStatusUpdate,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		Status:         string(order.Status),
		PreviousStatus: string(previous),
		Total:          order.Totals.Total,
		OccurredAt:     d.clock(),
	})
}

func (d *notificationDispatcher) PaymentConfirmation(ctx context.Context, order Order) {
	d.publish(ctx, NotificationMessage{
		Kind:        notificationPaymentConfirmed,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Total:       order.Totals.Total,
		OccurredAt:  d.clock(),
	})
}

func (d *notificationDispatcher) RefundConfirmation(ctx context.Context, order Order) {
	d.publish(ctx, NotificationMessage{
		Kind:        notificationRefundConfirmation,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Total:       order.Totals.Total,
		OccurredAt:  d.clock(),
	})
}

func (d *notificationDispatcher) publish(ctx context.Context, message NotificationMessage) {
	if _, err := d.publisher.PublishNotification(ctx, message); err != nil {
		d.logger(ctx, "notification.publish.failed", map[string]any{
			"kind":  message.Kind,
			"order": message.OrderID,
			"error": err.Error(),
		})
	}
}
