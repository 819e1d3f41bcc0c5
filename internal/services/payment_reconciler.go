package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
	"github.com/saddleworth/api/internal/repositories"
)

var (
	// ErrPaymentEventInvalid signals an event missing required fields or with an unknown type.
	ErrPaymentEventInvalid = errors.New("payment: invalid event")
	// ErrPaymentOrderNotFound indicates the event references an order that does not exist.
	ErrPaymentOrderNotFound = errors.New("payment: order not found")
)

// PaymentReconcilerDeps bundles collaborators for the payment reconciler.
type PaymentReconcilerDeps struct {
	Orders        repositories.OrderRepository
	WebhookEvents repositories.WebhookEventRepository
	Notifications NotificationDispatcher
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	orders        repositories.OrderRepository
	webhookEvents repositories.WebhookEventRepository
	notifications NotificationDispatcher
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewPaymentReconciler wires dependencies into a concrete PaymentReconciler.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order repository is required")
	}
	if deps.WebhookEvents == nil {
		return nil, errors.New("payment reconciler: webhook event repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentReconciler{
		orders:        deps.Orders,
		webhookEvents: deps.WebhookEvents,
		notifications: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Reconcile applies a verified gateway event onto the referenced order. Replayed
// event ids are acknowledged without re-applying side effects, so gateway
// retries stay harmless.
func (s *paymentReconciler) Reconcile(ctx context.Context, event PaymentEvent) (Order, error) {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return Order{}, fmt.Errorf("%w: event id is required", ErrPaymentEventInvalid)
	}
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrPaymentEventInvalid)
	}
	switch event.Type {
	case PaymentEventSucceeded, PaymentEventFailed, PaymentEventRefunded, PaymentEventCancelled:
	default:
		return Order{}, fmt.Errorf("%w: unknown event type %q", ErrPaymentEventInvalid, event.Type)
	}

	now := s.clock()

	seen, err := s.webhookEvents.Seen(ctx, eventID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if seen {
		s.logger(ctx, "payment.event.replayed", map[string]any{
			"event": eventID,
			"type":  string(event.Type),
			"order": orderID,
		})
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		return order, nil
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	prev := order.Status

	switch event.Type {
	case PaymentEventSucceeded:
		order.Payment.Status = domain.PaymentStatusCompleted
		order.Payment.PaidAt = valuePtr(now)
		if tx := strings.TrimSpace(event.TransactionID); tx != "" {
			order.Payment.TransactionID = tx
		}
		if last4 := strings.TrimSpace(event.CardLast4); last4 != "" {
			order.Payment.CardLast4 = last4
		}
		order.Status = domain.OrderStatusProcessing
	case PaymentEventFailed:
		order.Payment.Status = domain.PaymentStatusFailed
		order.Status = domain.OrderStatusPaymentFailed
	case PaymentEventRefunded:
		order.Payment.Status = domain.PaymentStatusRefunded
		order.Payment.RefundedAt = valuePtr(now)
		if event.Amount > 0 {
			order.Payment.RefundAmount = valuePtr(event.Amount)
		}
		if reason := strings.TrimSpace(event.RefundReason); reason != "" {
			order.Payment.RefundReason = valuePtr(reason)
		}
		order.Status = domain.OrderStatusRefunded
	case PaymentEventCancelled:
		// Stock is intentionally not released here: the cancel/return flow owns
		// inventory reconciliation and this path does not flip the restore guard.
		order.Payment.Status = domain.PaymentStatusCancelled
		order.Status = domain.OrderStatusCancelled
		if order.CancelledAt == nil {
			order.CancelledAt = valuePtr(now)
		}
	}

	order.UpdatedAt = now

	updated, err := s.orders.Update(ctx, order, nil)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	// The event id is recorded only after the order write commits. A transient
	// update failure therefore leaves the id unrecorded and the gateway retry
	// re-applies the event instead of being acknowledged with a stale order.
	// The create-only write still catches a concurrent duplicate delivery.
	fresh, err := s.webhookEvents.Record(ctx, eventID, string(event.Type), now)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !fresh {
		s.logger(ctx, "payment.event.replayed", map[string]any{
			"event": eventID,
			"type":  string(event.Type),
			"order": orderID,
		})
		return updated, nil
	}

	s.logger(ctx, "payment.event.applied", map[string]any{
		"event":  eventID,
		"type":   string(event.Type),
		"order":  orderID,
		"status": string(updated.Status),
		"from":   string(prev),
	})

	if s.notifications != nil {
		switch event.Type {
		case PaymentEventSucceeded:
			s.notifications.PaymentConfirmation(ctx, updated)
		case PaymentEventRefunded:
			s.notifications.RefundConfirmation(ctx, updated)
		}
	}

	return updated, nil
}

func (s *paymentReconciler) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentOrderNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}

	return err
}
