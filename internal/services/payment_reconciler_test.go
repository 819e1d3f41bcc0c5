package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/saddleworth/api/internal/domain"
)

type stubWebhookEvents struct {
	seenFn   func(context.Context, string) (bool, error)
	recordFn func(context.Context, string, string, time.Time) (bool, error)
	recorded []string
}

func (s *stubWebhookEvents) Seen(ctx context.Context, eventID string) (bool, error) {
	if s.seenFn != nil {
		return s.seenFn(ctx, eventID)
	}
	for _, id := range s.recorded {
		if id == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubWebhookEvents) Record(ctx context.Context, eventID string, eventType string, now time.Time) (bool, error) {
	if s.recordFn != nil {
		return s.recordFn(ctx, eventID, eventType, now)
	}
	for _, id := range s.recorded {
		if id == eventID {
			return false, nil
		}
	}
	s.recorded = append(s.recorded, eventID)
	return true, nil
}

func reconcilerFixture(t *testing.T, stored *domain.Order, events *stubWebhookEvents, notifications *captureNotifications) (PaymentReconciler, *[]domain.Order) {
	t.Helper()

	updates := &[]domain.Order{}
	orderRepo := &stubOrderRepo{
		findFn: func(_ context.Context, id string) (domain.Order, error) {
			if id != stored.ID {
				return domain.Order{}, errors.New("unexpected order id " + id)
			}
			return *stored, nil
		},
		updateFn: func(_ context.Context, order domain.Order, _ *time.Time) (domain.Order, error) {
			*updates = append(*updates, order)
			return order, nil
		},
	}

	svc, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:        orderRepo,
		WebhookEvents: events,
		Notifications: notifications,
		Clock:         func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new payment reconciler: %v", err)
	}
	return svc, updates
}

func TestPaymentReconcilerSucceeded(t *testing.T) {
	ctx := context.Background()
	stored := domain.Order{ID: "ord_1", UserID: "user-1", Status: domain.OrderStatusPending, Payment: domain.OrderPayment{Method: domain.PaymentMethodCard, Status: domain.PaymentStatusPending}}
	notifications := &captureNotifications{}
	svc, updates := reconcilerFixture(t, &stored, &stubWebhookEvents{}, notifications)

	order, err := svc.Reconcile(ctx, PaymentEvent{
		EventID:       "evt_1",
		Type:          PaymentEventSucceeded,
		OrderID:       "ord_1",
		TransactionID: "pi_123",
		CardLast4:     "4242",
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing got %s", order.Status)
	}
	if order.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment got %s", order.Payment.Status)
	}
	if order.Payment.TransactionID != "pi_123" || order.Payment.CardLast4 != "4242" {
		t.Fatalf("expected gateway fields captured, got %+v", order.Payment)
	}
	if order.Payment.PaidAt == nil {
		t.Fatalf("expected paidAt to be set")
	}
	if len(*updates) != 1 {
		t.Fatalf("expected 1 update got %d", len(*updates))
	}
	if len(notifications.payments) != 1 {
		t.Fatalf("expected payment confirmation notification")
	}
}

func TestPaymentReconcilerReplayShortCircuits(t *testing.T) {
	ctx := context.Background()
	stored := domain.Order{ID: "ord_1", Status: domain.OrderStatusProcessing, Payment: domain.OrderPayment{Status: domain.PaymentStatusCompleted}}
	notifications := &captureNotifications{}
	events := &stubWebhookEvents{
		seenFn: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	svc, updates := reconcilerFixture(t, &stored, events, notifications)

	order, err := svc.Reconcile(ctx, PaymentEvent{EventID: "evt_1", Type: PaymentEventSucceeded, OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("reconcile replay: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("replay must return the stored order, got %s", order.Status)
	}
	if len(*updates) != 0 {
		t.Fatalf("replay must not write, got %d updates", len(*updates))
	}
	if len(notifications.payments) != 0 {
		t.Fatalf("replay must not notify again")
	}
}

func TestPaymentReconcilerFailed(t *testing.T) {
	ctx := context.Background()
	stored := domain.Order{ID: "ord_1", Status: domain.OrderStatusPending, Payment: domain.OrderPayment{Status: domain.PaymentStatusPending}}
	svc, _ := reconcilerFixture(t, &stored, &stubWebhookEvents{}, &captureNotifications{})

	order, err := svc.Reconcile(ctx, PaymentEvent{EventID: "evt_2", Type: PaymentEventFailed, OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if order.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected payment_failed got %s", order.Status)
	}
	if order.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment got %s", order.Payment.Status)
	}
}

func TestPaymentReconcilerRefunded(t *testing.T) {
	ctx := context.Background()
	stored := domain.Order{ID: "ord_1", Status: domain.OrderStatusDelivered, Payment: domain.OrderPayment{Status: domain.PaymentStatusCompleted}}
	notifications := &captureNotifications{}
	svc, _ := reconcilerFixture(t, &stored, &stubWebhookEvents{}, notifications)

	order, err := svc.Reconcile(ctx, PaymentEvent{
		EventID:      "evt_3",
		Type:         PaymentEventRefunded,
		OrderID:      "ord_1",
		Amount:       12500,
		RefundReason: "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded got %s", order.Status)
	}
	if order.Payment.RefundAmount == nil || *order.Payment.RefundAmount != 12500 {
		t.Fatalf("expected refund amount recorded, got %+v", order.Payment)
	}
	if order.Payment.RefundReason == nil || *order.Payment.RefundReason != "requested_by_customer" {
		t.Fatalf("expected refund reason recorded")
	}
	if len(notifications.refunds) != 1 {
		t.Fatalf("expected refund confirmation notification")
	}
}

func TestPaymentReconcilerCancelledLeavesStockGuardUntouched(t *testing.T) {
	ctx := context.Background()
	stored := domain.Order{
		ID:     "ord_1",
		Status: domain.OrderStatusPending,
		Items:  []domain.OrderLineItem{{ProductRef: "prd_1", Quantity: 3}},
		Payment: domain.OrderPayment{
			Method: domain.PaymentMethodCard,
			Status: domain.PaymentStatusPending,
		},
	}
	svc, updates := reconcilerFixture(t, &stored, &stubWebhookEvents{}, &captureNotifications{})

	order, err := svc.Reconcile(ctx, PaymentEvent{EventID: "evt_4", Type: PaymentEventCancelled, OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled got %s", order.Status)
	}
	if order.Payment.Status != domain.PaymentStatusCancelled {
		t.Fatalf("expected cancelled payment got %s", order.Payment.Status)
	}
	if order.CancelledAt == nil {
		t.Fatalf("expected cancelledAt to be set")
	}
	if len(*updates) != 1 {
		t.Fatalf("expected 1 update got %d", len(*updates))
	}
	if (*updates)[0].StockRestored {
		t.Fatalf("payment cancellation must not flip the stock restore guard")
	}
}

func TestPaymentReconcilerRetriesAfterTransientUpdateFailure(t *testing.T) {
	ctx := context.Background()
	stored := domain.Order{ID: "ord_1", Status: domain.OrderStatusPending, Payment: domain.OrderPayment{Method: domain.PaymentMethodCard, Status: domain.PaymentStatusPending}}
	notifications := &captureNotifications{}
	events := &stubWebhookEvents{}

	attempts := 0
	orderRepo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return stored, nil
		},
		updateFn: func(_ context.Context, order domain.Order, _ *time.Time) (domain.Order, error) {
			attempts++
			if attempts == 1 {
				return domain.Order{}, errors.New("firestore unavailable")
			}
			return order, nil
		},
	}

	svc, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:        orderRepo,
		WebhookEvents: events,
		Notifications: notifications,
		Clock:         func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new payment reconciler: %v", err)
	}

	event := PaymentEvent{EventID: "evt_9", Type: PaymentEventSucceeded, OrderID: "ord_1"}
	if _, err := svc.Reconcile(ctx, event); err == nil {
		t.Fatalf("expected first delivery to surface the update failure")
	}
	if len(events.recorded) != 0 {
		t.Fatalf("failed delivery must not record the event id")
	}

	// The gateway redelivers the same event id; the payment must still land.
	order, err := svc.Reconcile(ctx, event)
	if err != nil {
		t.Fatalf("reconcile retry: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing || order.Payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("retry must apply the event, got status=%s payment=%s", order.Status, order.Payment.Status)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 update attempts got %d", attempts)
	}
	if len(notifications.payments) != 1 {
		t.Fatalf("expected exactly one payment confirmation, got %d", len(notifications.payments))
	}
}

func TestPaymentReconcilerConcurrentDuplicateSkipsNotification(t *testing.T) {
	ctx := context.Background()
	stored := domain.Order{ID: "ord_1", Status: domain.OrderStatusPending, Payment: domain.OrderPayment{Method: domain.PaymentMethodCard, Status: domain.PaymentStatusPending}}
	notifications := &captureNotifications{}
	// Seen misses but the create-only record loses: another delivery of the
	// same event committed in between.
	events := &stubWebhookEvents{
		recordFn: func(context.Context, string, string, time.Time) (bool, error) {
			return false, nil
		},
	}
	svc, updates := reconcilerFixture(t, &stored, events, notifications)

	order, err := svc.Reconcile(ctx, PaymentEvent{EventID: "evt_10", Type: PaymentEventSucceeded, OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing got %s", order.Status)
	}
	if len(*updates) != 1 {
		t.Fatalf("expected 1 update got %d", len(*updates))
	}
	if len(notifications.payments) != 0 {
		t.Fatalf("duplicate delivery must not notify twice")
	}
}

func TestPaymentReconcilerRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	stored := domain.Order{ID: "ord_1"}
	svc, _ := reconcilerFixture(t, &stored, &stubWebhookEvents{}, &captureNotifications{})

	if _, err := svc.Reconcile(ctx, PaymentEvent{EventID: "evt_5", Type: PaymentEventType("payment.unknown"), OrderID: "ord_1"}); !errors.Is(err, ErrPaymentEventInvalid) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}
