package services

import (
	"testing"

	domain "github.com/saddleworth/api/internal/domain"
)

func TestCanTransitionAdjacency(t *testing.T) {
	actor := TransitionActor{ID: "staff-1"}

	allowed := []struct {
		from, to domain.OrderStatus
	}{
		{domain.OrderStatusPending, domain.OrderStatusProcessing},
		{domain.OrderStatusPending, domain.OrderStatusCancelled},
		{domain.OrderStatusProcessing, domain.OrderStatusShipped},
		{domain.OrderStatusProcessing, domain.OrderStatusCancelled},
		{domain.OrderStatusShipped, domain.OrderStatusDelivered},
		{domain.OrderStatusShipped, domain.OrderStatusReturned},
		{domain.OrderStatusDelivered, domain.OrderStatusReturned},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to, actor) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to domain.OrderStatus
	}{
		{domain.OrderStatusPending, domain.OrderStatusShipped},
		{domain.OrderStatusPending, domain.OrderStatusDelivered},
		{domain.OrderStatusProcessing, domain.OrderStatusDelivered},
		{domain.OrderStatusShipped, domain.OrderStatusCancelled},
		{domain.OrderStatusDelivered, domain.OrderStatusCancelled},
		{domain.OrderStatusCancelled, domain.OrderStatusPending},
		{domain.OrderStatusReturned, domain.OrderStatusProcessing},
		{domain.OrderStatusPending, domain.OrderStatusPending},
		{domain.OrderStatusPending, domain.OrderStatusRefunded},
		{domain.OrderStatusPending, domain.OrderStatusPaymentFailed},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to, actor) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestCanTransitionPrivilegedBypass(t *testing.T) {
	admin := TransitionActor{ID: "admin-1", Privileged: true}

	if !CanTransition(domain.OrderStatusCancelled, domain.OrderStatusPending, admin) {
		t.Fatalf("privileged actor should bypass terminal states")
	}
	if !CanTransition(domain.OrderStatusShipped, domain.OrderStatusProcessing, admin) {
		t.Fatalf("privileged actor should bypass adjacency")
	}
	if CanTransition(domain.OrderStatusPending, domain.OrderStatus("archived"), admin) {
		t.Fatalf("unknown targets must be denied even for privileged actors")
	}
}

func TestRestoresStock(t *testing.T) {
	if !restoresStock(domain.OrderStatusCancelled) || !restoresStock(domain.OrderStatusReturned) {
		t.Fatalf("cancelled and returned must release stock")
	}
	if restoresStock(domain.OrderStatusRefunded) || restoresStock(domain.OrderStatusDelivered) {
		t.Fatalf("only cancelled and returned release stock")
	}
}
