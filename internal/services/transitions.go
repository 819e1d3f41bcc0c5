package services

import (
	"slices"

	domain "github.com/saddleworth/api/internal/domain"
)

// orderStateTransitions is the adjacency table consulted for every manual
// status update. payment_failed and refunded never appear as targets here:
// those states are written exclusively by the payment reconciler.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusReturned},
	domain.OrderStatusDelivered:  {domain.OrderStatusReturned},
}

// userCancellableStatuses are the states from which a customer may cancel
// their own order.
var userCancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
}

// knownOrderStatuses guards against unrecognised values reaching the state
// machine through privileged updates.
var knownOrderStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusCancelled,
	domain.OrderStatusReturned,
	domain.OrderStatusPaymentFailed,
	domain.OrderStatusRefunded,
}

// TransitionActor describes who is attempting a status change.
type TransitionActor struct {
	ID         string
	Privileged bool
}

// CanTransition reports whether the actor may move an order from current to
// target. Privileged actors bypass the adjacency table entirely, matching the
// behaviour operations teams rely on for corrections; everyone else is held
// to the table, and terminal states admit no outgoing edges.
func CanTransition(current, target domain.OrderStatus, actor TransitionActor) bool {
	if !slices.Contains(knownOrderStatuses, target) {
		return false
	}
	if actor.Privileged {
		return true
	}
	if current == target {
		return false
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

// restoresStock reports whether entering target releases the order's
// inventory back to the shelf.
func restoresStock(target domain.OrderStatus) bool {
	return target == domain.OrderStatusCancelled || target == domain.OrderStatusReturned
}
