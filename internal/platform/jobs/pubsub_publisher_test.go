package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/saddleworth/api/internal/services"
)

func TestPubSubNotificationPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-notifications")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubNotificationPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubNotificationPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := services.NotificationMessage{
		Kind:           "order.status_changed",
		OrderID:        "ord_01ABC",
		OrderNumber:    "SW-2026-000042",
		UserID:         "user-1",
		Status:         "shipped",
		PreviousStatus: "processing",
		Total:          44100,
		OccurredAt:     occurredAt,
	}

	if _, err := publisher.PublishNotification(ctx, msg); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.NotificationMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.OrderNumber != msg.OrderNumber {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("unexpected occurredAt %s", payload.OccurredAt)
	}

	attrs := messages[0].Attributes
	if attrs["kind"] != "order.status_changed" || attrs["orderId"] != "ord_01ABC" {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
	if attrs["status"] != "shipped" {
		t.Fatalf("expected status attribute, got %q", attrs["status"])
	}
}

func TestPubSubNotificationPublisherOmitsBlankAttributes(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-notifications")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubNotificationPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubNotificationPublisher: %v", err)
	}

	msg := services.NotificationMessage{
		Kind:    "order.placed",
		OrderID: "ord_01DEF",
		UserID:  "  ",
	}
	if _, err := publisher.PublishNotification(ctx, msg); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if _, ok := messages[0].Attributes["userId"]; ok {
		t.Fatal("blank userId must not become an attribute")
	}
	if _, ok := messages[0].Attributes["status"]; ok {
		t.Fatal("empty status must not become an attribute")
	}
}

func TestNewPubSubNotificationPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubNotificationPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
