package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/saddleworth/api/internal/services"
)

// PubSubNotificationPublisher publishes customer notification messages to a Pub/Sub topic.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishNotification enqueues a notification message on the configured topic.
func (p *PubSubNotificationPublisher) PublishNotification(ctx context.Context, message services.NotificationMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub notification publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "kind", message.Kind)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "userId", message.UserID)
	setAttr(attrs, "status", message.Status)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
