package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	pfirestore "github.com/saddleworth/api/internal/platform/firestore"
	"github.com/saddleworth/api/internal/repositories"
)

const webhookEventsCollection = "webhookEvents"

// WebhookEventRepository records processed gateway event ids. The create-only
// write is what makes webhook handling idempotent: a replayed event id fails
// with AlreadyExists and the caller skips its side effects.
type WebhookEventRepository struct {
	base *pfirestore.BaseRepository[webhookEventDocument]
}

// NewWebhookEventRepository constructs a Firestore-backed webhook event log.
func NewWebhookEventRepository(provider *pfirestore.Provider) (*WebhookEventRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook event repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[webhookEventDocument](provider, webhookEventsCollection)
	return &WebhookEventRepository{base: base}, nil
}

// Record stores the event id with a create-only write. It returns false
// without error when the id has already been recorded.
func (r *WebhookEventRepository) Record(ctx context.Context, eventID string, eventType string, now time.Time) (bool, error) {
	if r == nil || r.base == nil {
		return false, errors.New("webhook event repository not initialised")
	}
	id := strings.TrimSpace(eventID)
	if id == "" {
		return false, errors.New("webhook event repository: event id is required")
	}

	ts := now.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return false, err
	}

	doc := webhookEventDocument{
		Type:        strings.TrimSpace(eventType),
		ProcessedAt: ts,
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		wrapped := pfirestore.WrapError("webhookEvents.record", err)
		var repoErr *pfirestore.Error
		if errors.As(wrapped, &repoErr) && repoErr.IsConflict() {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

// Seen reports whether the event id has already been recorded.
func (r *WebhookEventRepository) Seen(ctx context.Context, eventID string) (bool, error) {
	if r == nil || r.base == nil {
		return false, errors.New("webhook event repository not initialised")
	}
	id := strings.TrimSpace(eventID)
	if id == "" {
		return false, errors.New("webhook event repository: event id is required")
	}

	if _, err := r.base.Get(ctx, id); err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type webhookEventDocument struct {
	Type        string    `firestore:"type"`
	ProcessedAt time.Time `firestore:"processedAt"`
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)
