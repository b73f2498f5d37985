package webhookaudit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tradepost-market/tradepost-backend/pkg/db"
	"github.com/tradepost-market/tradepost-backend/pkg/db/models"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

const providerEventIDConstraint = "webhook_events_provider_event_id_key"

// Repository is the append-mostly audit log for gateway deliveries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Record(ctx context.Context, event *models.WebhookEvent) (*models.WebhookEvent, bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	SetProcessingError(ctx context.Context, id uuid.UUID, message string) error
	ListUnprocessed(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	FindByProviderEventID(ctx context.Context, provider enums.PaymentProvider, eventID string) (*models.WebhookEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a webhook audit repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Record inserts the delivery. When the (provider, event_id) pair already
// exists, the original row is returned with created=false so callers can
// acknowledge the redelivery without reprocessing.
func (r *repository) Record(ctx context.Context, event *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	err := r.db.WithContext(ctx).Create(event).Error
	if err == nil {
		return event, true, nil
	}
	if !db.IsUniqueViolation(err, providerEventIDConstraint) {
		return nil, false, err
	}

	existing, findErr := r.FindByProviderEventID(ctx, event.Provider, event.EventID)
	if findErr != nil {
		return nil, false, findErr
	}
	return existing, false, nil
}

func (r *repository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed":        true,
			"processed_at":     now,
			"processing_error": nil,
		}).Error
}

func (r *repository) SetProcessingError(ctx context.Context, id uuid.UUID, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Update("processing_error", message).Error
}

// ListUnprocessed returns stuck deliveries oldest first for operator review.
func (r *repository) ListUnprocessed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repository) FindByProviderEventID(ctx context.Context, provider enums.PaymentProvider, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}
