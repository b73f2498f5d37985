package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// WebhookEvent is the audit row for every gateway delivery we accepted.
// (provider, event_id) is unique, so a redelivered event lands on its
// original row instead of creating a second one.
type WebhookEvent struct {
	ID              uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Provider        enums.PaymentProvider `gorm:"column:provider;type:payment_provider;not null"`
	EventID         string                `gorm:"column:event_id;not null"`
	EventType       string                `gorm:"column:event_type;not null"`
	TransactionID   *uuid.UUID            `gorm:"column:transaction_id;type:uuid"`
	Payload         []byte                `gorm:"column:payload;type:jsonb;not null"`
	Processed       bool                  `gorm:"column:processed;not null;default:false"`
	ProcessedAt     *time.Time            `gorm:"column:processed_at"`
	ProcessingError *string               `gorm:"column:processing_error"`
	ReceivedAt      time.Time             `gorm:"column:received_at;autoCreateTime"`
}
