package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// Offer is a buyer's bid on a listing. A transaction may bind to an accepted offer.
type Offer struct {
	ID        uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ListingID uuid.UUID         `gorm:"column:listing_id;type:uuid;not null"`
	BuyerID   uuid.UUID         `gorm:"column:buyer_id;type:uuid;not null"`
	Amount    decimal.Decimal   `gorm:"column:amount;type:numeric(12,2);not null"`
	Quantity  int               `gorm:"column:quantity;not null;default:1"`
	Status    enums.OfferStatus `gorm:"column:status;type:offer_status;not null;default:'pending'"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
