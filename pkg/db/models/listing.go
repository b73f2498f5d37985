package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// Listing is an item a seller has put up for sale.
type Listing struct {
	ID        uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SellerID  uuid.UUID           `gorm:"column:seller_id;type:uuid;not null"`
	Title     string              `gorm:"column:title;not null"`
	Price     decimal.Decimal     `gorm:"column:price;type:numeric(12,2);not null"`
	Currency  enums.Currency      `gorm:"column:currency;type:varchar(3);not null;default:'usd'"`
	Status    enums.ListingStatus `gorm:"column:status;type:listing_status;not null;default:'available'"`
	CreatedAt time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
