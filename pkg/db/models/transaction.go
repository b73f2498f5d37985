package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	dbtypes "github.com/tradepost-market/tradepost-backend/pkg/db/types"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// Transaction is the ledger row for a single payment attempt against a listing.
// At most one pending transaction may exist per offer; the partial unique index
// transactions_one_pending_per_offer enforces that at the database level.
type Transaction struct {
	ID               uuid.UUID                   `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ListingID        uuid.UUID                   `gorm:"column:listing_id;type:uuid;not null"`
	OfferID          *uuid.UUID                  `gorm:"column:offer_id;type:uuid"`
	BuyerID          uuid.UUID                   `gorm:"column:buyer_id;type:uuid;not null"`
	SellerID         uuid.UUID                   `gorm:"column:seller_id;type:uuid;not null"`
	Amount           decimal.Decimal             `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency         enums.Currency              `gorm:"column:currency;type:varchar(3);not null"`
	Quantity         int                         `gorm:"column:quantity;not null;default:1"`
	Status           enums.TransactionStatus     `gorm:"column:status;type:transaction_status;not null;default:'pending'"`
	Provider         enums.PaymentProvider       `gorm:"column:provider;type:payment_provider;not null"`
	GatewaySessionID *string                     `gorm:"column:gateway_session_id"`
	RefundStatus     enums.RefundStatus          `gorm:"column:refund_status;type:refund_status;not null;default:'none'"`
	RefundAmount     *decimal.Decimal            `gorm:"column:refund_amount;type:numeric(12,2)"`
	Metadata         dbtypes.TransactionMetadata `gorm:"column:metadata;type:jsonb;not null;default:'{}'"`
	CompletedAt      *time.Time                  `gorm:"column:completed_at"`
	CreatedAt        time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}
