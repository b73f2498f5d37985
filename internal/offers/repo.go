package offers

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tradepost-market/tradepost-backend/pkg/db/models"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// Repository exposes the offer reads and the status writes the payment
// pipeline needs.
type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
	SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status enums.OfferStatus) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an offers repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	var offer models.Offer
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&offer).Error
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// SetStatus updates the offer status, joining the caller's transaction when provided.
func (r *repository) SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status enums.OfferStatus) error {
	return r.conn(tx).WithContext(ctx).
		Model(&models.Offer{}).
		Where("id = ?", id).
		Update("status", status).Error
}
