package listings

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tradepost-market/tradepost-backend/pkg/db/models"
	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// Repository exposes the listing reads and the status writes the payment
// pipeline needs.
type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status enums.ListingStatus) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a listings repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&listing).Error
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// SetStatus updates the listing status, joining the caller's transaction when provided.
func (r *repository) SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status enums.ListingStatus) error {
	return r.conn(tx).WithContext(ctx).
		Model(&models.Listing{}).
		Where("id = ?", id).
		Update("status", status).Error
}
