package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/tradepost-market/tradepost-backend/pkg/enums"
)

// User is a marketplace account on either side of a trade.
type User struct {
	ID          uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Email       string         `gorm:"column:email;not null;uniqueIndex"`
	DisplayName string         `gorm:"column:display_name;not null"`
	Role        enums.UserRole `gorm:"column:role;type:user_role;not null;default:'member'"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}
