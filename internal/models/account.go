package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccountHolder is the login identity used by the usage dashboard.
// Quota is never stored here; it is derived from the account's credentials.
type AccountHolder struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Name         string    `json:"name"`
	Admin        bool      `gorm:"not null;default:false" json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *AccountHolder) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	return nil
}

func (AccountHolder) TableName() string {
	return "account_holders"
}
