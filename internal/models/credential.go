package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	CredentialActive  = "active"
	CredentialRevoked = "revoked"
)

// Credential is one issued API key. Only the SHA-256 hash of the secret is stored.
type Credential struct {
	ID             uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	KeyHash        string     `gorm:"uniqueIndex;not null" json:"-"`
	AccountEmail   string     `gorm:"index;not null" json:"account_email"`
	Label          string     `gorm:"not null" json:"label"`
	Status         string     `gorm:"index;default:'active';not null" json:"status"`
	UsageCount     int64      `gorm:"default:0;not null" json:"usage_count"`
	UsageResetDate *time.Time `json:"usage_reset_date,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (Credential) TableName() string {
	return "credentials"
}

// Usable reports whether the credential may authorize a request at now.
func (c *Credential) Usable(now time.Time) bool {
	if c.Status != CredentialActive {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	return true
}

// HashSecret is the one-way digest stored in KeyHash.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
