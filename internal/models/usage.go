package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent is the immutable record of one authorized call.
// Bucket is the time-bucketed partition key ("<account>#<yyyy-mm-dd>") and
// EventKey sorts by time within it.
type UsageEvent struct {
	Bucket          string    `gorm:"primaryKey;size:320" json:"-"`
	EventKey        string    `gorm:"primaryKey;size:64" json:"-"`
	AccountEmail    string    `gorm:"not null" json:"account_email"`
	CredentialID    uuid.UUID `gorm:"type:uuid;not null" json:"credential_id"`
	CredentialLabel string    `json:"credential_label"`
	Timestamp       time.Time `gorm:"not null" json:"timestamp"`
	ExpiresAt       time.Time `gorm:"index;not null" json:"-"`
}

func (UsageEvent) TableName() string {
	return "usage_events"
}

// HourlyAggregate is the per-account request rollup for one hour.
type HourlyAggregate struct {
	AccountEmail string    `gorm:"primaryKey;size:255" json:"account_email"`
	Hour         time.Time `gorm:"primaryKey" json:"hour"`
	RequestCount int64     `gorm:"not null;default:0" json:"request_count"`
	LastUpdated  time.Time `json:"last_updated"`
	ExpiresAt    time.Time `gorm:"index;not null" json:"-"`

	CredentialIDs []uuid.UUID `gorm:"-" json:"credential_ids,omitempty"`
}

func (HourlyAggregate) TableName() string {
	return "hourly_usage"
}

// HourlyContributor records that a credential contributed to an hour's
// aggregate. The composite key makes the rows behave like a set.
type HourlyContributor struct {
	AccountEmail string    `gorm:"primaryKey;size:255"`
	Hour         time.Time `gorm:"primaryKey"`
	CredentialID uuid.UUID `gorm:"primaryKey;type:uuid"`
	ExpiresAt    time.Time `gorm:"index;not null"`
}

func (HourlyContributor) TableName() string {
	return "hourly_usage_credentials"
}
