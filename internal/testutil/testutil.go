// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/config"
	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

// NewDatabase opens a private in-memory sqlite database with the schema migrated.
func NewDatabase(t *testing.T) *storage.Database {
	t.Helper()

	db, err := storage.NewDatabase(config.DatabaseConfig{
		Type: "sqlite",
		DSN:  "file::memory:",
	}, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())

	t.Cleanup(func() { db.Close() })
	return db
}

// CredentialSpec describes a credential to seed. Zero values get defaults.
type CredentialSpec struct {
	Secret     string
	Account    string
	Label      string
	Status     string
	UsageCount int64
	ResetDate  *time.Time
	ExpiresAt  *time.Time
}

// SeedCredential inserts a credential and returns it.
func SeedCredential(t *testing.T, db *storage.Database, spec CredentialSpec) *models.Credential {
	t.Helper()

	if spec.Secret == "" {
		spec.Secret = "qa_" + uuid.NewString()
	}
	if spec.Account == "" {
		spec.Account = "owner@example.com"
	}
	if spec.Label == "" {
		spec.Label = "default"
	}
	if spec.Status == "" {
		spec.Status = models.CredentialActive
	}

	cred := &models.Credential{
		KeyHash:        models.HashSecret(spec.Secret),
		AccountEmail:   spec.Account,
		Label:          spec.Label,
		Status:         spec.Status,
		UsageCount:     spec.UsageCount,
		UsageResetDate: spec.ResetDate,
		ExpiresAt:      spec.ExpiresAt,
	}
	require.NoError(t, db.DB.WithContext(context.Background()).Create(cred).Error)

	return cred
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
