package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrConditionFailed is returned by conditional writes whose guard did not hold.
var ErrConditionFailed = errors.New("repository: conditional write failed")

type CredentialRepository struct {
	db *storage.Database
}

func NewCredentialRepository(db *storage.Database) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	return r.db.DB.WithContext(ctx).Create(cred).Error
}

// FindActiveByHash reads through the key_hash index. With replicas configured
// this is an eventually-consistent read.
func (r *CredentialRepository) FindActiveByHash(ctx context.Context, hash string) (*models.Credential, error) {
	var cred models.Credential
	err := r.db.DB.WithContext(ctx).
		Where("key_hash = ? AND status = ?", hash, models.CredentialActive).
		Limit(1).
		First(&cred).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &cred, nil
}

// ListActiveByAccount reads through the account_email index (eventually consistent).
func (r *CredentialRepository) ListActiveByAccount(ctx context.Context, accountEmail string) ([]models.Credential, error) {
	var creds []models.Credential
	err := r.db.DB.WithContext(ctx).
		Where("account_email = ? AND status = ?", accountEmail, models.CredentialActive).
		Order("created_at ASC").
		Find(&creds).Error

	return creds, err
}

// ResetUsage zeroes one credential's counter and moves its window. It is a
// single-row write; callers resetting an account issue one per credential.
func (r *CredentialRepository) ResetUsage(ctx context.Context, id uuid.UUID, resetDate time.Time) error {
	return r.db.DB.WithContext(ctx).
		Model(&models.Credential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count":      0,
			"usage_reset_date": resetDate,
		}).Error
}

// IncrementUsage adds one to usage_count and refreshes last_used_at, guarded
// by the row still existing.
func (r *CredentialRepository) IncrementUsage(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.DB.WithContext(ctx).
		Model(&models.Credential{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": at,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConditionFailed
	}

	return nil
}

// ScanByAccount returns every credential of the account, any status, read
// from the primary without the account index.
func (r *CredentialRepository) ScanByAccount(ctx context.Context, accountEmail string) ([]models.Credential, error) {
	var creds []models.Credential
	err := r.db.Primary(ctx).
		Where("account_email = ?", accountEmail).
		Order("created_at ASC").
		Find(&creds).Error

	return creds, err
}

func (r *CredentialRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	var cred models.Credential
	err := r.db.Primary(ctx).
		Where("id = ?", id).
		First(&cred).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &cred, nil
}

// Revoke soft-deletes a credential; the row is retained for audit.
func (r *CredentialRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	return r.db.DB.WithContext(ctx).
		Model(&models.Credential{}).
		Where("id = ?", id).
		Update("status", models.CredentialRevoked).Error
}

func (r *CredentialRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		Delete(&models.Credential{}).Error
}
