package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/storage"
	"gorm.io/gorm"
)

type AccountRepository struct {
	db *storage.Database
}

func NewAccountRepository(db *storage.Database) *AccountRepository {
	return &AccountRepository{db: db}
}

// Inserts a new account holder into the database
func (r *AccountRepository) Create(ctx context.Context, holder *models.AccountHolder) error {
	return r.db.DB.WithContext(ctx).Create(holder).Error
}

// SetAdmin grants or removes admin access. It returns gorm.ErrRecordNotFound
// when no holder has the email.
func (r *AccountRepository) SetAdmin(ctx context.Context, email string, admin bool) error {
	result := r.db.DB.WithContext(ctx).
		Model(&models.AccountHolder{}).
		Where("email = ?", email).
		Update("admin", admin)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

// Retrieves an account holder by email
func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*models.AccountHolder, error) {
	var holder models.AccountHolder
	err := r.db.DB.WithContext(ctx).
		Where("email = ?", email).
		First(&holder).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &holder, nil
}
