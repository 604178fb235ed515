package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UsageRepository struct {
	db *storage.Database
}

func NewUsageRepository(db *storage.Database) *UsageRepository {
	return &UsageRepository{db: db}
}

// Inserts a new usage event. Events are never updated.
func (r *UsageRepository) InsertEvent(ctx context.Context, event *models.UsageEvent) error {
	return r.db.DB.WithContext(ctx).Create(event).Error
}

// Upserts the hourly aggregate for (account, hour): the row is initialized on
// first use, its request count incremented, and the credential added to the
// hour's contributor set.
func (r *UsageRepository) UpsertHourly(ctx context.Context, accountEmail string, hour time.Time, credentialID uuid.UUID, now, expiresAt time.Time) error {
	return r.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agg := models.HourlyAggregate{
			AccountEmail: accountEmail,
			Hour:         hour,
			RequestCount: 1,
			LastUpdated:  now,
			ExpiresAt:    expiresAt,
		}

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_email"}, {Name: "hour"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"request_count": gorm.Expr("hourly_usage.request_count + 1"),
				"last_updated":  now,
			}),
		}).Create(&agg).Error
		if err != nil {
			return err
		}

		contributor := models.HourlyContributor{
			AccountEmail: accountEmail,
			Hour:         hour,
			CredentialID: credentialID,
			ExpiresAt:    expiresAt,
		}

		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&contributor).Error
	})
}

// Retrieves one hour's aggregate with its contributing credential ids
func (r *UsageRepository) FindHourly(ctx context.Context, accountEmail string, hour time.Time) (*models.HourlyAggregate, error) {
	var agg models.HourlyAggregate
	err := r.db.Primary(ctx).
		Where("account_email = ? AND hour = ?", accountEmail, hour).
		First(&agg).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	err = r.db.Primary(ctx).
		Model(&models.HourlyContributor{}).
		Where("account_email = ? AND hour = ?", accountEmail, hour).
		Pluck("credential_id", &ids).Error
	if err != nil {
		return nil, err
	}
	agg.CredentialIDs = ids

	return &agg, nil
}

// Retrieves the newest events within the given partition buckets, newest first
func (r *UsageRepository) RecentEvents(ctx context.Context, buckets []string, limit int) ([]models.UsageEvent, error) {
	var events []models.UsageEvent
	if len(buckets) == 0 {
		return events, nil
	}

	err := r.db.Primary(ctx).
		Where("bucket IN ?", buckets).
		Order("event_key DESC").
		Limit(limit).
		Find(&events).Error

	return events, err
}

// Deletes events, aggregates and contributor rows whose expiry marker is before the given time
func (r *UsageRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var total int64

	for _, model := range []interface{}{&models.UsageEvent{}, &models.HourlyAggregate{}, &models.HourlyContributor{}} {
		result := r.db.DB.WithContext(ctx).
			Where("expires_at < ?", before).
			Delete(model)
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
	}

	return total, nil
}

// Retrieves an account's hourly aggregates in [from, to), oldest first
func (r *UsageRepository) HourlyRange(ctx context.Context, accountEmail string, from, to time.Time) ([]models.HourlyAggregate, error) {
	var aggs []models.HourlyAggregate
	err := r.db.Primary(ctx).
		Where("account_email = ? AND hour >= ? AND hour < ?", accountEmail, from, to).
		Order("hour ASC").
		Find(&aggs).Error

	return aggs, err
}
