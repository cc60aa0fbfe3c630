package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailsync/models"
)

// SyncRepository persists mail account sync state and synced messages.
type SyncRepository struct {
	db *gorm.DB
}

func NewSyncRepository(db *gorm.DB) *SyncRepository {
	return &SyncRepository{db: db}
}

// GetAccount retrieves an account by ID
func (r *SyncRepository) GetAccount(ctx context.Context, id string) (*models.MailAccount, error) {
	var account models.MailAccount
	result := r.db.WithContext(ctx).First(&account, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// UpdateAccount writes only the given columns. A missing row is reported as
// models.ErrAccountNotFound so the sync loop can notice deleted accounts.
func (r *SyncRepository) UpdateAccount(ctx context.Context, id string, fields map[string]interface{}) error {
	values := normalizeFields(fields)
	values["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).Model(&models.MailAccount{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("failed to update account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrAccountNotFound
	}
	return nil
}

// InsertEmail inserts a message, doing nothing when (account_id,
// provider_message_id) already exists. Reports whether a row was created.
func (r *SyncRepository) InsertEmail(ctx context.Context, email *models.SyncedEmail) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "provider_message_id"}},
		DoNothing: true,
	}).Create(email)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert email: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListResumable returns queued accounts plus paused and pending_resume
// accounts whose retry time has come.
func (r *SyncRepository) ListResumable(ctx context.Context, now time.Time, limit int) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	result := r.db.WithContext(ctx).
		Where("sync_status = ?", models.SyncStatusQueued).
		Or("sync_status IN ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			[]models.SyncStatus{models.SyncStatusPaused, models.SyncStatusPendingResume}, now).
		Order("updated_at ASC").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query resumable accounts: %w", result.Error)
	}
	return accounts, nil
}

// ListStale returns in-progress accounts with no activity since before.
func (r *SyncRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	result := r.db.WithContext(ctx).
		Where("sync_status IN ?", []models.SyncStatus{models.SyncStatusSyncing, models.SyncStatusBackgroundSyncing}).
		Where("last_activity_at IS NULL OR last_activity_at < ?", before).
		Order("last_activity_at ASC").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query stale accounts: %w", result.Error)
	}
	return accounts, nil
}

// CountEmails returns how many messages are stored for an account.
func (r *SyncRepository) CountEmails(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.SyncedEmail{}).
		Where("account_id = ?", accountID).
		Count(&n).Error
	return n, err
}

// normalizeFields unwraps nullable pointers so nil pointers become NULL.
func normalizeFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		switch x := v.(type) {
		case *string:
			if x == nil {
				out[k] = nil
			} else {
				out[k] = *x
			}
		case *time.Time:
			if x == nil {
				out[k] = nil
			} else {
				out[k] = *x
			}
		case models.SyncStatus:
			out[k] = string(x)
		default:
			out[k] = v
		}
	}
	return out
}
