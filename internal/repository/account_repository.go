package repository

import (
	"context"
	"errors"
	"time"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAccountNotFound
		}
		return nil, apperrors.Persistence("failed to get account", result.Error)
	}
	return &account, nil
}

// List returns every account ordered by ID
func (r *AccountRepository) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, apperrors.Persistence("failed to list accounts", err)
	}
	return accounts, nil
}

// EnsureExists inserts a fresh ledger row for a configured credential, leaving an existing row untouched
func (r *AccountRepository) EnsureExists(ctx context.Context, accountID string, resetAt time.Time) error {
	ts := now()
	account := models.Account{
		ID:            accountID,
		CredentialRef: accountID,
		CountResetAt:  resetAt.UTC(),
		Status:        models.AccountStatusAvailable,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&account)
	return apperrors.Persistence("failed to ensure account", result.Error)
}

// Save flushes the full ledger state of an account
func (r *AccountRepository) Save(ctx context.Context, account *models.Account) error {
	account.CountResetAt = account.CountResetAt.UTC()
	account.UpdatedAt = now()
	result := r.db.WithContext(ctx).Save(account)
	return apperrors.Persistence("failed to save account", result.Error)
}

// Unlock clears a lock-out, moving the account to status only while it is still locked out
func (r *AccountRepository) Unlock(ctx context.Context, accountID string, status models.AccountStatus) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND status = ?", accountID, models.AccountStatusLockedOut).
		Updates(map[string]interface{}{
			"status":      status,
			"lock_reason": nil,
			"updated_at":  now(),
		})
	if result.Error != nil {
		return false, apperrors.Persistence("failed to unlock account", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseActive returns accounts left active by a previous process to available
func (r *AccountRepository) ReleaseActive(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("status = ?", models.AccountStatusActive).
		Updates(map[string]interface{}{
			"status":     models.AccountStatusAvailable,
			"updated_at": now(),
		})
	if result.Error != nil {
		return 0, apperrors.Persistence("failed to release active accounts", result.Error)
	}
	return result.RowsAffected, nil
}
