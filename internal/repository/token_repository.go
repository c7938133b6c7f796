package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/efactura-worker/internal/models"
	"gorm.io/gorm"
)

var ErrTokenNotFound = errors.New("token not found")

type TokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Active returns the newest active record of the client, or nil when none exists
func (r *TokenRepository) Active(ctx context.Context, clientID string) (*models.TokenRecord, error) {
	var rec models.TokenRecord
	result := r.db.WithContext(ctx).
		Where("client_id = ? AND status = ?", clientID, models.TokenStatusActive).
		Order("issued_at DESC").
		First(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active token: %w", result.Error)
	}
	return &rec, nil
}

// GetByTokenID retrieves a record by its public token id
func (r *TokenRepository) GetByTokenID(ctx context.Context, tokenID string) (*models.TokenRecord, error) {
	var rec models.TokenRecord
	result := r.db.WithContext(ctx).First(&rec, "token_id = ?", tokenID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", result.Error)
	}
	return &rec, nil
}

// ReplaceActive supersedes every active record of the client and inserts rec in one transaction
func (r *TokenRepository) ReplaceActive(ctx context.Context, rec *models.TokenRecord, reason string, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.TokenRecord{}).
			Where("client_id = ? AND status = ?", rec.ClientID, models.TokenStatusActive).
			Updates(map[string]interface{}{
				"status":            models.TokenStatusSuperseded,
				"revoked_at":        now,
				"revocation_reason": reason,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to supersede active tokens: %w", err)
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create token: %w", err)
		}
		return nil
	})
}

// Rotate marks parent refreshed and inserts child in one transaction
func (r *TokenRepository) Rotate(ctx context.Context, parent *models.TokenRecord, child *models.TokenRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.TokenRecord{}).
			Where("id = ? AND status = ?", parent.ID, models.TokenStatusActive).
			Update("status", models.TokenStatusRefreshed)
		if result.Error != nil {
			return fmt.Errorf("failed to mark parent refreshed: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("parent token %s is no longer active", parent.TokenID)
		}
		child.ParentID = &parent.ID
		if err := tx.Create(child).Error; err != nil {
			return fmt.Errorf("failed to create refreshed token: %w", err)
		}
		return nil
	})
}

// Save persists every field of rec
func (r *TokenRepository) Save(ctx context.Context, rec *models.TokenRecord) error {
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// RecordUsage bumps the usage counter of the record
func (r *TokenRepository) RecordUsage(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.TokenRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record token usage: %w", result.Error)
	}
	return nil
}

// MarkExpired flips active records past their expiry to expired
func (r *TokenRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.TokenRecord{}).
		Where("status = ? AND expires_at <= ?", models.TokenStatusActive, now).
		Update("status", models.TokenStatusExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark expired tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ExpiringBefore lists active records expiring before the cutoff
func (r *TokenRepository) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]models.TokenRecord, error) {
	var recs []models.TokenRecord
	result := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.TokenStatusActive, cutoff).
		Order("expires_at ASC").
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", result.Error)
	}
	return recs, nil
}

// PendingRevocations lists compromised records still awaiting revocation by the authority
func (r *TokenRepository) PendingRevocations(ctx context.Context) ([]models.TokenRecord, error) {
	var recs []models.TokenRecord
	result := r.db.WithContext(ctx).
		Where("status = ? AND revocation_status = ?", models.TokenStatusCompromised, models.RevocationPending).
		Order("revocation_requested_at ASC").
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list pending revocations: %w", result.Error)
	}
	return recs, nil
}
