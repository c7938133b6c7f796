package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/vipul43/efactura-worker/internal/models"
	"gorm.io/gorm"
)

type AutoSyncRepository struct {
	db *gorm.DB
}

func NewAutoSyncRepository(db *gorm.DB) *AutoSyncRepository {
	return &AutoSyncRepository{db: db}
}

// Get returns the singleton configuration, creating it with defaults on first use
func (r *AutoSyncRepository) Get(ctx context.Context) (*models.AutoSyncConfig, error) {
	var cfg models.AutoSyncConfig
	result := r.db.WithContext(ctx).First(&cfg, "id = ?", 1)
	if result.Error == nil {
		return &cfg, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get auto sync config: %w", result.Error)
	}

	cfg = models.DefaultAutoSyncConfig()
	if err := r.db.WithContext(ctx).Create(&cfg).Error; err != nil {
		return nil, fmt.Errorf("failed to create auto sync config: %w", err)
	}
	return &cfg, nil
}

// Save persists the configuration
func (r *AutoSyncRepository) Save(ctx context.Context, cfg *models.AutoSyncConfig) error {
	if err := r.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return fmt.Errorf("failed to save auto sync config: %w", err)
	}
	return nil
}
