package repository

import (
	"context"
	"fmt"

	"github.com/vipul43/efactura-worker/internal/models"
	"gorm.io/gorm"
)

type CompanyRepository struct {
	db *gorm.DB
}

func NewCompanyRepository(db *gorm.DB) *CompanyRepository {
	return &CompanyRepository{db: db}
}

// ListActive retrieves every active company
func (r *CompanyRepository) ListActive(ctx context.Context) ([]models.Company, error) {
	var companies []models.Company
	result := r.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&companies)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list companies: %w", result.Error)
	}
	return companies, nil
}
