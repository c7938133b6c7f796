package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/efactura-worker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvoiceNotFound = errors.New("invoice not found")

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// ExistsByDownloadID reports whether a record for the download id is stored
func (r *InvoiceRepository) ExistsByDownloadID(ctx context.Context, downloadID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).
		Model(&models.InvoiceRecord{}).
		Where("download_id = ?", downloadID).
		Limit(1).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check invoice existence: %w", result.Error)
	}
	return count > 0, nil
}

// Create inserts the record unless its download id already exists.
// It reports whether a row was written.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *models.InvoiceRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "download_id"}},
			DoNothing: true,
		}).
		Create(invoice)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create invoice: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetByID retrieves invoice by ID
func (r *InvoiceRepository) GetByID(ctx context.Context, id string) (*models.InvoiceRecord, error) {
	var invoice models.InvoiceRecord
	result := r.db.WithContext(ctx).First(&invoice, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", result.Error)
	}
	return &invoice, nil
}

// AttachPDF stores the rendering once; an existing rendering is kept
func (r *InvoiceRepository) AttachPDF(ctx context.Context, id string, pdf []byte, generatedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.InvoiceRecord{}).
		Where("id = ? AND pdf_content IS NULL", id).
		Updates(map[string]interface{}{
			"pdf_content":      pdf,
			"pdf_generated_at": generatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to attach pdf: %w", result.Error)
	}
	return nil
}
