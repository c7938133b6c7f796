package models

import (
	"regexp"
	"time"
)

var companyTaxIDPattern = regexp.MustCompile(`^[0-9]{6,10}$`)

// Company is a registered taxpayer whose e-Factura inbox is synced.
type Company struct {
	ID        string    `gorm:"column:id;primaryKey"`
	TaxID     string    `gorm:"column:tax_id;uniqueIndex"`
	Name      string    `gorm:"column:name"`
	Active    bool      `gorm:"column:active"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Company) TableName() string {
	return "companies"
}

// ValidTaxID reports whether id is a bare numeric fiscal code.
func ValidTaxID(id string) bool {
	return companyTaxIDPattern.MatchString(id)
}
