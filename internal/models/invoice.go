package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// JSONB type for GORM to handle PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements driver.Valuer for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// InvoiceRecord is one downloaded e-Factura message. It is written once per
// download id; afterwards only the PDF rendering may be attached.
type InvoiceRecord struct {
	ID             string          `gorm:"column:id;primaryKey"`
	AccountID      string          `gorm:"column:account_id;index"`
	DownloadID     string          `gorm:"column:download_id;uniqueIndex"`
	UploadID       *string         `gorm:"column:upload_id"`
	MessageType    string          `gorm:"column:message_type"`
	InvoiceNumber  string          `gorm:"column:invoice_number"`
	IssueDate      *time.Time      `gorm:"column:issue_date"`
	SupplierName   string          `gorm:"column:supplier_name"`
	SupplierTaxID  string          `gorm:"column:supplier_tax_id;index"`
	CustomerName   string          `gorm:"column:customer_name"`
	CustomerTaxID  string          `gorm:"column:customer_tax_id;index"`
	TotalAmount    decimal.Decimal `gorm:"column:total_amount;type:numeric(15,2)"`
	Currency       string          `gorm:"column:currency"`
	Format         string          `gorm:"column:format"`
	ParseStatus    string          `gorm:"column:parse_status"`
	ParseError     *string         `gorm:"column:parse_error"`
	XMLContent     []byte          `gorm:"column:xml_content"`
	XMLSignature   []byte          `gorm:"column:xml_signature"`
	XMLErrors      []byte          `gorm:"column:xml_errors"`
	ArchiveSize    int             `gorm:"column:archive_size"`
	MessageData    JSONB           `gorm:"column:message_data;type:jsonb"`
	SyncJobID      string          `gorm:"column:sync_job_id;index"`
	DownloadedAt   time.Time       `gorm:"column:downloaded_at"`
	PDFContent     []byte          `gorm:"column:pdf_content"`
	PDFGeneratedAt *time.Time      `gorm:"column:pdf_generated_at"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (InvoiceRecord) TableName() string {
	return "efactura_invoices"
}

// HasPDF reports whether the rendering has already been generated.
func (r *InvoiceRecord) HasPDF() bool {
	return len(r.PDFContent) > 0
}
