package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AccountInvoiceCount summarizes the invoices one sync job stored for an account.
type AccountInvoiceCount struct {
	AccountID   string `json:"account_id"`
	Invoices    int    `json:"invoices"`
	ParseErrors int    `json:"parse_errors"`
}

// TokenStatusCount is one row of the credential history summary.
type TokenStatusCount struct {
	Status     string     `json:"status"`
	Count      int        `json:"count"`
	LastIssued *time.Time `json:"last_issued,omitempty"`
}

// ReportRepository runs the aggregate queries behind sync reports and the
// credential dashboard.
type ReportRepository struct {
	db *sql.DB
}

func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// InvoiceCountsBySyncJob groups the invoices stored by a sync job per account
func (r *ReportRepository) InvoiceCountsBySyncJob(ctx context.Context, syncJobID string) ([]AccountInvoiceCount, error) {
	query := `
		SELECT account_id,
		       COUNT(*) AS invoices,
		       COUNT(*) FILTER (WHERE parse_status = 'parsing_error') AS parse_errors
		FROM efactura_invoices
		WHERE sync_job_id = $1
		GROUP BY account_id
		ORDER BY account_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, syncJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice counts: %w", err)
	}
	defer rows.Close()

	var counts []AccountInvoiceCount
	for rows.Next() {
		var c AccountInvoiceCount
		if err := rows.Scan(&c.AccountID, &c.Invoices, &c.ParseErrors); err != nil {
			return nil, fmt.Errorf("failed to scan invoice count: %w", err)
		}
		counts = append(counts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return counts, nil
}

// TokenStatusSummary counts credential history records per status for a client
func (r *ReportRepository) TokenStatusSummary(ctx context.Context, clientID string) ([]TokenStatusCount, error) {
	query := `
		SELECT status, COUNT(*), MAX(issued_at)
		FROM efactura_token_history
		WHERE client_id = $1
		GROUP BY status
		ORDER BY status ASC
	`

	rows, err := r.db.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query token summary: %w", err)
	}
	defer rows.Close()

	var summary []TokenStatusCount
	for rows.Next() {
		var (
			c          TokenStatusCount
			lastIssued sql.NullTime
		)
		if err := rows.Scan(&c.Status, &c.Count, &lastIssued); err != nil {
			return nil, fmt.Errorf("failed to scan token summary: %w", err)
		}
		if lastIssued.Valid {
			c.LastIssued = &lastIssued.Time
		}
		summary = append(summary, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return summary, nil
}
