package broker

import "time"

// InvoiceSynced is emitted after a new invoice record is stored.
type InvoiceSynced struct {
	SyncJobID     string    `json:"sync_job_id"`
	InvoiceID     string    `json:"invoice_id"`
	AccountID     string    `json:"account_id"`
	DownloadID    string    `json:"download_id"`
	MessageType   string    `json:"message_type"`
	InvoiceNumber string    `json:"invoice_number"`
	SupplierTaxID string    `json:"supplier_tax_id"`
	CustomerTaxID string    `json:"customer_tax_id"`
	TotalAmount   string    `json:"total_amount"`
	Currency      string    `json:"currency"`
	ParseStatus   string    `json:"parse_status"`
	StoredAt      time.Time `json:"stored_at"`
}

// SyncFinished is emitted once per job when it reaches a terminal phase.
type SyncFinished struct {
	SyncJobID  string    `json:"sync_job_id"`
	Phase      string    `json:"phase"`
	Accounts   int       `json:"accounts"`
	Processed  int       `json:"processed"`
	Errored    int       `json:"errored"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
