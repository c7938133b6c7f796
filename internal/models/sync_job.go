package models

import "time"

type SyncPhase string

const (
	SyncPhaseInitializing     SyncPhase = "initializing"
	SyncPhaseListingAccount   SyncPhase = "listing_account"
	SyncPhaseDownloadingItem  SyncPhase = "downloading_item"
	SyncPhaseAdvancingAccount SyncPhase = "advancing_account"
	SyncPhaseCompleted        SyncPhase = "completed"
	SyncPhaseFailed           SyncPhase = "failed"
)

type ErrorCategory string

const (
	ErrorProtocol ErrorCategory = "protocol" // listing/download transport and quota failures
	ErrorStorage  ErrorCategory = "storage"  // record store failures
	ErrorOther    ErrorCategory = "other"
)

// MaxFailuresPerBucket caps the failure details kept in a snapshot. The
// Errored counter stays exact.
const MaxFailuresPerBucket = 50

type ItemFailure struct {
	AccountID  string    `json:"account_id"`
	DownloadID string    `json:"download_id,omitempty"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

type ErrorBuckets struct {
	Protocol []ItemFailure `json:"protocol"`
	Storage  []ItemFailure `json:"storage"`
	Other    []ItemFailure `json:"other"`
}

// Add appends f to the bucket of cat, dropping details past the cap.
func (b *ErrorBuckets) Add(cat ErrorCategory, f ItemFailure) {
	var bucket *[]ItemFailure
	switch cat {
	case ErrorProtocol:
		bucket = &b.Protocol
	case ErrorStorage:
		bucket = &b.Storage
	default:
		bucket = &b.Other
	}
	if len(*bucket) < MaxFailuresPerBucket {
		*bucket = append(*bucket, f)
	}
}

// SyncAccount is one taxpayer a job pulls messages for.
type SyncAccount struct {
	TaxID string `json:"tax_id"`
	Name  string `json:"name"`
}

// SyncJob is the progress snapshot of one sync run. It lives in the status
// store only and is replaced wholesale on every transition.
type SyncJob struct {
	ID          string        `json:"id"`
	Accounts    []SyncAccount `json:"accounts"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Filter      string        `json:"filter,omitempty"`
	TestMode    bool          `json:"test_mode"`

	Phase          SyncPhase   `json:"phase"`
	AccountIndex   int         `json:"account_index"` // 1-based, 0 before the first account
	CurrentAccount SyncAccount `json:"current_account"`
	ItemIndex      int         `json:"item_index"` // 1-based within the current account
	ItemsInAccount int         `json:"items_in_account"`
	CurrentItem    string      `json:"current_item,omitempty"`

	Processed int          `json:"processed"`
	Errored   int          `json:"errored"`
	LastError string       `json:"last_error,omitempty"`
	Errors    ErrorBuckets `json:"errors"`

	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the job has completed or failed.
func (j *SyncJob) IsTerminal() bool {
	return j.Phase == SyncPhaseCompleted || j.Phase == SyncPhaseFailed
}
