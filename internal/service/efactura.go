package service

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned by API clients when the authority rejects the credential.
var ErrUnauthorized = errors.New("e-Factura credential rejected")

// EfacturaClient interface for the e-Factura API operations
type EfacturaClient interface {
	ListMessages(ctx context.Context, accessToken string, req ListRequest) (*MessagePage, error)
	DownloadMessage(ctx context.Context, accessToken string, downloadID string) ([]byte, error)
	ConvertToPDF(ctx context.Context, accessToken string, xml []byte, standard string) ([]byte, error)
	UploadState(ctx context.Context, accessToken string, uploadID string) (*UploadState, error)
}

// Message filters accepted by the paginated listing.
const (
	FilterErrors   = "E" // errors attached to uploaded invoices
	FilterSent     = "T"
	FilterReceived = "P"
	FilterMessages = "R" // buyer messages
)

type ListRequest struct {
	AccountID string
	Start     time.Time
	End       time.Time
	Page      int
	Filter    string
}

type MessagePage struct {
	Messages    []MessageDescriptor
	TotalPages  int
	CurrentPage int
	// ErrorMessage carries the authority's error payload; no messages accompany it.
	ErrorMessage string
}

// MessageDescriptor is one entry of the message listing.
type MessageDescriptor struct {
	ID               string
	DownloadID       string
	UploadID         string
	Type             string
	TaxID            string
	IssuerTaxID      string
	BeneficiaryTaxID string
	InvoiceNumber    string
	CreatedAt        string
	Details          string
	Raw              map[string]interface{}
}

// ExternalID is the download identifier of the message.
func (m MessageDescriptor) ExternalID() string {
	if m.ID != "" {
		return m.ID
	}
	return m.DownloadID
}

type UploadState struct {
	State      string
	DownloadID string
	Errors     string
}

// Grant is the result of an authorization code or refresh exchange.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	Subject      string
}

// Authorizer exchanges codes and refresh secrets with the identity provider
type Authorizer interface {
	ExchangeCode(ctx context.Context, code string) (*Grant, error)
	RefreshGrant(ctx context.Context, refreshToken string) (*Grant, error)
}

// EventPublisher emits domain events; failures are never fatal to a sync
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}
