package models

import "time"

type TokenStatus string

const (
	TokenStatusActive      TokenStatus = "active"
	TokenStatusSuperseded  TokenStatus = "superseded"
	TokenStatusRefreshed   TokenStatus = "refreshed"
	TokenStatusExpired     TokenStatus = "expired"
	TokenStatusRevoked     TokenStatus = "revoked"
	TokenStatusCompromised TokenStatus = "compromised"
)

// Revocation request states; revocation itself is performed by the authority.
const (
	RevocationPending   = "pending"
	RevocationCompleted = "completed"
)

// TokenRecord is one issued credential. Secrets are stored sealed; at most
// one record per client is active.
type TokenRecord struct {
	ID                    uint        `gorm:"column:id;primaryKey;autoIncrement"`
	TokenID               string      `gorm:"column:token_id;uniqueIndex"`
	ClientID              string      `gorm:"column:client_id;index"`
	TokenType             string      `gorm:"column:token_type"`
	Status                TokenStatus `gorm:"column:status;index"`
	AccessSecret          []byte      `gorm:"column:access_secret"`
	RefreshSecret         []byte      `gorm:"column:refresh_secret"`
	Subject               *string     `gorm:"column:subject"`
	Scope                 *string     `gorm:"column:scope"`
	IssuedAt              time.Time   `gorm:"column:issued_at"`
	ExpiresAt             time.Time   `gorm:"column:expires_at;index"`
	UsageCount            int         `gorm:"column:usage_count"`
	LastUsedAt            *time.Time  `gorm:"column:last_used_at"`
	ParentID              *uint       `gorm:"column:parent_id"`
	RevokedAt             *time.Time  `gorm:"column:revoked_at"`
	RevocationReason      *string     `gorm:"column:revocation_reason"`
	RevocationRequestID   *string     `gorm:"column:revocation_request_id"`
	RevocationRequestedAt *time.Time  `gorm:"column:revocation_requested_at"`
	RevocationStatus      *string     `gorm:"column:revocation_status"`
	CreatedAt             time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (TokenRecord) TableName() string {
	return "efactura_token_history"
}

// DaysUntilExpiry counts whole days left at now; negative once expired.
func (t *TokenRecord) DaysUntilExpiry(now time.Time) int {
	return int(t.ExpiresAt.Sub(now).Hours() / 24)
}

// DaysSinceIssued counts whole days since issuance.
func (t *TokenRecord) DaysSinceIssued(now time.Time) int {
	return int(now.Sub(t.IssuedAt).Hours() / 24)
}
