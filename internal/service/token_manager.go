package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/kvstore"
	"github.com/vipul43/efactura-worker/internal/metrics"
	"github.com/vipul43/efactura-worker/internal/models"
)

const (
	DefaultTokenValidity      = 90 * 24 * time.Hour
	DefaultMinRefreshAge      = 90 * 24 * time.Hour
	DefaultTokenLockTTL       = 5 * time.Minute
	TokenExpiringSoonDays     = 7
	TokenExpiringWarningDays  = 30
	supersededByNewGeneration = "new_token_generated"
)

var (
	ErrNotConfigured      = errors.New("e-Factura client credentials are not configured")
	ErrMissingAuthCode    = errors.New("authorization code is required")
	ErrNoActiveToken      = errors.New("no active e-Factura token")
	ErrTokenExpired       = errors.New("active e-Factura token has expired")
	ErrNoRefreshSecret    = errors.New("active token has no refresh secret")
	ErrExchangeInProgress = errors.New("token exchange already in progress")
)

// ConflictError is returned when a new token is requested while the active
// one is younger than the minimum refresh age.
type ConflictError struct {
	TokenID       string
	DaysOld       int
	DaysRemaining int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active token %s is %d days old; a new token can be issued in %d days", e.TokenID, e.DaysOld, e.DaysRemaining)
}

// RefreshTooEarlyError is returned when the active token is younger than the minimum refresh age.
type RefreshTooEarlyError struct {
	DaysOld       int
	DaysRemaining int
}

func (e *RefreshTooEarlyError) Error() string {
	return fmt.Sprintf("token is %d days old; refresh allowed in %d days", e.DaysOld, e.DaysRemaining)
}

// TokenStore interface for credential history persistence
type TokenStore interface {
	Active(ctx context.Context, clientID string) (*models.TokenRecord, error)
	GetByTokenID(ctx context.Context, tokenID string) (*models.TokenRecord, error)
	ReplaceActive(ctx context.Context, rec *models.TokenRecord, reason string, now time.Time) error
	Rotate(ctx context.Context, parent *models.TokenRecord, child *models.TokenRecord) error
	Save(ctx context.Context, rec *models.TokenRecord) error
	RecordUsage(ctx context.Context, id uint, at time.Time) error
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	ExpiringBefore(ctx context.Context, cutoff time.Time) ([]models.TokenRecord, error)
	PendingRevocations(ctx context.Context) ([]models.TokenRecord, error)
}

// SecretSealer encrypts secrets bound to their record id
type SecretSealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

type TokenManagerConfig struct {
	ClientID      string
	ClientSecret  string
	Validity      time.Duration
	MinRefreshAge time.Duration
	LockTTL       time.Duration
}

func (c *TokenManagerConfig) withDefaults() {
	if c.Validity <= 0 {
		c.Validity = DefaultTokenValidity
	}
	if c.MinRefreshAge <= 0 {
		c.MinRefreshAge = DefaultMinRefreshAge
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultTokenLockTTL
	}
}

// TokenManager owns the credential lifecycle: issuance, refresh, status,
// compromise handling and expiry sweeps.
type TokenManager struct {
	store  TokenStore
	locks  kvstore.Store
	auth   Authorizer
	sealer SecretSealer
	cfg    TokenManagerConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewTokenManager(
	store TokenStore,
	locks kvstore.Store,
	auth Authorizer,
	sealer SecretSealer,
	cfg TokenManagerConfig,
	logger *zap.Logger,
) *TokenManager {
	cfg.withDefaults()
	return &TokenManager{
		store:  store,
		locks:  locks,
		auth:   auth,
		sealer: sealer,
		cfg:    cfg,
		logger: logger.With(zap.String("client_id", cfg.ClientID)),
		now:    time.Now,
	}
}

type IssuedToken struct {
	TokenID   string    `json:"token_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ParentID  string    `json:"parent_token_id,omitempty"`
}

// Issue exchanges an authorization code for a new active token, superseding
// any previous active token of the client.
func (m *TokenManager) Issue(ctx context.Context, code string) (*IssuedToken, error) {
	if m.cfg.ClientID == "" || m.cfg.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(code) == "" {
		return nil, ErrMissingAuthCode
	}

	release, err := m.acquire(ctx, m.lockKey("generation"), m.lockKey("refresh"))
	if err != nil {
		return nil, err
	}
	defer release()

	active, err := m.store.Active(ctx, m.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if active != nil {
		if age := active.DaysSinceIssued(now); age < m.minRefreshDays() {
			return nil, &ConflictError{TokenID: active.TokenID, DaysOld: age, DaysRemaining: m.minRefreshDays() - age}
		}
	}

	grant, err := m.auth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	rec, err := m.newRecord(grant, "", now)
	if err != nil {
		return nil, err
	}
	if err := m.store.ReplaceActive(ctx, rec, supersededByNewGeneration, now); err != nil {
		return nil, err
	}

	metrics.TokenEvents.WithLabelValues("issued").Inc()
	m.logger.Info("e-Factura token issued",
		zap.String("token_id", rec.TokenID),
		zap.Time("expires_at", rec.ExpiresAt))

	return &IssuedToken{TokenID: rec.TokenID, IssuedAt: rec.IssuedAt, ExpiresAt: rec.ExpiresAt}, nil
}

// Refresh rotates the active token using its refresh secret. The parent is
// marked refreshed and the child becomes active.
func (m *TokenManager) Refresh(ctx context.Context) (*IssuedToken, error) {
	active, err := m.store.Active(ctx, m.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	if err := m.checkRefreshable(active); err != nil {
		return nil, err
	}

	release, err := m.acquire(ctx, m.lockKey("generation"), m.lockKey("refresh"))
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock; a concurrent exchange may have replaced it
	active, err = m.store.Active(ctx, m.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	if err := m.checkRefreshable(active); err != nil {
		return nil, err
	}

	refreshSecret, err := m.sealer.Open(active.RefreshSecret, []byte(active.TokenID))
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh secret: %w", err)
	}

	grant, err := m.auth.RefreshGrant(ctx, string(refreshSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = string(refreshSecret)
	}

	child, err := m.newRecord(grant, active.TokenID, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.store.Rotate(ctx, active, child); err != nil {
		return nil, err
	}

	metrics.TokenEvents.WithLabelValues("refreshed").Inc()
	m.logger.Info("e-Factura token refreshed",
		zap.String("token_id", child.TokenID),
		zap.String("parent_token_id", active.TokenID),
		zap.Time("expires_at", child.ExpiresAt))

	return &IssuedToken{
		TokenID:   child.TokenID,
		IssuedAt:  child.IssuedAt,
		ExpiresAt: child.ExpiresAt,
		ParentID:  active.TokenID,
	}, nil
}

func (m *TokenManager) checkRefreshable(active *models.TokenRecord) error {
	if active == nil {
		return ErrNoActiveToken
	}
	if age := active.DaysSinceIssued(m.now()); age < m.minRefreshDays() {
		return &RefreshTooEarlyError{DaysOld: age, DaysRemaining: m.minRefreshDays() - age}
	}
	if len(active.RefreshSecret) == 0 {
		return ErrNoRefreshSecret
	}
	return nil
}

// Token states reported by Status.
const (
	TokenStateActive          = "active"
	TokenStateExpiringSoon    = "expiring_soon"
	TokenStateExpiringWarning = "expiring_warning"
	TokenStateNoToken         = "no_token"
)

type TokenStatus struct {
	HasToken         bool       `json:"has_token"`
	State            string     `json:"state"`
	TokenID          string     `json:"token_id,omitempty"`
	IssuedAt         *time.Time `json:"issued_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	DaysUntilExpiry  int        `json:"days_until_expiry"`
	DaysSinceIssued  int        `json:"days_since_issued"`
	CanRefresh       bool       `json:"can_refresh"`
	DaysUntilRefresh int        `json:"days_until_refresh"`
	UsageCount       int        `json:"usage_count"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	Message          string     `json:"message"`
}

// Status reports the active token's expiry posture. It only reads the store.
func (m *TokenManager) Status(ctx context.Context) (*TokenStatus, error) {
	active, err := m.store.Active(ctx, m.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return &TokenStatus{State: TokenStateNoToken, Message: "No active token. Authorize the application to obtain one."}, nil
	}

	now := m.now()
	until := active.DaysUntilExpiry(now)
	since := active.DaysSinceIssued(now)
	st := &TokenStatus{
		HasToken:         true,
		TokenID:          active.TokenID,
		IssuedAt:         &active.IssuedAt,
		ExpiresAt:        &active.ExpiresAt,
		DaysUntilExpiry:  until,
		DaysSinceIssued:  since,
		CanRefresh:       since >= m.minRefreshDays(),
		DaysUntilRefresh: max(m.minRefreshDays()-since, 0),
		UsageCount:       active.UsageCount,
		LastUsedAt:       active.LastUsedAt,
	}

	switch {
	case until <= TokenExpiringSoonDays:
		st.State = TokenStateExpiringSoon
		st.Message = fmt.Sprintf("Token expires in %d days. Renew it now.", until)
	case until <= TokenExpiringWarningDays:
		st.State = TokenStateExpiringWarning
		st.Message = fmt.Sprintf("Token expires in %d days.", until)
	default:
		st.State = TokenStateActive
		st.Message = fmt.Sprintf("Token valid for %d more days.", until)
	}
	return st, nil
}

type RevocationRequest struct {
	TokenID     string    `json:"token_id"`
	RequestID   string    `json:"revocation_request_id"`
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason"`
}

// MarkCompromised flags a token as compromised and opens a revocation request
// for the authority's support desk. Repeated calls return the open request.
func (m *TokenManager) MarkCompromised(ctx context.Context, tokenID, reason string) (*RevocationRequest, error) {
	rec, err := m.store.GetByTokenID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.TokenStatusCompromised && rec.RevocationRequestID != nil {
		return &RevocationRequest{
			TokenID:     rec.TokenID,
			RequestID:   *rec.RevocationRequestID,
			RequestedAt: derefTime(rec.RevocationRequestedAt),
			Reason:      derefString(rec.RevocationReason),
		}, nil
	}

	now := m.now()
	requestID, err := revocationRequestID(now)
	if err != nil {
		return nil, err
	}
	pending := models.RevocationPending

	rec.Status = models.TokenStatusCompromised
	rec.RevokedAt = &now
	rec.RevocationReason = &reason
	rec.RevocationRequestID = &requestID
	rec.RevocationRequestedAt = &now
	rec.RevocationStatus = &pending
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	metrics.TokenEvents.WithLabelValues("compromised").Inc()
	m.logger.Error("e-Factura token marked compromised",
		zap.String("token_id", rec.TokenID),
		zap.String("reason", reason),
		zap.String("revocation_request_id", requestID),
		zap.Bool("support_action_required", true))

	return &RevocationRequest{TokenID: rec.TokenID, RequestID: requestID, RequestedAt: now, Reason: reason}, nil
}

// RevocationCompleted records that the authority revoked a compromised token.
func (m *TokenManager) RevocationCompleted(ctx context.Context, tokenID string) error {
	rec, err := m.store.GetByTokenID(ctx, tokenID)
	if err != nil {
		return err
	}
	if rec.Status != models.TokenStatusCompromised {
		return fmt.Errorf("token %s is %s, not compromised", tokenID, rec.Status)
	}
	completed := models.RevocationCompleted
	rec.Status = models.TokenStatusRevoked
	rec.RevocationStatus = &completed
	if err := m.store.Save(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("e-Factura token revocation completed", zap.String("token_id", tokenID))
	return nil
}

// PendingRevocations lists compromised tokens the authority has not revoked yet.
func (m *TokenManager) PendingRevocations(ctx context.Context) ([]models.TokenRecord, error) {
	return m.store.PendingRevocations(ctx)
}

// ExpiringSoon lists active tokens that expire within days.
func (m *TokenManager) ExpiringSoon(ctx context.Context, days int) ([]models.TokenRecord, error) {
	return m.store.ExpiringBefore(ctx, m.now().Add(time.Duration(days)*24*time.Hour))
}

// AccessToken returns the active access secret and records its use.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	active, err := m.store.Active(ctx, m.cfg.ClientID)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", ErrNoActiveToken
	}
	now := m.now()
	if !active.ExpiresAt.After(now) {
		return "", ErrTokenExpired
	}

	secret, err := m.sealer.Open(active.AccessSecret, []byte(active.TokenID))
	if err != nil {
		return "", fmt.Errorf("failed to open access secret: %w", err)
	}

	if err := m.store.RecordUsage(ctx, active.ID, now); err != nil {
		m.logger.Warn("failed to record token usage", zap.String("token_id", active.TokenID), zap.Error(err))
	}
	return string(secret), nil
}

// SweepExpired marks active tokens past their expiry as expired.
func (m *TokenManager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.MarkExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.TokenEvents.WithLabelValues("expired").Add(float64(n))
		m.logger.Warn("expired e-Factura tokens swept", zap.Int64("count", n))
	}
	return n, nil
}

// CheckExpiry publishes the expiry gauge and warns when the active token is
// exactly alertDays away from expiring.
func (m *TokenManager) CheckExpiry(ctx context.Context, alertDays []int) error {
	st, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if !st.HasToken {
		metrics.TokenDaysUntilExpiry.Set(-1)
		m.logger.Warn("no active e-Factura token")
		return nil
	}
	metrics.TokenDaysUntilExpiry.Set(float64(st.DaysUntilExpiry))
	for _, d := range alertDays {
		if st.DaysUntilExpiry == d {
			m.logger.Warn("e-Factura token expiring",
				zap.String("token_id", st.TokenID),
				zap.Int("days_until_expiry", st.DaysUntilExpiry),
				zap.String("state", st.State))
			break
		}
	}
	return nil
}

func (m *TokenManager) newRecord(grant *Grant, parentTokenID string, now time.Time) (*models.TokenRecord, error) {
	if grant == nil || grant.AccessToken == "" {
		return nil, errors.New("token exchange returned no access token")
	}
	tokenID, err := newTokenID()
	if err != nil {
		return nil, err
	}

	accessSecret, err := m.sealer.Seal([]byte(grant.AccessToken), []byte(tokenID))
	if err != nil {
		return nil, fmt.Errorf("failed to seal access secret: %w", err)
	}
	var refreshSecret []byte
	if grant.RefreshToken != "" {
		refreshSecret, err = m.sealer.Seal([]byte(grant.RefreshToken), []byte(tokenID))
		if err != nil {
			return nil, fmt.Errorf("failed to seal refresh secret: %w", err)
		}
	}

	rec := &models.TokenRecord{
		TokenID:       tokenID,
		ClientID:      m.cfg.ClientID,
		TokenType:     "access",
		Status:        models.TokenStatusActive,
		AccessSecret:  accessSecret,
		RefreshSecret: refreshSecret,
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.cfg.Validity),
	}
	if grant.Subject != "" {
		rec.Subject = &grant.Subject
	}
	if grant.Scope != "" {
		rec.Scope = &grant.Scope
	}
	if parentTokenID != "" {
		m.logger.Debug("rotating token", zap.String("parent_token_id", parentTokenID), zap.String("token_id", tokenID))
	}
	return rec, nil
}

// acquire takes every named lock or none of them.
func (m *TokenManager) acquire(ctx context.Context, keys ...string) (func(), error) {
	owner := []byte(uuid.NewString())
	held := make([]string, 0, len(keys))

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for _, k := range held {
			if _, err := m.locks.CompareAndDelete(rctx, k, owner); err != nil {
				m.logger.Warn("failed to release token lock", zap.String("lock", k), zap.Error(err))
			}
		}
	}

	for _, k := range keys {
		ok, err := m.locks.SetNX(ctx, k, owner, m.cfg.LockTTL)
		if err != nil {
			release()
			return nil, fmt.Errorf("failed to acquire %s: %w", k, err)
		}
		if !ok {
			release()
			m.logger.Info("token lock busy", zap.String("lock", k))
			return nil, fmt.Errorf("%w: %s is held", ErrExchangeInProgress, k)
		}
		held = append(held, k)
	}
	return release, nil
}

func (m *TokenManager) lockKey(name string) string {
	return "efactura:token:" + m.cfg.ClientID + ":" + name + ":lock"
}

func (m *TokenManager) minRefreshDays() int {
	return int(m.cfg.MinRefreshAge.Hours() / 24)
}

func newTokenID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}
	sum := sha256.Sum256(b)
	return "eft_" + hex.EncodeToString(sum[:]), nil
}

func revocationRequestID(now time.Time) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate revocation id: %w", err)
	}
	return "REV_" + strings.ToUpper(hex.EncodeToString(b)) + "_" + now.Format("20060102"), nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
