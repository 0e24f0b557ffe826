package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes the security audit trail. User identifiers are hashed
// before they reach the log.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event is a single audit record.
type Event struct {
	Type      string
	TenantID  string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent records an event. A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	level := slog.LevelInfo
	if isViolation(event.Type) {
		level = slog.LevelWarn
	}

	a.logger.Log(context.Background(), level, "security_audit",
		"event_type", event.Type,
		"tenant_id", event.TenantID,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued records a successful token endpoint response.
func (a *Auditor) LogTokenIssued(tenantID, userID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogRefreshReuse records replay of a superseded refresh token and how many
// descendants were revoked as a consequence.
func (a *Auditor) LogRefreshReuse(tenantID, userID, clientID, ipAddress string, revoked int) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity":            "critical",
			"descendants_revoked": revoked,
		},
	})
}

// LogClientAuthFailure records a rejected client credential.
func (a *Auditor) LogClientAuthFailure(tenantID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventClientAuthFailure,
		TenantID:  tenantID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

func isViolation(eventType string) bool {
	switch eventType {
	case EventAuthorizationCodeReuseDetected, EventPKCEValidationFailed, EventGrantBindingMismatch,
		EventRefreshTokenReuseDetected, EventClientAuthFailure, EventScopeEscalationAttempt,
		EventRateLimitExceeded:
		return true
	}
	return false
}

// hashForLogging returns a short SHA-256 prefix of sensitive data.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
