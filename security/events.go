package security

// Audit event types.
const (
	// Grant lifecycle

	EventAuthorizationCodeIssued        = "authorization_code_issued"
	EventAuthorizationCodeRedeemed      = "authorization_code_redeemed"
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"
	EventPKCEValidationFailed           = "pkce_validation_failed"
	EventGrantBindingMismatch           = "grant_binding_mismatch"

	// Token lifecycle

	EventTokenIssued               = "token_issued"
	EventRefreshTokenRotated       = "refresh_token_rotated"
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential
	EventTokenChainRevoked         = "token_chain_revoked"
	EventTokenRevoked              = "token_revoked"

	// Signing keys

	EventSigningKeyGenerated = "signing_key_generated"
	EventSigningKeyRotated   = "signing_key_rotated"
	EventSigningKeyRevoked   = "signing_key_revoked"

	// Clients

	EventClientAuthFailure      = "client_auth_failure"
	EventClientSecretRotated    = "client_secret_rotated"
	EventScopeEscalationAttempt = "scope_escalation_attempt"
	EventRateLimitExceeded      = "rate_limit_exceeded"
)
