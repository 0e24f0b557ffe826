package server

import (
	"log/slog"
	"time"
)

// Config holds OAuth server configuration. Lifetimes are server-wide
// defaults; tenants and clients may override them.
type Config struct {
	// Issuer is the base URL. Tenants without their own issuer get
	// Issuer + "/t/" + tenant ID.
	Issuer string

	// AllowInsecureHTTP allows an http:// issuer outside localhost
	// WARNING: tokens and client secrets travel in clear text
	// Default: false
	AllowInsecureHTTP bool // default: false

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RevokedTokenRetention is how long refresh token state is kept after
	// expiry so chains can still be walked and tokens introspected.
	RevokedTokenRetention int64 // seconds, default: 7776000 (90 days)

	// SigningKeyValidity is the lifetime of generated signing keys
	SigningKeyValidity int64 // seconds, default: 31536000 (1 year)

	// MaxRefreshChainLength bounds a single reuse-revocation walk
	MaxRefreshChainLength int // default: 1000

	// SigningKeyBits is the RSA modulus size of generated signing keys
	SigningKeyBits int // default: 2048

	// SupportedScopes lists the scopes that may be requested at all.
	// If empty, any scope allowed by the client is accepted.
	SupportedScopes []string

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// When false, only S256 is accepted (secure by default)
	// Default: false
	AllowPKCEPlain bool // default: false

	// DisablePKCERequirement lets confidential clients omit PKCE unless
	// their registration requires it. Public clients always require PKCE.
	// WARNING: exposes codes of confidential clients to injection attacks
	// Default: false (PKCE required)
	DisablePKCERequirement bool // default: false

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int // default: 1
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.RevokedTokenRetention == 0 {
		config.RevokedTokenRetention = 7776000 // 90 days
	}
	if config.SigningKeyValidity == 0 {
		config.SigningKeyValidity = 31536000 // 1 year
	}
	if config.MaxRefreshChainLength == 0 {
		config.MaxRefreshChainLength = 1000
	}
	if config.SigningKeyBits == 0 {
		config.SigningKeyBits = 2048
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
}

// applySecurityDefaults reports insecure settings. Every security option is
// an explicit opt-out, so the zero value is already the secure one.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.DisablePKCERequirement {
		logger.Warn("SECURITY WARNING: PKCE is not required for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set DisablePKCERequirement=false for OAuth 2.1 compliance")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.RefreshTokenTTL < config.AccessTokenTTL {
		logger.Warn("CONFIGURATION WARNING: RefreshTokenTTL is shorter than AccessTokenTTL",
			"refresh_token_ttl", config.RefreshTokenTTL,
			"access_token_ttl", config.AccessTokenTTL)
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
