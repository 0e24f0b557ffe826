package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/tenant-oauth/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient   = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedTokenType = server.ErrorCodeUnsupportedTokenType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// FromError converts an error returned by the server package into the
// response to send. Descriptions of unexpected errors are never exposed.
func FromError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	var se *server.Error
	if errors.As(err, &se) {
		return NewOAuthError(se.Code, se.Description, StatusFor(se.Code))
	}
	return NewOAuthError(ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

// StatusFor returns the HTTP status for an OAuth error code (RFC 6749
// Section 5.2).
func StatusFor(code string) int {
	switch code {
	case ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
