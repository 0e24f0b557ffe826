package server

import (
	"errors"
	"fmt"

	"github.com/giantswarm/tenant-oauth/actor"
)

// OAuth 2.0 error codes (RFC 6749 Section 5.2, RFC 7009).
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeUnsupportedTokenType = "unsupported_token_type"
	ErrorCodeServerError          = "server_error"
)

const (
	invalidGrantDescription  = "The provided authorization grant is invalid, expired, or revoked"
	invalidClientDescription = "Client authentication failed"
)

// Error is returned by Server operations. Code is the OAuth error code;
// Description is safe to show to the client. Cause is for logs only.
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Cause: cause}
}

// invalidGrant hides why a grant was rejected: unknown, consumed, expired,
// PKCE failure and replay all look the same to the caller.
func invalidGrant(cause error) *Error {
	return newError(ErrorCodeInvalidGrant, invalidGrantDescription, cause)
}

func invalidClient(cause error) *Error {
	return newError(ErrorCodeInvalidClient, invalidClientDescription, cause)
}

// internalError maps infrastructure failures. After a persistence failure
// the outcome is unknown; retrying the whole request is safe.
func internalError(cause error) *Error {
	return newError(ErrorCodeServerError, "Internal server error", cause)
}

// IsTransient reports whether err is an infrastructure failure the client
// may retry.
func IsTransient(err error) bool {
	return errors.Is(err, actor.ErrPersistence)
}

// ErrorCode returns the OAuth error code of err, or server_error.
func ErrorCode(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ErrorCodeServerError
}
