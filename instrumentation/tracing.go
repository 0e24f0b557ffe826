package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Credential values (codes, tokens, secrets, verifiers)
// must never be recorded; use hashes or booleans instead.
const (
	AttrTenantID   = "oauth.tenant_id"
	AttrClientID   = "oauth.client_id"
	AttrUserID     = "oauth.user_id"
	AttrScope      = "oauth.scope"
	AttrGrantType  = "oauth.grant_type"
	AttrPKCEMethod = "oauth.pkce.method"
	AttrCodeReuse  = "oauth.code.reuse"
	AttrTokenReuse = "oauth.token.reuse" //nolint:gosec // attribute name, not a credential
	AttrKeyID      = "oauth.signing_key.kid"
	AttrError      = "oauth.error"

	AttrEntityKind = "actor.entity.kind"
	AttrEntityKey  = "actor.entity.key_hash"
	AttrStateWrite = "actor.state.written"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
	AttrClientIP       = "security.client_ip"
)

// RecordError records err on span and marks it failed (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds the tenant/client/grant type triple, skipping empty values.
func AddGrantAttributes(span trace.Span, tenantID, clientID, grantType string) {
	attrs := make([]attribute.KeyValue, 0, 3)
	if tenantID != "" {
		attrs = append(attrs, attribute.String(AttrTenantID, tenantID))
	}
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if grantType != "" {
		attrs = append(attrs, attribute.String(AttrGrantType, grantType))
	}
	SetSpanAttributes(span, attrs...)
}

// AddStorageAttributes adds storage operation attributes (nil-safe).
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP attributes (nil-safe).
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
