package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument recorded by the server.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Entity actor runtime
	ActorInvocations metric.Int64Counter
	ActorDuration    metric.Float64Histogram
	ActorTimersFired metric.Int64Counter

	// Grants and tokens
	GrantsIssued   metric.Int64Counter
	GrantsRedeemed metric.Int64Counter
	TokensIssued   metric.Int64Counter
	TokensRevoked  metric.Int64Counter
	RefreshRotated metric.Int64Counter

	// Signing keys
	KeyOperations metric.Int64Counter

	// Security
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	ChainTokensRevoked   metric.Int64Counter
	ClientAuthFailures   metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageStates            metric.Int64ObservableGauge
	StorageClients           metric.Int64ObservableGauge
}

type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, desc string) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	if b.err != nil {
		return nil
	}
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpB := &instrumentBuilder{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = httpB.counter("oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = httpB.histogram("oauth.http.request.duration", "HTTP request duration in milliseconds")

	actorB := &instrumentBuilder{meter: inst.Meter("actor")}
	m.ActorInvocations = actorB.counter("actor.invocations.total", "Entity operations executed", "{invocation}")
	m.ActorDuration = actorB.histogram("actor.invocation.duration", "Entity operation duration including the state write")
	m.ActorTimersFired = actorB.counter("actor.timers.fired", "Deferred entity callbacks executed", "{timer}")

	srvB := &instrumentBuilder{meter: inst.Meter("server")}
	m.GrantsIssued = srvB.counter("oauth.grant.issued", "Authorization codes issued", "{grant}")
	m.GrantsRedeemed = srvB.counter("oauth.grant.redeemed", "Authorization codes redeemed", "{grant}")
	m.TokensIssued = srvB.counter("oauth.token.issued", "Token responses issued", "{response}")
	m.TokensRevoked = srvB.counter("oauth.token.revoked", "Tokens revoked through the revocation endpoint", "{token}")
	m.RefreshRotated = srvB.counter("oauth.refresh.rotated", "Refresh tokens rotated", "{rotation}")
	m.KeyOperations = srvB.counter("oauth.signing_key.operations", "Signing key lifecycle operations", "{operation}")

	secB := &instrumentBuilder{meter: inst.Meter("security")}
	m.PKCEValidationFailed = secB.counter("oauth.pkce.validation_failed", "PKCE verification failures", "{failure}")
	m.CodeReuseDetected = secB.counter("oauth.code.reuse_detected", "Replays of redeemed authorization codes", "{attempt}")
	m.RefreshReuseDetected = secB.counter("oauth.refresh.reuse_detected", "Replays of superseded refresh tokens", "{attempt}")
	m.ChainTokensRevoked = secB.counter("oauth.refresh.chain_revoked", "Descendant refresh tokens revoked by reuse detection", "{token}")
	m.ClientAuthFailures = secB.counter("oauth.client.auth_failed", "Rejected client credentials", "{failure}")
	m.RateLimitExceeded = secB.counter("oauth.rate_limit.exceeded", "Requests rejected by rate limiting", "{request}")

	stB := &instrumentBuilder{meter: inst.Meter("storage")}
	m.StorageOperationTotal = stB.counter("storage.operation.total", "Total number of storage operations", "{operation}")
	m.StorageOperationDuration = stB.histogram("storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageStates = stB.gauge("storage.states.count", "Entity state records held in memory", "{record}")
	m.StorageClients = stB.gauge("storage.clients.count", "Client records held in memory", "{client}")

	for _, b := range []*instrumentBuilder{httpB, actorB, srvB, secB, stB} {
		if b.err != nil {
			return nil, b.err
		}
	}
	return m, nil
}

// RecordHTTPRequest records a finished HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordActorInvocation records one entity operation. kind is the key prefix
// ("grant", "refresh", "keyset").
func (m *Metrics) RecordActorInvocation(ctx context.Context, kind, result string, durationMs float64) {
	m.ActorInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
	m.ActorDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTimerFired records a deferred callback execution.
func (m *Metrics) RecordTimerFired(ctx context.Context, kind string) {
	m.ActorTimersFired.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordGrantIssued records an authorization code issuance.
func (m *Metrics) RecordGrantIssued(ctx context.Context, tenantID, pkceMethod string) {
	m.GrantsIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordGrantRedeemed records a successful code redemption.
func (m *Metrics) RecordGrantRedeemed(ctx context.Context, tenantID string) {
	m.GrantsRedeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// RecordTokenIssued records a token response per grant type.
func (m *Metrics) RecordTokenIssued(ctx context.Context, tenantID, grantType string, withRefresh, withIDToken bool) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("grant_type", grantType),
		attribute.Bool("refresh_token", withRefresh),
		attribute.Bool("id_token", withIDToken),
	))
}

// RecordTokenRevoked records an explicit revocation.
func (m *Metrics) RecordTokenRevoked(ctx context.Context, tokenType string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("token_type", tokenType)))
}

// RecordRefreshRotated records a successful rotation.
func (m *Metrics) RecordRefreshRotated(ctx context.Context, tenantID string) {
	m.RefreshRotated.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))
}

// RecordKeyOperation records generate, rotate or revoke on a tenant key set.
func (m *Metrics) RecordKeyOperation(ctx context.Context, tenantID, operation string) {
	m.KeyOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("operation", operation),
	))
}

// RecordPKCEValidationFailed records a failed verifier check.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records replay of a redeemed code.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a replayed refresh token and the number
// of descendants revoked because of it.
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context, revoked int) {
	m.RefreshReuseDetected.Add(ctx, 1)
	if revoked > 0 {
		m.ChainTokensRevoked.Add(ctx, int64(revoked))
	}
}

// RecordClientAuthFailure records a rejected client credential.
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, reason string) {
	m.ClientAuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRateLimitExceeded records a throttled request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordStorageOperation records a backend call.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
