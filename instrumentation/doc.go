// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// With Enabled false (the zero Config) every meter and tracer is a no-op, so
// packages can record unconditionally.
//
// # Prometheus
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "tenant-oauth",
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", inst.PrometheusHandler())
//
// # Instruments
//
// Metric names follow the layer they are recorded in:
//   - actor.*: entity operations and deferred callbacks
//   - oauth.grant.*, oauth.token.*, oauth.refresh.*: token lifecycle
//   - oauth.pkce.*, oauth.code.reuse_detected, oauth.client.auth_failed: security signals
//   - storage.*: backend calls and in-memory record counts
//   - oauth.http.*: token endpoint traffic
package instrumentation
